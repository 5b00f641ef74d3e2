package archive

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	apperrors "github.com/kimhsiao/applytrack/backend/internal/errors"
)

const (
	// PasswordMinLength is the minimum accepted archive password length.
	PasswordMinLength = 8
	// SaltLength is the length of the random key-derivation salt.
	SaltLength = 32

	keyIterations = 100000
	keyLength     = 32
	algorithm     = "AES-256-GCM"
	headerMagic   = "ATRKARC"
	headerVersion = 1
)

// header precedes every encrypted payload. It never carries the password or
// anything derived from it.
type header struct {
	Version   uint8
	Algorithm string
	Nonce     []byte
	Salt      []byte
}

// ValidatePassword checks the minimum password requirements.
func ValidatePassword(password string) error {
	if len(password) < PasswordMinLength {
		return apperrors.Newf(apperrors.ErrInvalidPassword,
			"password must be at least %d characters", PasswordMinLength)
	}
	return nil
}

// Encrypt seals data with a key derived from password (PBKDF2-SHA256).
func Encrypt(data []byte, password string) ([]byte, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	h := header{Version: headerVersion, Algorithm: algorithm, Nonce: nonce, Salt: salt}
	out, err := h.marshal()
	if err != nil {
		return nil, err
	}
	return gcm.Seal(out, nonce, data, nil), nil
}

// Decrypt opens data sealed by Encrypt. A wrong password and a tampered
// payload are indistinguishable and both report INVALID_PASSWORD.
func Decrypt(data []byte, password string) ([]byte, error) {
	h, payload, err := parseHeader(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "invalid encrypted payload", err)
	}
	if h.Version != headerVersion || h.Algorithm != algorithm {
		return nil, apperrors.Newf(apperrors.ErrCorruptedArchive,
			"unsupported encryption %s v%d", h.Algorithm, h.Version)
	}

	gcm, err := newGCM(password, h.Salt)
	if err != nil {
		return nil, err
	}
	if len(h.Nonce) != gcm.NonceSize() {
		return nil, apperrors.New(apperrors.ErrCorruptedArchive, "invalid nonce length")
	}

	plaintext, err := gcm.Open(nil, h.Nonce, payload, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidPassword, "decryption failed", err)
	}
	return plaintext, nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, keyIterations, keyLength, sha256.New)
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// marshal lays out magic, version, then length-prefixed algorithm, nonce and salt.
func (h header) marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(headerMagic)
	buf.WriteByte(h.Version)
	for _, field := range [][]byte{[]byte(h.Algorithm), h.Nonce, h.Salt} {
		if len(field) > 255 {
			return nil, fmt.Errorf("header field too long: %d bytes", len(field))
		}
		buf.WriteByte(byte(len(field)))
		buf.Write(field)
	}
	return buf.Bytes(), nil
}

func parseHeader(data []byte) (header, []byte, error) {
	var h header
	r := bytes.NewReader(data)

	magic := make([]byte, len(headerMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return h, nil, fmt.Errorf("failed to read magic: %w", err)
	}
	if string(magic) != headerMagic {
		return h, nil, fmt.Errorf("invalid magic number %q", magic)
	}

	version, err := r.ReadByte()
	if err != nil {
		return h, nil, fmt.Errorf("failed to read version: %w", err)
	}
	h.Version = version

	fields := make([][]byte, 3)
	for i := range fields {
		n, err := r.ReadByte()
		if err != nil {
			return h, nil, fmt.Errorf("failed to read field length: %w", err)
		}
		fields[i] = make([]byte, n)
		if _, err := io.ReadFull(r, fields[i]); err != nil {
			return h, nil, fmt.Errorf("failed to read header field: %w", err)
		}
	}
	h.Algorithm = string(fields[0])
	h.Nonce = fields[1]
	h.Salt = fields[2]

	return h, data[len(data)-r.Len():], nil
}
