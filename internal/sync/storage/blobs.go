// Package storage provides content-addressed storage for attachment bytes.
// Blobs are keyed by their SHA-256 so that the same file attached to a local
// and a remote version of a record is stored once and compares equal.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// CalculateHash calculates SHA-256 hash of content.
func CalculateHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BlobStore stores attachment content at baseDir/{hash[0:2]}/{hash[2:4]}/{hash}.
type BlobStore struct {
	baseDir string
}

// NewBlobStore creates a BlobStore rooted at baseDir.
func NewBlobStore(baseDir string) *BlobStore {
	return &BlobStore{baseDir: baseDir}
}

func (s *BlobStore) path(hash string) (string, error) {
	if len(hash) != sha256.Size*2 {
		return "", fmt.Errorf("invalid content hash %q", hash)
	}
	return filepath.Join(s.baseDir, hash[0:2], hash[2:4], hash), nil
}

// Put stores data and returns its content hash. Existing blobs are not rewritten.
func (s *BlobStore) Put(data []byte) (string, error) {
	hash := CalculateHash(data)
	p, err := s.path(hash)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return hash, nil
}

// Get reads a blob and verifies it against its hash.
func (s *BlobStore) Get(hash string) ([]byte, error) {
	p, err := s.path(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", hash, err)
	}
	if got := CalculateHash(data); got != hash {
		return nil, fmt.Errorf("hash mismatch: expected %s, got %s", hash, got)
	}
	return data, nil
}

// Exists reports whether a blob is present.
func (s *BlobStore) Exists(hash string) bool {
	p, err := s.path(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Prune deletes every blob whose hash is not in keep and returns how many were removed.
func (s *BlobStore) Prune(keep map[string]bool) (int, error) {
	removed := 0
	err := filepath.WalkDir(s.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || len(d.Name()) != sha256.Size*2 || keep[d.Name()] {
			return nil
		}
		if err := os.Remove(p); err != nil {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to prune blobs: %w", err)
	}
	return removed, nil
}
