// Package archive reads and writes local-cache snapshot archives: a gzip'd
// tar holding a plaintext manifest and the record payload, the payload
// optionally sealed with a password.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/applytrack/backend/internal/errors"
	"github.com/kimhsiao/applytrack/backend/internal/logging"
	"github.com/kimhsiao/applytrack/backend/internal/models"
	"github.com/kimhsiao/applytrack/backend/internal/sync/storage"
)

const (
	manifestName  = "manifest.json"
	recordsName   = "records.json"
	sealedName    = "records.json.enc"
	filePrefix    = "applytrack_"
	fileExt       = ".tar.gz"
	formatVersion = "1.0"
)

// Manifest describes an archive. It is never encrypted so archives can be
// listed without a password.
type Manifest struct {
	Version      string      `json:"version"`
	SnapshotID   models.UUID `json:"snapshot_id"`
	CreatedAt    time.Time   `json:"created_at"`
	RecordCount  int         `json:"record_count"`
	LastModified time.Time   `json:"last_modified"`
	Safety       bool        `json:"safety"`
	Checksum     string      `json:"checksum"`
	Encrypted    bool        `json:"encrypted"`
}

// Info locates an archive on disk.
type Info struct {
	Path      string
	SizeBytes int64
	Manifest  Manifest
}

// Snapshot returns the archive's snapshot summary (no records).
func (i *Info) Snapshot() models.BackupSnapshot {
	return models.BackupSnapshot{
		ID:           i.Manifest.SnapshotID,
		Origin:       models.OriginLocalCache,
		CreatedAt:    i.Manifest.CreatedAt,
		RecordCount:  i.Manifest.RecordCount,
		LastModified: i.Manifest.LastModified,
		Safety:       i.Manifest.Safety,
		Checksum:     i.Manifest.Checksum,
	}
}

// PathFor returns the archive path for a snapshot id.
func PathFor(dir string, id models.UUID) string {
	return filepath.Join(dir, filePrefix+string(id)+fileExt)
}

// Write stores snap as an archive in dir. An empty password leaves the
// payload unencrypted.
func Write(dir string, snap *models.BackupSnapshot, password string) (*Info, error) {
	payload, err := json.MarshalIndent(snap.Records, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode snapshot records", err)
	}

	manifest := Manifest{
		Version:      formatVersion,
		SnapshotID:   snap.ID,
		CreatedAt:    snap.CreatedAt,
		RecordCount:  snap.RecordCount,
		LastModified: snap.LastModified,
		Safety:       snap.Safety,
		Checksum:     storage.CalculateHash(payload),
		Encrypted:    password != "",
	}

	name := recordsName
	if manifest.Encrypted {
		if payload, err = Encrypt(payload, password); err != nil {
			return nil, err
		}
		name = sealedName
	}

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode manifest", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Storage("failed to create cache directory", err)
	}

	path := PathFor(dir, snap.ID)
	size, err := writeTarGz(path, snap.CreatedAt, map[string][]byte{
		manifestName: manifestData,
		name:         payload,
	}, []string{manifestName, name})
	if err != nil {
		return nil, apperrors.Storage("failed to write archive", err)
	}

	snap.Checksum = manifest.Checksum
	logging.Info("Snapshot archive written",
		map[string]interface{}{
			"path":       path,
			"size_bytes": size,
			"records":    manifest.RecordCount,
			"encrypted":  manifest.Encrypted,
		})

	return &Info{Path: path, SizeBytes: size, Manifest: manifest}, nil
}

// writeTarGz writes files in order to a temp file and renames it into place.
func writeTarGz(path string, modTime time.Time, files map[string][]byte, order []string) (int64, error) {
	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp)

	gzw := gzip.NewWriter(out)
	tw := tar.NewWriter(gzw)
	for _, name := range order {
		data := files[name]
		hdr := &tar.Header{Name: name, Mode: 0o600, Size: int64(len(data)), ModTime: modTime}
		if err := tw.WriteHeader(hdr); err != nil {
			out.Close()
			return 0, err
		}
		if _, err := tw.Write(data); err != nil {
			out.Close()
			return 0, err
		}
	}
	if err := tw.Close(); err != nil {
		out.Close()
		return 0, err
	}
	if err := gzw.Close(); err != nil {
		out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}

	info, err := os.Stat(tmp)
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// readEntries returns the archive's entries. When stopAfter is set, reading
// stops once that entry has been read.
func readEntries(path, stopAfter string) (map[string][]byte, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	gzr, err := gzip.NewReader(in)
	if err != nil {
		return nil, err
	}
	defer gzr.Close()

	entries := make(map[string][]byte)
	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		entries[hdr.Name] = data
		if hdr.Name == stopAfter {
			break
		}
	}
	return entries, nil
}

// ReadManifest reads only the manifest of the archive at path.
func ReadManifest(path string) (*Manifest, error) {
	entries, err := readEntries(path, manifestName)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "failed to read archive", err)
	}
	data, ok := entries[manifestName]
	if !ok {
		return nil, apperrors.New(apperrors.ErrCorruptedArchive, "archive has no manifest")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "failed to decode manifest", err)
	}
	return &m, nil
}

// Load reads the full snapshot from the archive at path, decrypting and
// verifying the payload checksum.
func Load(path, password string) (*models.BackupSnapshot, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "archive %s not found", filepath.Base(path))
	}

	entries, err := readEntries(path, "")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "failed to read archive", err)
	}

	var m Manifest
	if err := json.Unmarshal(entries[manifestName], &m); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "failed to decode manifest", err)
	}

	payload, ok := entries[recordsName]
	if m.Encrypted {
		if password == "" {
			return nil, apperrors.New(apperrors.ErrInvalidPassword, "archive is encrypted; a password is required")
		}
		sealed, found := entries[sealedName]
		if !found {
			return nil, apperrors.New(apperrors.ErrCorruptedArchive, "archive has no encrypted payload")
		}
		if payload, err = Decrypt(sealed, password); err != nil {
			return nil, err
		}
		ok = true
	}
	if !ok {
		return nil, apperrors.New(apperrors.ErrCorruptedArchive, "archive has no record payload")
	}

	if storage.CalculateHash(payload) != m.Checksum {
		return nil, apperrors.Newf(apperrors.ErrCorruptedArchive, "archive %s checksum mismatch", m.SnapshotID)
	}

	info := Info{Path: path, Manifest: m}
	snap := info.Snapshot()
	if err := json.Unmarshal(payload, &snap.Records); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "failed to decode records", err)
	}
	return &snap, nil
}

// List returns every readable archive in dir, most recent first. A missing
// directory yields an empty list; unreadable archives are skipped.
func List(dir string) ([]*Info, error) {
	archives := []*Info{}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return archives, nil
	}
	if err != nil {
		return nil, apperrors.Storage("failed to read cache directory", err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		path := filepath.Join(dir, name)
		m, err := ReadManifest(path)
		if err != nil {
			logging.Warn("Skipping unreadable snapshot archive",
				map[string]interface{}{"path": path, "error": err.Error()})
			continue
		}
		var size int64
		if fi, err := e.Info(); err == nil {
			size = fi.Size()
		}
		archives = append(archives, &Info{Path: path, SizeBytes: size, Manifest: *m})
	}

	sort.SliceStable(archives, func(i, j int) bool {
		a, b := archives[i].Manifest, archives[j].Manifest
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.SnapshotID < b.SnapshotID
	})
	return archives, nil
}

// Remove deletes the archive at path.
func Remove(path string) error {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperrors.Newf(apperrors.ErrNotFound, "archive %s not found", filepath.Base(path))
		}
		return apperrors.Storage(fmt.Sprintf("failed to remove archive %s", filepath.Base(path)), err)
	}
	return nil
}
