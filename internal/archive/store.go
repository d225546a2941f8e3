package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FileStore writes documents below a base directory on local disk.
type FileStore struct {
	dir  string
	root string
}

// NewFileStore returns a store writing under dir. root is the first folder
// of every archive path, e.g. "facturas".
func NewFileStore(dir, root string) *FileStore {
	root = strings.Trim(strings.TrimSpace(root), "/")
	if root == "" {
		root = "facturas"
	}
	return &FileStore{dir: dir, root: root}
}

// Folder returns "{root}/{year}/T{quarter}" for the issue date.
func Folder(root string, issued time.Time) string {
	quarter := (int(issued.Month())-1)/3 + 1
	return path.Join(root, strconv.Itoa(issued.Year()), "T"+strconv.Itoa(quarter))
}

// Save stores data and returns its archive path relative to the base
// directory. Existing files are replaced atomically.
func (s *FileStore) Save(ctx context.Context, tenantID int64, filename string, data []byte, issued time.Time) (string, error) {
	if s == nil || s.dir == "" {
		return "", errors.New("archive: store not configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		return "", errors.New("archive: filename required")
	}

	rel := path.Join("tenants", strconv.FormatInt(tenantID, 10), Folder(s.root, issued), filename)
	full := filepath.Join(s.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("archive: create folder: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("archive: temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("archive: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("archive: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("archive: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", fmt.Errorf("archive: rename: %w", err)
	}
	return rel, nil
}
