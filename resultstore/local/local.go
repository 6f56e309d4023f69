// Package local stores edit outputs as PNG files on the local filesystem.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ineyio/editqueue"
)

// Default locations.
const (
	DefaultDir       = "uploads/ai-edits"
	DefaultURLPrefix = "/uploads/ai-edits"
)

// Store writes <dir>/<editID>.png and returns <urlPrefix>/<editID>.png.
type Store struct {
	dir       string
	urlPrefix string
}

var _ editqueue.ResultStore = (*Store)(nil)

// New creates a filesystem result store. Empty arguments use the defaults.
func New(dir, urlPrefix string) *Store {
	if dir == "" {
		dir = DefaultDir
	}
	if urlPrefix == "" {
		urlPrefix = DefaultURLPrefix
	}
	return &Store{dir: dir, urlPrefix: strings.TrimRight(urlPrefix, "/")}
}

// Dir returns the output directory.
func (s *Store) Dir() string { return s.dir }

// Persist writes image, replacing any previous output for editID.
func (s *Store) Persist(ctx context.Context, image []byte, editID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, err := fileName(editID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("resultstore/local: create dir: %w", err)
	}

	// Write to a temp file first so readers never see a partial image.
	tmp, err := os.CreateTemp(s.dir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("resultstore/local: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(image); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("resultstore/local: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("resultstore/local: close: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("resultstore/local: chmod: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("resultstore/local: rename: %w", err)
	}
	return s.urlPrefix + "/" + name, nil
}

func fileName(editID string) (string, error) {
	if editID == "" || strings.ContainsAny(editID, `/\`) || strings.Contains(editID, "..") {
		return "", fmt.Errorf("%w: %q", editqueue.ErrInvalidEditID, editID)
	}
	return editID + ".png", nil
}
