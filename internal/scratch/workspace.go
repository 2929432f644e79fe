// Package scratch provides request-scoped directories for uploaded inputs and
// generated audio. Names inside a workspace are generated; a caller-supplied
// file name only contributes a sanitised extension.
package scratch

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const maxExtLen = 8

type Workspace struct {
	dir  string
	once sync.Once
	err  error
}

// New creates a private directory under baseDir (the system temp dir when
// empty). Callers must Close it on every path.
func New(baseDir string) (*Workspace, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(baseDir, "voxlens-")
	if err != nil {
		return nil, err
	}
	return &Workspace{dir: dir}, nil
}

func (w *Workspace) Dir() string {
	return w.dir
}

// Path returns a fresh <kind>-<uuid><ext> path inside the workspace without
// creating the file.
func (w *Workspace) Path(kind, ext string) string {
	return filepath.Join(w.dir, kind+"-"+uuid.NewString()+ext)
}

// Save copies r into <kind>-<uuid><ext> and returns the full path.
func (w *Workspace) Save(kind, originalName string, r io.Reader) (string, error) {
	path := w.Path(kind, SafeExt(originalName))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// Close removes the workspace and everything in it. It is safe to call more
// than once.
func (w *Workspace) Close() error {
	w.once.Do(func() {
		w.err = os.RemoveAll(w.dir)
	})
	return w.err
}

// SafeExt keeps a short alphanumeric extension from name, lower-cased, and
// drops everything else. Speech services use the extension to pick a decoder.
func SafeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if len(ext) < 2 || len(ext) > maxExtLen+1 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
