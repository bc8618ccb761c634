package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Local stores objects under a directory on disk. URLs are built from
// BaseURL, which should point at the server's /media/ route.
type Local struct {
	dir     string
	baseURL string
}

// NewLocal creates the directory if needed.
func NewLocal(dir, baseURL string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}
	return &Local{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (l *Local) resolve(p string) (string, string, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return "", "", err
	}
	return clean, filepath.Join(l.dir, filepath.FromSlash(clean)), nil
}

// Put writes data atomically via a temp file and rename.
func (l *Local) Put(_ context.Context, p string, data []byte, _ string) (string, error) {
	clean, full, err := l.resolve(p)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename object: %w", err)
	}
	return clean, nil
}

// URL joins the base URL and path.
func (l *Local) URL(_ context.Context, p string) (string, error) {
	clean, _, err := l.resolve(p)
	if err != nil {
		return "", err
	}
	if l.baseURL == "" {
		return "/media/" + clean, nil
	}
	return l.baseURL + "/" + clean, nil
}

// Get reads the object from disk.
func (l *Local) Get(_ context.Context, p string) ([]byte, error) {
	_, full, err := l.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Handler serves stored objects; mount it under /media/ with the prefix
// stripped.
func (l *Local) Handler() http.Handler {
	return http.FileServer(noDirFS{http.Dir(l.dir)})
}

// noDirFS hides directory listings.
type noDirFS struct{ fs http.FileSystem }

func (n noDirFS) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.IsDir() {
		f.Close()
		return nil, fs.ErrNotExist
	}
	return f, nil
}
