package engine

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sync"
)

// ErrNoMainFile is returned by Compile when no main file has been set.
var ErrNoMainFile = errors.New("no main file set")

// Workspace is the in-memory input file set shared by the backends.
type Workspace struct {
	mu    sync.Mutex
	files map[string][]byte
	main  string
}

// NewWorkspace returns a workspace pre-populated with files.
func NewWorkspace(files map[string][]byte) *Workspace {
	w := &Workspace{files: make(map[string][]byte, len(files))}
	for name, content := range files {
		w.files[filepath.ToSlash(name)] = content
	}
	return w
}

// Write stores a copy of content under name.
func (w *Workspace) Write(name string, content []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[filepath.ToSlash(name)] = bytes.Clone(content)
	return nil
}

// SetMain selects the file compilation starts from. It must exist.
func (w *Workspace) SetMain(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	name = filepath.ToSlash(name)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[name]; !ok {
		return fmt.Errorf("main file %q not in workspace", name)
	}
	w.main = name
	return nil
}

// Main returns the main file name.
func (w *Workspace) Main() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.main == "" {
		return "", ErrNoMainFile
	}
	return w.main, nil
}

// Snapshot returns the current files. The byte slices must not be
// modified.
func (w *Workspace) Snapshot() map[string][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return maps.Clone(w.files)
}

// Tar packs the workspace into a tar stream with every entry under
// prefix. Directory entries come first, then files in name order.
func (w *Workspace) Tar(prefix string) ([]byte, error) {
	files := w.Snapshot()
	names := slices.Sorted(maps.Keys(files))

	dirs := make(map[string]bool)
	for _, name := range names {
		dir := filepath.Dir(filepath.Join(prefix, name))
		for dir != "." && dir != "/" && !dirs[dir] {
			dirs[dir] = true
			dir = filepath.Dir(dir)
		}
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, dir := range slices.Sorted(maps.Keys(dirs)) {
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     filepath.ToSlash(dir) + "/",
			Mode:     0o755,
		}); err != nil {
			return nil, err
		}
	}
	for _, name := range names {
		body := files[name]
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     filepath.ToSlash(filepath.Join(prefix, name)),
			Mode:     0o644,
			Size:     int64(len(body)),
		}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(body); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func checkName(name string) error {
	if name == "" || !filepath.IsLocal(name) {
		return fmt.Errorf("invalid workspace file name %q", name)
	}
	return nil
}
