package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Filesystem implements Store under a local directory. Keys map to relative
// file paths; content type rides in a sidecar file next to the payload.
type Filesystem struct {
	root string
}

// NewFilesystem returns a filesystem-backed archive rooted at path, creating
// it if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	if root == "" {
		root = "./archive"
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, err
	}
	return &Filesystem{root: root}, nil
}

// Driver returns the driver identifier.
func (f *Filesystem) Driver() Driver { return DriverFilesystem }

// sanitizeKey rejects traversal and absolute keys.
func sanitizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("absolute key %s", key)
	}
	clean := filepath.ToSlash(filepath.Clean(key))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("key %s escapes archive root", key)
	}
	return clean, nil
}

func (f *Filesystem) paths(key string) (payload, sidecar string, err error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return "", "", err
	}
	payload = filepath.Join(f.root, filepath.FromSlash(clean))
	return payload, payload + ".type", nil
}

// Put stores a new object; it fails when the key exists.
func (f *Filesystem) Put(_ context.Context, key string, data []byte, contentType string) (Info, error) {
	path, sidecar, err := f.paths(key)
	if err != nil {
		return Info{}, err
	}
	if _, err := os.Stat(path); err == nil {
		return Info{}, fmt.Errorf("archive object %s already exists", key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return Info{}, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Info{}, err
	}
	if contentType != "" {
		if err := os.WriteFile(sidecar, []byte(contentType), 0o600); err != nil {
			return Info{}, err
		}
	}
	return f.stat(key, path)
}

// Get returns object metadata and payload.
func (f *Filesystem) Get(_ context.Context, key string) (Info, []byte, error) {
	path, _, err := f.paths(key)
	if err != nil {
		return Info{}, nil, err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is sanitized above
	if err != nil {
		return Info{}, nil, fmt.Errorf("archive object %s not found", key)
	}
	info, err := f.stat(key, path)
	if err != nil {
		return Info{}, nil, err
	}
	return info, data, nil
}

// Delete removes the object, reporting whether it existed.
func (f *Filesystem) Delete(_ context.Context, key string) (bool, error) {
	path, sidecar, err := f.paths(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	_ = os.Remove(sidecar)
	return true, nil
}

// List walks the root returning objects whose keys start with prefix.
func (f *Filesystem) List(_ context.Context, prefix string) ([]Info, error) {
	var infos []Info
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".type") {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := f.stat(key, path)
		if err != nil {
			return err
		}
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (f *Filesystem) stat(key, path string) (Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Info{}, err
	}
	info := Info{Key: key, Size: st.Size(), StoredAt: st.ModTime().UTC()}
	if ct, err := os.ReadFile(path + ".type"); err == nil {
		info.ContentType = string(ct)
	}
	return info, nil
}
