package artifacts

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/fsutil"
)

// Compile-time interface check.
var _ Store = (*localStore)(nil)

type localStore struct {
	root  string
	owner *fsutil.Owner
}

// LocalOption customizes a local Store.
type LocalOption func(*localStore)

// WithOwner hands every directory and file the store creates to owner.
func WithOwner(owner *fsutil.Owner) LocalOption {
	return func(s *localStore) {
		s.owner = owner
	}
}

// NewLocal creates a Store rooted at a local directory. The directory is
// created on first write.
func NewLocal(root string, opts ...LocalOption) Store {
	s := &localStore{root: root}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *localStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}

	return filepath.Join(s.root, clean), nil
}

// Get reads {root}/{key}. Returns (nil, nil) when the file does not exist.
func (s *localStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p) //nolint:gosec // key validated above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading file %s: %w", p, err)
	}

	return data, nil
}

// Put writes to a temp file in the target directory and renames it over
// the destination.
func (s *localStore) Put(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(p)
	if err := fsutil.MkdirAll(dir, 0o755, s.owner); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("syncing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("setting file mode: %w", err)
	}

	if err := fsutil.Chown(tmpName, s.owner); err != nil {
		return err
	}

	if err := os.Rename(tmpName, p); err != nil {
		return fmt.Errorf("renaming %s: %w", p, err)
	}

	return nil
}

// List walks {root}/{prefix} and returns the keys of regular files.
// Temp files left by an interrupted Put are skipped.
func (s *localStore) List(_ context.Context, prefix string) ([]string, error) {
	base := s.root
	if prefix != "" {
		p, err := s.path(prefix)
		if err != nil {
			return nil, err
		}

		base = p
	}

	var keys []string

	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return fs.SkipAll
			}

			return err
		}

		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}

		keys = append(keys, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", base, err)
	}

	sort.Strings(keys)

	return keys, nil
}
