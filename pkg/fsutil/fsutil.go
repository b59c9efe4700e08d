// Package fsutil applies a configured owner to files the service writes,
// so a file registry written by root stays readable by the serving user.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Owner is a numeric UID and GID.
type Owner struct {
	UID int
	GID int
}

// ParseOwner parses "UID:GID". An empty string yields (nil, nil).
func ParseOwner(s string) (*Owner, error) {
	if s == "" {
		return nil, nil
	}

	uidStr, gidStr, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("invalid owner %q, expected UID:GID", s)
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil || uid < 0 {
		return nil, fmt.Errorf("invalid UID %q", uidStr)
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil || gid < 0 {
		return nil, fmt.Errorf("invalid GID %q", gidStr)
	}

	return &Owner{UID: uid, GID: gid}, nil
}

// Chown hands path to owner. A nil owner is a no-op.
func Chown(path string, owner *Owner) error {
	if owner == nil {
		return nil
	}

	if err := os.Chown(path, owner.UID, owner.GID); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}

	return nil
}

// MkdirAll creates path and its missing parents, handing each directory
// it created to owner.
func MkdirAll(path string, perm os.FileMode, owner *Owner) error {
	if owner == nil {
		return os.MkdirAll(path, perm)
	}

	var created []string

	for p := path; ; {
		if _, err := os.Stat(p); err == nil {
			break
		}

		created = append(created, p)

		parent := filepath.Dir(p)
		if parent == p {
			break
		}

		p = parent
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}

	for i := len(created) - 1; i >= 0; i-- {
		if err := Chown(created[i], owner); err != nil {
			return err
		}
	}

	return nil
}
