package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkMount means the history database would live on a network
// filesystem, where SQLite's WAL locking is unreliable.
var ErrNetworkMount = errors.New("history database on a network filesystem")

// mount describes the filesystem that holds a path.
type mount struct {
	Type    string
	Network bool
}

type mountStater func(dir string) (mount, error)

// networkTypes are filesystem type names reported by BSD-style statfs.
var networkTypes = map[string]bool{
	"afpfs":  true,
	"cifs":   true,
	"nfs":    true,
	"smbfs":  true,
	"webdav": true,
}

func networkType(name string) bool {
	return networkTypes[strings.ToLower(strings.TrimSpace(name))]
}

func requireLocalMount(path string) error {
	return requireLocalMountWith(path, statMount)
}

func requireLocalMountWith(path string, stat mountStater) error {
	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve history path %q: %w", path, err)
	}
	m, err := stat(dir)
	if err != nil {
		return fmt.Errorf("inspect filesystem of %q: %w", dir, err)
	}
	if m.Network {
		return fmt.Errorf("%w: %s is on %s; point history.path at local disk or leave it empty",
			ErrNetworkMount, path, m.Type)
	}
	return nil
}

// existingAncestor walks up from path to the first entry that exists, so
// a database that is about to be created is checked where it will land.
func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for dir := abs; ; dir = filepath.Dir(dir) {
		_, err := os.Stat(dir)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		if filepath.Dir(dir) == dir {
			return "", fmt.Errorf("no existing parent for %s", abs)
		}
	}
}
