//go:build darwin

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func statMount(dir string) (mount, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return mount{}, fmt.Errorf("statfs: %w", err)
	}
	name := unix.ByteSliceToString(st.Fstypename[:])
	return mount{Type: name, Network: networkType(name)}, nil
}
