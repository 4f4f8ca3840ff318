//go:build linux

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Not exported by every x/sys release.
const (
	cifsMagic = 0xFF534D42
	smb2Magic = 0xFE534D42
	cephMagic = 0x00C36400
)

// linuxNetworkMagic maps statfs f_type values of network filesystems.
// 9p covers host bind mounts in Docker Desktop and WSL.
var linuxNetworkMagic = map[uint64]string{
	unix.NFS_SUPER_MAGIC: "nfs",
	unix.SMB_SUPER_MAGIC: "smbfs",
	unix.V9FS_MAGIC:      "9p",
	unix.AFS_SUPER_MAGIC: "afs",
	cephMagic:            "ceph",
	cifsMagic:            "cifs",
	smb2Magic:            "smb2",
}

func statMount(dir string) (mount, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return mount{}, fmt.Errorf("statfs: %w", err)
	}
	magic := uint64(st.Type)
	if name, ok := linuxNetworkMagic[magic]; ok {
		return mount{Type: name, Network: true}, nil
	}
	return mount{Type: fmt.Sprintf("0x%x", magic)}, nil
}
