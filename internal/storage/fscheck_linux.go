//go:build linux

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	cifsSuperMagic   = 0xFF534D42
	smb2SuperMagic   = 0xFE534D42
	lustreSuperMagic = 0x0BD00BD0
	gpfsSuperMagic   = 0x47504653
)

func detectFilesystemType(path string) (string, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}

	switch uint64(stat.Type) {
	case unix.NFS_SUPER_MAGIC:
		return "nfs", nil
	case cifsSuperMagic:
		return "cifs", nil
	case unix.SMB_SUPER_MAGIC:
		return "smbfs", nil
	case smb2SuperMagic:
		return "smb2", nil
	case lustreSuperMagic:
		return "lustre", nil
	case gpfsSuperMagic:
		return "gpfs", nil
	default:
		return fmt.Sprintf("0x%x", uint64(stat.Type)), nil
	}
}
