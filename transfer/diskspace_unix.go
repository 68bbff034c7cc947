//go:build linux || darwin || freebsd

package transfer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// availableBytes returns the free space usable by an unprivileged writer in dir.
func availableBytes(dir string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return -1, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return int64(uint64(stat.Bavail) * uint64(stat.Bsize)), nil
}
