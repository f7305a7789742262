//go:build unix

package recorder

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func freeBytes(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
