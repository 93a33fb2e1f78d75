//go:build unix && !linux

package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const mapFlags = unix.MAP_SHARED

// createBacking allocates an unlinked temporary file. The name is gone from
// the filesystem before any worker is spawned; the object lives as long as
// a descriptor to it stays open.
func createBacking(name string, size int64) (*os.File, error) {
	f, err := os.CreateTemp("", name+"-*")
	if err != nil {
		return nil, fmt.Errorf("create backing file for %q: %w", name, err)
	}

	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, fmt.Errorf("unlink backing file for %q: %w", name, err)
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate %q to %d bytes: %w", name, size, err)
	}

	return f, nil
}
