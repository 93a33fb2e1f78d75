//go:build linux

package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const mapFlags = unix.MAP_SHARED | unix.MAP_NORESERVE

// createBacking allocates an anonymous memfd. The descriptor is created
// close-on-exec; exec.Cmd.ExtraFiles clears the flag on the copy handed to
// workers.
func createBacking(name string, size int64) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create %q: %w", name, err)
	}

	f := os.NewFile(uintptr(fd), name)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate %q to %d bytes: %w", name, size, err)
	}

	return f, nil
}
