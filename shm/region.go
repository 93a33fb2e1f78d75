// Package shm provides file-backed shared memory regions that survive
// re-execution of the current binary.
//
// A Region is created by the supervisor before any worker is spawned and
// handed to workers as an inherited file descriptor. Each process maps the
// same backing object, so writes are visible across the process boundary;
// the mapped base address differs per process, which is why callers must
// index into the region with offsets rather than pointers.
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Region is a shared read/write mapping over an anonymous backing object.
// On linux the backing object is a memfd that is never linked into the
// filesystem; on other unixes it is a temporary file unlinked right after
// creation. Either way it lives exactly as long as the processes holding it
// open.
type Region struct {
	name string
	file *os.File
	data []byte
}

// Create allocates a new backing object of the given size and maps it.
// Supervisor side only.
func Create(name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid region size %d", size)
	}

	f, err := createBacking(name, int64(size))
	if err != nil {
		return nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, mapFlags)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	return &Region{name: name, file: f, data: data}, nil
}

// Attach maps an inherited backing object. Worker side: the file is
// typically os.NewFile over a descriptor passed down by the supervisor.
// The region size is recovered from the backing object itself.
func Attach(name string, f *os.File) (*Region, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat shared region: %w", err)
	}

	size := int(fi.Size())
	if size <= 0 {
		return nil, fmt.Errorf("shared region %q has invalid size %d", name, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, mapFlags)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	return &Region{name: name, file: f, data: data}, nil
}

func (r *Region) Name() string { return r.name }

// Bytes returns the mapped memory. The slice stays valid until Close.
func (r *Region) Bytes() []byte { return r.data }

func (r *Region) Size() int { return len(r.data) }

// File returns the backing file, suitable for exec.Cmd.ExtraFiles.
func (r *Region) File() *os.File { return r.file }

// Close unmaps the region and closes the backing object. Closing an
// already-closed region is a no-op.
func (r *Region) Close() error {
	var err error

	if r.data != nil {
		err = unix.Munmap(r.data)
		r.data = nil
	}

	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
		r.file = nil
	}

	return err
}
