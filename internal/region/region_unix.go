//go:build linux || darwin || freebsd

package region

import (
	"errors"

	"golang.org/x/sys/unix"
)

// mapAnon maps size bytes of private anonymous memory.
func mapAnon(size int) ([]byte, bool, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// decommit drops the physical pages behind b.
func decommit(b []byte, mapped bool) error {
	if !mapped {
		clear(b)
		return nil
	}
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

func unmap(b []byte, mapped bool) error {
	if !mapped {
		return nil
	}
	err := unix.Munmap(b)
	if errors.Is(err, unix.EINVAL) {
		// Treat double-unmap as no-op for callers.
		return nil
	}
	return err
}
