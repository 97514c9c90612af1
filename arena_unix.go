//go:build unix

package shmem

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// newArena maps size bytes of private anonymous memory. The mapping is page
// aligned, so aligned offsets are aligned addresses.
func newArena(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Errorf("shmem: bad arena size %d", size)
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap arena of %d bytes", size)
	}
	return mem, nil
}

func freeArena(mem []byte) error {
	if mem == nil {
		return nil
	}
	return errors.Wrap(unix.Munmap(mem), "munmap arena")
}
