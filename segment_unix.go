//go:build unix

package shmem

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func mapFile(file *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", file.Name())
	}
	return mem, nil
}

func unmapFile(mem []byte) error {
	return errors.Wrap(unix.Munmap(mem), "munmap segment")
}
