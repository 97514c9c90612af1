//go:build !unix

package shmem

import (
	"unsafe"

	"github.com/pkg/errors"
)

const arenaAlign = 4096

func newArena(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Errorf("shmem: bad arena size %d", size)
	}
	raw := make([]byte, size+arenaAlign-1)
	off := int(AlignUp(Addr(uintptr(unsafe.Pointer(&raw[0]))), arenaAlign) - Addr(uintptr(unsafe.Pointer(&raw[0]))))
	return raw[off : off+size : off+size], nil
}

func freeArena(mem []byte) error {
	return nil
}
