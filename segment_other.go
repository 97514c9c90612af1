//go:build !unix

package shmem

import (
	"os"

	"github.com/pkg/errors"
)

var errSegmentUnsupported = errors.New("shmem: shared segments not supported on this platform")

func mapFile(file *os.File, size int) ([]byte, error) {
	return nil, errSegmentUnsupported
}

func unmapFile(mem []byte) error {
	return errSegmentUnsupported
}
