package shmem

import (
	"fmt"

	"github.com/pkg/errors"
)

// Addr is an offset into the symmetric address space. The same Addr names the
// corresponding bytes on every PE.
type Addr uintptr

// Region is a span of the symmetric address space.
type Region struct {
	Base Addr
	Size int
}

// End returns the first address past the region.
func (r Region) End() Addr {
	return r.Base + Addr(r.Size)
}

// Contains reports whether [addr, addr+size) lies inside the region.
func (r Region) Contains(addr Addr, size int) bool {
	if size < 0 {
		return false
	}
	return addr >= r.Base && uint64(addr)+uint64(size) <= uint64(r.End())
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x)", uintptr(r.Base), uintptr(r.End()))
}

// AlignUp rounds addr up to the next multiple of align, which must be positive.
func AlignUp(addr Addr, align int) Addr {
	a := Addr(align)
	return (addr + a - 1) / a * a
}

// layout describes the symmetric space shared by all implementations: the
// static region followed by the heap.
type layout struct {
	staticSize int
	heapSize   int
}

func (l layout) total() int {
	return l.staticSize + l.heapSize
}

func (l layout) static() Region {
	return Region{Base: 0, Size: l.staticSize}
}

func (l layout) heap() Region {
	return Region{Base: Addr(l.staticSize), Size: l.heapSize}
}

func (l layout) all() Region {
	return Region{Base: 0, Size: l.total()}
}

// view returns mem[addr:addr+size] after checking bounds.
func view(mem []byte, addr Addr, size int) ([]byte, error) {
	r := Region{Base: 0, Size: len(mem)}
	if !r.Contains(addr, size) {
		return nil, errors.Wrapf(ErrBadAddr, "%#x+%d not in %v", uintptr(addr), size, r)
	}
	return mem[addr : int(addr)+size], nil
}
