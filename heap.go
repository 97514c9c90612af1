package shmem

import (
	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
)

// heapQuantum is the granularity of symmetric heap allocations.
const heapQuantum = 16

type block struct {
	off  Addr
	size int
}

func blockLess(a, b block) bool {
	return a.off < b.off
}

// symHeap is a first-fit allocator over the heap region. It is deterministic:
// the same sequence of calls on every PE yields the same addresses, which is
// what makes the heap symmetric.
type symHeap struct {
	mu     deadlock.Mutex
	region Region
	free   *btree.BTreeG[block] // free blocks ordered by offset
	used   map[Addr]int
}

func newSymHeap(region Region) *symHeap {
	h := &symHeap{
		region: region,
		free:   btree.NewG(8, blockLess),
		used:   make(map[Addr]int),
	}
	if region.Size > 0 {
		h.free.ReplaceOrInsert(block{off: region.Base, size: region.Size})
	}
	return h
}

func (h *symHeap) alloc(size int) (Addr, error) {
	if size <= 0 {
		return 0, errors.Errorf("shmem: bad allocation size %d", size)
	}
	n := (size + heapQuantum - 1) / heapQuantum * heapQuantum

	h.mu.Lock()
	defer h.mu.Unlock()

	var fit block
	found := false
	h.free.Ascend(func(b block) bool {
		if b.size >= n {
			fit = b
			found = true
			return false
		}
		return true
	})
	if !found {
		return 0, errors.Wrapf(ErrNoMemory, "alloc %d bytes", size)
	}
	h.free.Delete(fit)
	if fit.size > n {
		h.free.ReplaceOrInsert(block{off: fit.off + Addr(n), size: fit.size - n})
	}
	h.used[fit.off] = n
	return fit.off, nil
}

func (h *symHeap) release(addr Addr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.used[addr]
	if !ok {
		return errors.Wrapf(ErrBadAddr, "free of unallocated %#x", uintptr(addr))
	}
	delete(h.used, addr)

	b := block{off: addr, size: n}
	if next, ok := h.free.Get(block{off: addr + Addr(n)}); ok {
		h.free.Delete(next)
		b.size += next.size
	}
	var prev block
	hasPrev := false
	h.free.DescendLessOrEqual(block{off: addr}, func(p block) bool {
		prev = p
		hasPrev = true
		return false
	})
	if hasPrev && prev.off+Addr(prev.size) == addr {
		h.free.Delete(prev)
		b = block{off: prev.off, size: prev.size + b.size}
	}
	h.free.ReplaceOrInsert(b)
	return nil
}

// available returns the number of free bytes.
func (h *symHeap) available() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	total := 0
	h.free.Ascend(func(b block) bool {
		total += b.size
		return true
	})
	return total
}
