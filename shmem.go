// Package shmem implements an OpenSHMEM-like interface for go. This package
// seeks to enable one-sided communication over symmetric memory using only
// native go code. While it presents a familiar interface to users of
// OpenSHMEM, it does not follow the OpenSHMEM standard exactly. In cases where
// package documentation disagrees with the standard, the package documentation
// should be considered correct.
//
// A single program is executed by every processing element (PE). Each PE owns
// a symmetric address space laid out identically on every PE: a static region
// of fixed size, the equivalent of symmetric global variables, followed by a
// symmetric heap managed by Malloc and Free. Addresses into this space are
// expressed as Addr values, which are meaningful on every PE. Put writes bytes
// from the local symmetric space directly into the symmetric space of another
// PE without any participation from the target.
//
// Put is one-sided and gives no completion signal. The only ordering and
// visibility guarantee between PEs is BarrierAll: once BarrierAll has returned
// on every PE, all puts issued before it are visible at their targets.
//
// A program must begin with a call to Init() and should end with a call to
// Finalize(). Init determines the number of PEs and assigns each PE a unique
// integer identifier 0 <= MyPE() < NumPEs().
//
// This package provides two implementations of Shmem. Network connects the PEs
// with TCP connections and may span machines. Segment maps a shared memory
// file and is restricted to PEs on a single machine. By default, Network is
// used. NewFromFlags selects an implementation from the package flags:
//		-shmem-transport : "network" or "segment"
//		-shmem-addr : address of the local running process (tcp)
//		-shmem-alladdr: comma separated list of all of the addresses (tcp)
//		-shmem-inittimeout: time.Duration for how long init can take
//		-shmem-password: password to use at initialization (tcp)
//		-shmem-pe, -shmem-npes: identity of this PE (segment)
//		-shmem-segment: name of the shared segment (segment)
//		-shmem-static, -shmem-heap: sizes of the symmetric regions, e.g. "4MiB"
// flag.Parse() must be called in order to use these flags.
package shmem

import (
	"github.com/pkg/errors"
)

var impl Shmem = &Network{}

// Register sets a Shmem implementation to be used by the package level
// functions. Register should normally be called during program
// initialization and not again.
func Register(s Shmem) {
	impl = s
}

// Registered returns the implementation used by the package level functions.
func Registered() Shmem {
	return impl
}

// Init initializes the communication runtime. Init must be called before any
// other functions are called, and should only be called once during program
// execution.
func Init() error {
	return impl.Init()
}

// Finalize releases the runtime. After a call to Finalize no more calls may
// be made, though programs are free to continue execution.
func Finalize() error {
	return impl.Finalize()
}

// MyPE returns the identifier of the local PE. As a special case, MyPE returns
// -1 if Init has not been called.
func MyPE() int {
	return impl.MyPE()
}

// NumPEs returns the total number of PEs, or 0 if Init has not been called.
func NumPEs() int {
	return impl.NumPEs()
}

// BarrierAll blocks until every PE has called BarrierAll. When it returns, all
// puts issued by any PE before its call are visible at their targets.
func BarrierAll() error {
	return impl.BarrierAll()
}

// Put copies size bytes starting at src in the local symmetric space to dst in
// the symmetric space of pe. Put may return before the data has arrived.
func Put(dst, src Addr, size, pe int) error {
	return impl.Put(dst, src, size, pe)
}

// Malloc allocates size bytes from the symmetric heap. Every PE must make the
// same sequence of Malloc and Free calls so the returned addresses agree.
func Malloc(size int) (Addr, error) {
	return impl.Malloc(size)
}

// Free releases memory obtained from Malloc.
func Free(addr Addr) error {
	return impl.Free(addr)
}

// Static returns the static symmetric region.
func Static() Region {
	return impl.Static()
}

// Local returns the local bytes [addr, addr+size) of the symmetric space.
func Local(addr Addr, size int) ([]byte, error) {
	return impl.Local(addr, size)
}

// Shmem is a set of routines for one-sided communication over symmetric
// memory. See the function descriptions for documentation.
type Shmem interface {
	Init() error
	Finalize() error
	MyPE() int
	NumPEs() int
	BarrierAll() error
	Put(dst, src Addr, size, pe int) error
	Malloc(size int) (Addr, error)
	Free(addr Addr) error
	Static() Region
	Local(addr Addr, size int) ([]byte, error)
}

var (
	ErrNotInitialized = errors.New("shmem: not initialized")
	ErrNoMemory       = errors.New("shmem: symmetric heap exhausted")
	ErrBadAddr        = errors.New("shmem: address outside symmetric space")
	ErrBadPE          = errors.New("shmem: no such pe")
	ErrClosed         = errors.New("shmem: finalized")
	ErrPeerGone       = errors.New("shmem: peer finalized")
)
