package shmem

import (
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	db "github.com/btracey/shmem/internal/debug"
)

// Segment implements Shmem for PEs on a single machine. All PEs map the same
// file, which holds a header followed by the symmetric space of every PE, so
// a put is a plain copy into the target's mapped space and needs nothing from
// the target. BarrierAll is a counter barrier on the shared header.
//
// PE 0 creates and initializes the file; the other PEs wait for it to appear.
// Segment uses the package flags for any field left at its zero value.
type Segment struct {
	Name       string        // Segment name, shared by all PEs of a run
	PE         int           // Identifier of this PE; -shmem-pe is used when PE is 0
	NPEs       int           // Number of PEs
	Timeout    time.Duration // If set, Init fails if the segment is not ready in time
	StaticSize int
	HeapSize   int

	path   string
	file   *os.File
	mem    []byte // whole mapping
	local  []byte // symmetric space of this PE
	layout layout
	stride int
	heap   *symHeap
	npes   int
	closed atomic.Bool
}

const (
	segmentMagic     = "SHMEMSEG"
	segmentVersion   = uint32(1)
	segmentHdrSize   = 128
	segmentPageSize  = 4096
	segmentMaxPEs    = 16
	segmentFilePerm  = 0600
	segmentPrefix    = "shmem_"
	barrierSpinLimit = 1000

	// header field offsets
	hdrVersion = 8
	hdrNPEs    = 12
	hdrStatic  = 16
	hdrHeap    = 24
	hdrReady   = 32
	hdrCount   = 40
	hdrEpoch   = 44
	hdrAttach  = 48 // segmentMaxPEs uint32 attach states

	// attach states
	peAbsent   = 0
	peAttached = 1
	peLeft     = 2
)

// SegmentPath returns the file backing the named segment, preferring /dev/shm.
func SegmentPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", segmentPrefix+name)
	}
	return filepath.Join(os.TempDir(), segmentPrefix+name)
}

func (s *Segment) MyPE() int {
	if s.npes == 0 {
		return -1
	}
	return s.PE
}

func (s *Segment) NumPEs() int {
	return s.npes
}

func (s *Segment) Static() Region {
	return s.layout.static()
}

func (s *Segment) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mem[off]))
}

func (s *Segment) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.mem[off]))
}

func (s *Segment) arena(pe int) []byte {
	off := segmentPageSize + pe*s.stride
	return s.mem[off : off+s.layout.total() : off+s.layout.total()]
}

// Init implements the Shmem init function
func (s *Segment) Init() error {
	if s.Name == "" {
		s.Name = FlagSegment
	}
	if s.PE == 0 && FlagPE >= 0 {
		s.PE = FlagPE
	}
	if s.NPEs == 0 {
		s.NPEs = FlagNPEs
	}
	if s.Timeout == 0 {
		s.Timeout = time.Duration(FlagInitTimeout)
	}
	if s.StaticSize == 0 {
		s.StaticSize = int(FlagStaticSize)
	}
	if s.HeapSize == 0 {
		s.HeapSize = int(FlagHeapSize)
	}
	if s.Name == "" {
		return errors.New("shmem init: no segment name (set -shmem-segment)")
	}
	if s.NPEs < 1 || s.NPEs > segmentMaxPEs {
		return errors.Errorf("shmem init: bad number of pes %d", s.NPEs)
	}
	if s.PE < 0 || s.PE >= s.NPEs {
		return errors.Errorf("shmem init: bad pe %d of %d", s.PE, s.NPEs)
	}

	s.layout = layout{staticSize: s.StaticSize, heapSize: s.HeapSize}
	s.stride = int(AlignUp(Addr(s.layout.total()), segmentPageSize))
	total := segmentPageSize + s.NPEs*s.stride
	s.path = SegmentPath(s.Name)

	var err error
	if s.PE == 0 {
		err = s.create(total)
	} else {
		err = s.attach(total)
	}
	if err != nil {
		return err
	}

	atomic.StoreUint32(s.u32(hdrAttach+4*s.PE), peAttached)
	s.local = s.arena(s.PE)
	s.heap = newSymHeap(s.layout.heap())
	s.npes = s.NPEs
	db.DPrintf(db.SEGMENT, "init pe %d of %d path %v size %d", s.PE, s.NPEs, s.path, total)
	return nil
}

func (s *Segment) create(total int) error {
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, segmentFilePerm)
	if err != nil {
		return errors.Wrapf(err, "create segment %s", s.path)
	}
	cleanup := func() {
		file.Close()
		os.Remove(s.path)
	}
	if err := file.Truncate(int64(total)); err != nil {
		cleanup()
		return errors.Wrap(err, "resize segment")
	}
	mem, err := mapFile(file, total)
	if err != nil {
		cleanup()
		return err
	}
	s.file = file
	s.mem = mem

	copy(s.mem[0:8], segmentMagic)
	atomic.StoreUint32(s.u32(hdrVersion), segmentVersion)
	atomic.StoreUint32(s.u32(hdrNPEs), uint32(s.NPEs))
	atomic.StoreUint64(s.u64(hdrStatic), uint64(s.StaticSize))
	atomic.StoreUint64(s.u64(hdrHeap), uint64(s.HeapSize))
	atomic.StoreUint32(s.u32(hdrReady), 1)
	return nil
}

// attach waits for PE 0 to publish the segment and maps it.
func (s *Segment) attach(total int) error {
	b := &backoff.Backoff{Min: time.Millisecond, Max: 100 * time.Millisecond, Factor: 2}
	start := time.Now()
	for {
		err := s.tryAttach(total)
		if err == nil {
			return nil
		}
		if perm, ok := err.(*permanentError); ok {
			return errors.Wrapf(perm.error, "segment %s", s.path)
		}
		if s.Timeout > 0 && time.Since(start) > s.Timeout {
			return errors.Wrapf(err, "segment %s not ready after %v", s.path, s.Timeout)
		}
		time.Sleep(b.Duration())
	}
}

func (s *Segment) tryAttach(total int) error {
	file, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	if info.Size() < int64(total) {
		file.Close()
		return errors.Errorf("segment is %d bytes, want %d", info.Size(), total)
	}
	mem, err := mapFile(file, total)
	if err != nil {
		file.Close()
		return err
	}
	s.file = file
	s.mem = mem
	if atomic.LoadUint32(s.u32(hdrReady)) == 1 {
		if err := s.validate(); err != nil {
			// A mismatched segment will not become valid by waiting.
			s.release()
			return &permanentError{err}
		}
		return nil
	}
	s.release()
	return errors.New("segment not ready")
}

type permanentError struct{ error }

func (s *Segment) validate() error {
	if string(s.mem[0:8]) != segmentMagic {
		return errors.New("bad segment magic")
	}
	if v := atomic.LoadUint32(s.u32(hdrVersion)); v != segmentVersion {
		return errors.Errorf("segment version %d, want %d", v, segmentVersion)
	}
	if n := atomic.LoadUint32(s.u32(hdrNPEs)); int(n) != s.NPEs {
		return errors.Errorf("segment has %d pes, want %d", n, s.NPEs)
	}
	if atomic.LoadUint64(s.u64(hdrStatic)) != uint64(s.StaticSize) || atomic.LoadUint64(s.u64(hdrHeap)) != uint64(s.HeapSize) {
		return errors.New("segment symmetric sizes differ")
	}
	return nil
}

func (s *Segment) release() error {
	var err error
	if s.mem != nil {
		err = unmapFile(s.mem)
		s.mem = nil
	}
	if s.file != nil {
		if e := s.file.Close(); err == nil {
			err = e
		}
		s.file = nil
	}
	return err
}

func (s *Segment) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.npes == 0 {
		return ErrNotInitialized
	}
	return nil
}

// Put implements the Shmem function. The copy lands directly in the target's
// space; visibility to the target is guaranteed by the next BarrierAll.
func (s *Segment) Put(dst, src Addr, size, pe int) error {
	if err := s.check(); err != nil {
		return err
	}
	if pe < 0 || pe >= s.npes {
		return errors.Wrapf(ErrBadPE, "put to %d of %d", pe, s.npes)
	}
	if size == 0 {
		return nil
	}
	from, err := view(s.local, src, size)
	if err != nil {
		return errors.Wrap(err, "put source")
	}
	to, err := view(s.arena(pe), dst, size)
	if err != nil {
		return errors.Wrap(err, "put target")
	}
	copy(to, from)
	return nil
}

// BarrierAll implements the Shmem function. It fails with ErrPeerGone if a
// PE finalizes while others still wait for it; a PE that dies without
// finalizing still blocks its peers.
func (s *Segment) BarrierAll() error {
	if err := s.check(); err != nil {
		return err
	}
	count := s.u32(hdrCount)
	epoch := s.u32(hdrEpoch)

	gen := atomic.LoadUint32(epoch)
	if atomic.AddUint32(count, 1) == uint32(s.npes) {
		atomic.StoreUint32(count, 0)
		atomic.AddUint32(epoch, 1)
		return nil
	}
	b := &backoff.Backoff{Min: 20 * time.Microsecond, Max: time.Millisecond, Factor: 2}
	for i := 0; atomic.LoadUint32(epoch) == gen; i++ {
		if s.closed.Load() {
			return ErrClosed
		}
		if pe := s.departed(); pe >= 0 {
			// The last arrival bumps the epoch before it can leave.
			if atomic.LoadUint32(epoch) != gen {
				return nil
			}
			return errors.Wrapf(ErrPeerGone, "pe %d left during barrier %d", pe, gen)
		}
		if i < barrierSpinLimit {
			runtime.Gosched()
		} else {
			time.Sleep(b.Duration())
		}
	}
	return nil
}

// departed returns a PE that has finalized, or -1.
func (s *Segment) departed() int {
	for pe := 0; pe < s.npes; pe++ {
		if atomic.LoadUint32(s.u32(hdrAttach+4*pe)) == peLeft {
			return pe
		}
	}
	return -1
}

// Malloc implements the Shmem function
func (s *Segment) Malloc(size int) (Addr, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	a, err := s.heap.alloc(size)
	db.DPrintf(db.HEAP, "malloc %d -> %#x err %v", size, uintptr(a), err)
	return a, err
}

// Free implements the Shmem function
func (s *Segment) Free(addr Addr) error {
	if err := s.check(); err != nil {
		return err
	}
	db.DPrintf(db.HEAP, "free %#x", uintptr(addr))
	return s.heap.release(addr)
}

// Local implements the Shmem function
func (s *Segment) Local(addr Addr, size int) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return view(s.local, addr, size)
}

// Finalize implements the Shmem function. PE 0 removes the backing file;
// PEs that still have it mapped are unaffected.
func (s *Segment) Finalize() error {
	if s.closed.Swap(true) || s.mem == nil {
		return nil
	}
	atomic.StoreUint32(s.u32(hdrAttach+4*s.PE), peLeft)
	s.local = nil
	err := s.release()
	if s.PE == 0 {
		if e := os.Remove(s.path); e != nil && !os.IsNotExist(e) && err == nil {
			err = e
		}
	}
	return errors.Wrapf(err, "finalize segment %s", s.path)
}
