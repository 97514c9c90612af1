package putbw

import (
	"github.com/pkg/errors"

	"github.com/btracey/shmem"
)

// Iterations are the untimed warm-up (Skip) and timed (Loop) put counts.
type Iterations struct {
	Skip int
	Loop int
}

func (it Iterations) validate() error {
	if it.Skip < 0 || it.Loop <= 0 {
		return errors.Errorf("bad iterations skip %d loop %d", it.Skip, it.Loop)
	}
	return nil
}

// SizeConfig is the message size under test and its iteration counts.
type SizeConfig struct {
	Size int
	Iterations
}

// Sweep yields the sizes 1, 2, 4, ... up to and including max. While the size
// is at most the threshold the small iteration counts apply. The first size
// above the threshold overwrites them with the large counts for the rest of
// the sweep; they are never restored.
type Sweep struct {
	max       int
	threshold int
	large     Iterations
	cur       Iterations
	size      int
}

func NewSweep(max, threshold int, small, large Iterations) (*Sweep, error) {
	if max < 1 {
		return nil, errors.Errorf("bad maximum message size %d", max)
	}
	if err := small.validate(); err != nil {
		return nil, err
	}
	if err := large.validate(); err != nil {
		return nil, err
	}
	return &Sweep{max: max, threshold: threshold, large: large, cur: small}, nil
}

// Next returns the next size and its iteration counts, or false when the
// sweep is done.
func (s *Sweep) Next() (SizeConfig, bool) {
	if s.size == 0 {
		s.size = 1
	} else if s.size > s.max/2 {
		s.size = s.max + 1
	} else {
		s.size *= 2
	}
	if s.size > s.max {
		return SizeConfig{}, false
	}
	if s.size > s.threshold {
		s.cur = s.large
	}
	return SizeConfig{Size: s.size, Iterations: s.cur}, true
}

// Sizes returns every size a sweep up to max visits.
func Sizes(max int) []int {
	var sizes []int
	for size := 1; size <= max; size *= 2 {
		sizes = append(sizes, size)
		if size > max/2 {
			break
		}
	}
	return sizes
}

// Touch writes the first size bytes of the send buffer with 'a' and of the
// receive buffer with 'b', so both are resident before timing starts.
func Touch(sh shmem.Shmem, bufs *Buffers, size int) error {
	if size > bufs.Send.Size || size > bufs.Recv.Size {
		return errors.Errorf("size %d exceeds buffer capacity %d", size, bufs.Send.Size)
	}
	s, err := sh.Local(bufs.Send.Addr, size)
	if err != nil {
		return errors.Wrap(err, "touch send buffer")
	}
	r, err := sh.Local(bufs.Recv.Addr, size)
	if err != nil {
		return errors.Wrap(err, "touch receive buffer")
	}
	for i := range s {
		s[i] = 'a'
	}
	for i := range r {
		r[i] = 'b'
	}
	return nil
}
