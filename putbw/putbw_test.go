package putbw

import (
	"bytes"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"go.uber.org/mock/gomock"

	"github.com/btracey/shmem"
)

// fakeMemory backs Local for a mocked Shmem.
func fakeMemory(sh *MockShmem, size int) []byte {
	mem := make([]byte, size)
	sh.EXPECT().Local(gomock.Any(), gomock.Any()).
		DoAndReturn(func(addr shmem.Addr, n int) ([]byte, error) {
			if int(addr)+n > len(mem) {
				return nil, shmem.ErrBadAddr
			}
			return mem[addr : int(addr)+n], nil
		}).AnyTimes()
	return mem
}

// tickClock advances by one microsecond on every reading.
func tickClock() Clock {
	t := 0.0
	return func() float64 {
		t++
		return t
	}
}

var _ = Describe("Mode", func() {
	It("should parse the exact mode names", func() {
		m, err := ParseMode("heap")
		Expect(err).ToNot(HaveOccurred())
		Expect(m).To(Equal(SymmetricHeap))

		m, err = ParseMode("global")
		Expect(err).ToNot(HaveOccurred())
		Expect(m).To(Equal(GlobalStatic))
		Expect(m.String()).To(Equal("global"))
	})

	It("should reject anything else", func() {
		for _, s := range []string{"", "foo", "hea", "heapx", "GLOBAL"} {
			_, err := ParseMode(s)
			Expect(errors.Cause(err)).To(Equal(ErrUsage), s)
		}
	})

	It("should print the usage text", func() {
		buf := &bytes.Buffer{}
		Usage(buf, "osu_oshm_put_bw")
		Expect(buf.String()).To(Equal("Invalid arguments. Usage: osu_oshm_put_bw <heap|global>\n"))
	})
})

var _ = Describe("Main", func() {
	var (
		mockCtrl *gomock.Controller
		sh       *MockShmem
		stdout   *bytes.Buffer
		stderr   *bytes.Buffer
		opts     Options
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		sh = NewMockShmem(mockCtrl)
		stdout = &bytes.Buffer{}
		stderr = &bytes.Buffer{}
		opts = Options{Prog: "putbw", Stdout: stdout, Stderr: stderr}
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should refuse a single participant before allocating", func() {
		sh.EXPECT().MyPE().Return(0).AnyTimes()
		sh.EXPECT().NumPEs().Return(1).AnyTimes()

		err := Main(sh, []string{"heap"}, opts)

		Expect(errors.Cause(err)).To(Equal(ErrPeerCount))
		Expect(stderr.String()).To(Equal("This test requires exactly two processes\n"))
		Expect(stdout.Len()).To(BeZero())
	})

	It("should refuse three participants even with bad arguments", func() {
		sh.EXPECT().MyPE().Return(0).AnyTimes()
		sh.EXPECT().NumPEs().Return(3).AnyTimes()

		err := Main(sh, []string{"foo"}, opts)

		Expect(errors.Cause(err)).To(Equal(ErrPeerCount))
	})

	It("should print usage for an unknown mode on the coordinator", func() {
		sh.EXPECT().MyPE().Return(0).AnyTimes()
		sh.EXPECT().NumPEs().Return(2).AnyTimes()

		err := Main(sh, []string{"foo"}, opts)

		Expect(errors.Cause(err)).To(Equal(ErrUsage))
		Expect(stderr.String()).To(Equal("Invalid arguments. Usage: putbw <heap|global>\n"))
		Expect(stdout.Len()).To(BeZero())
	})

	It("should stay silent on the peer", func() {
		sh.EXPECT().MyPE().Return(1).AnyTimes()
		sh.EXPECT().NumPEs().Return(2).AnyTimes()

		Expect(Main(sh, nil, opts)).To(HaveOccurred())
		Expect(Main(sh, []string{"heap", "global"}, opts)).To(HaveOccurred())
		Expect(stderr.Len()).To(BeZero())
	})
})

var _ = Describe("Buffers", func() {
	var (
		mockCtrl *gomock.Controller
		sh       *MockShmem
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		sh = NewMockShmem(mockCtrl)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should carve aligned buffers from the static region", func() {
		sh.EXPECT().Static().Return(shmem.Region{Base: 8, Size: 4096})

		bufs, err := NewBuffers(sh, GlobalStatic, 1000)

		Expect(err).ToNot(HaveOccurred())
		Expect(bufs.Send.Addr % Alignment).To(BeZero())
		Expect(bufs.Recv.Addr % Alignment).To(BeZero())
		Expect(bufs.Send.Addr).To(Equal(shmem.Addr(64)))
		Expect(int(bufs.Recv.Addr)).To(BeNumerically(">=", int(bufs.Send.Addr)+1000))
		Expect(int(bufs.Recv.Addr) + 1000).To(BeNumerically("<=", 8+4096))
		Expect(bufs.Send.Origin).To(Equal(GlobalStatic))
		Expect(bufs.Release()).To(Succeed())
	})

	It("should fail when the static region is too small", func() {
		sh.EXPECT().Static().Return(shmem.Region{Base: 0, Size: 2*RawSize(1000) - 1})

		_, err := NewBuffers(sh, GlobalStatic, 1000)

		Expect(errors.Cause(err)).To(Equal(ErrStaticTooSmall))
	})

	It("should allocate aligned buffers from the heap and free them once", func() {
		gomock.InOrder(
			sh.EXPECT().Malloc(RawSize(1000)).Return(shmem.Addr(4100), nil),
			sh.EXPECT().Malloc(RawSize(1000)).Return(shmem.Addr(8200), nil),
		)
		sh.EXPECT().Free(shmem.Addr(4100)).Return(nil)
		sh.EXPECT().Free(shmem.Addr(8200)).Return(nil)

		bufs, err := NewBuffers(sh, SymmetricHeap, 1000)

		Expect(err).ToNot(HaveOccurred())
		Expect(bufs.Send.Addr).To(Equal(shmem.Addr(4160)))
		Expect(bufs.Recv.Addr).To(Equal(shmem.Addr(8256)))
		Expect(bufs.Release()).To(Succeed())
		Expect(bufs.Release()).To(Succeed())
	})

	It("should free the send buffer when the receive buffer fails", func() {
		gomock.InOrder(
			sh.EXPECT().Malloc(gomock.Any()).Return(shmem.Addr(4096), nil),
			sh.EXPECT().Malloc(gomock.Any()).Return(shmem.Addr(0), shmem.ErrNoMemory),
		)
		sh.EXPECT().Free(shmem.Addr(4096)).Return(nil)

		_, err := NewBuffers(sh, SymmetricHeap, 1000)

		Expect(errors.Cause(err)).To(Equal(shmem.ErrNoMemory))
	})

	It("should touch the first size bytes of both buffers", func() {
		mem := fakeMemory(sh, 4096)
		sh.EXPECT().Static().Return(shmem.Region{Base: 0, Size: 4096})
		bufs, err := NewBuffers(sh, GlobalStatic, 100)
		Expect(err).ToNot(HaveOccurred())

		Expect(Touch(sh, bufs, 10)).To(Succeed())

		s, r := int(bufs.Send.Addr), int(bufs.Recv.Addr)
		Expect(string(mem[s : s+11])).To(Equal("aaaaaaaaaa\x00"))
		Expect(string(mem[r : r+11])).To(Equal("bbbbbbbbbb\x00"))
		Expect(Touch(sh, bufs, 101)).To(HaveOccurred())
	})
})

var _ = Describe("Sweep", func() {
	collect := func(s *Sweep) []SizeConfig {
		var cfgs []SizeConfig
		for cfg, ok := s.Next(); ok; cfg, ok = s.Next() {
			cfgs = append(cfgs, cfg)
		}
		return cfgs
	}

	It("should visit powers of two up to the maximum", func() {
		s, err := NewSweep(MaxMsgSize, LargeMessageSize, SmallIterations, LargeIterations)
		Expect(err).ToNot(HaveOccurred())

		cfgs := collect(s)

		Expect(cfgs).To(HaveLen(21))
		for i, cfg := range cfgs {
			Expect(cfg.Size).To(Equal(1 << i))
			if cfg.Size <= LargeMessageSize {
				Expect(cfg.Iterations).To(Equal(Iterations{Skip: 1000, Loop: 10000}))
			} else {
				Expect(cfg.Iterations).To(Equal(Iterations{Skip: 0, Loop: 100}))
			}
		}
		_, ok := s.Next()
		Expect(ok).To(BeFalse())
	})

	It("should stop below a maximum that is not a power of two", func() {
		Expect(Sizes(100)).To(Equal([]int{1, 2, 4, 8, 16, 32, 64}))
		Expect(Sizes(1)).To(Equal([]int{1}))
		Expect(Sizes(0)).To(BeEmpty())
	})

	It("should never return to the small counts", func() {
		s, err := NewSweep(64, 4, Iterations{Skip: 5, Loop: 50}, Iterations{Skip: 1, Loop: 2})
		Expect(err).ToNot(HaveOccurred())

		var loops []int
		for _, cfg := range collect(s) {
			loops = append(loops, cfg.Loop)
		}

		Expect(loops).To(Equal([]int{50, 50, 50, 2, 2, 2, 2}))
	})

	It("should reject bad parameters", func() {
		_, err := NewSweep(0, 4, SmallIterations, LargeIterations)
		Expect(err).To(HaveOccurred())
		_, err = NewSweep(8, 4, Iterations{Skip: -1, Loop: 1}, LargeIterations)
		Expect(err).To(HaveOccurred())
		_, err = NewSweep(8, 4, SmallIterations, Iterations{})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Engine", func() {
	var (
		mockCtrl *gomock.Controller
		sh       *MockShmem
		bufs     *Buffers
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		sh = NewMockShmem(mockCtrl)
		bufs = &Buffers{
			Send: Buffer{Addr: 0, Size: 1024},
			Recv: Buffer{Addr: 1024, Size: 1024},
		}
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should compute the bandwidth in MB/s", func() {
		m := Measurement{Size: 1024, Loop: 100, Start: 500, End: 1500}
		Expect(m.Valid()).To(BeTrue())
		Expect(m.Seconds()).To(BeNumerically("~", 1e-3, 1e-12))
		Expect(m.Megabytes()).To(BeNumerically("~", 0.1024, 1e-12))
		Expect(m.Bandwidth()).To(BeNumerically("~", 102.4, 1e-9))

		Expect(Measurement{Size: 1, Loop: 1, Start: 3, End: 3}.Valid()).To(BeFalse())
		Expect(Measurement{Size: 1, Loop: 1, Start: 3, End: 2}.Valid()).To(BeFalse())
	})

	It("should time only the iterations after the warm-up", func() {
		sh.EXPECT().MyPE().Return(0).AnyTimes()
		puts := 0
		sh.EXPECT().Put(shmem.Addr(1024), shmem.Addr(0), 8, Peer).
			DoAndReturn(func(dst, src shmem.Addr, size, pe int) error {
				puts++
				return nil
			}).Times(7)
		readings := []float64{}
		clock := func() float64 {
			readings = append(readings, float64(puts))
			return float64(puts * 10)
		}

		m, measured, err := NewEngine(sh, clock).Measure(bufs, SizeConfig{Size: 8, Iterations: Iterations{Skip: 3, Loop: 4}})

		Expect(err).ToNot(HaveOccurred())
		Expect(measured).To(BeTrue())
		Expect(readings).To(Equal([]float64{3, 7}))
		Expect(m).To(Equal(Measurement{Size: 8, Loop: 4, Start: 30, End: 70}))
	})

	It("should start the clock immediately without warm-up", func() {
		sh.EXPECT().MyPE().Return(0).AnyTimes()
		sh.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(2)

		m, _, err := NewEngine(sh, tickClock()).Measure(bufs, SizeConfig{Size: 1, Iterations: Iterations{Loop: 2}})

		Expect(err).ToNot(HaveOccurred())
		Expect(m.Start).To(Equal(1.0))
		Expect(m.End).To(Equal(2.0))
	})

	It("should do nothing on the peer", func() {
		sh.EXPECT().MyPE().Return(1).AnyTimes()

		_, measured, err := NewEngine(sh, tickClock()).Measure(bufs, SizeConfig{Size: 8, Iterations: SmallIterations})

		Expect(err).ToNot(HaveOccurred())
		Expect(measured).To(BeFalse())
	})

	It("should report a failed put", func() {
		sh.EXPECT().MyPE().Return(0).AnyTimes()
		sh.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(shmem.ErrClosed)

		_, _, err := NewEngine(sh, tickClock()).Measure(bufs, SizeConfig{Size: 8, Iterations: SmallIterations})

		Expect(errors.Cause(err)).To(Equal(shmem.ErrClosed))
	})
})

var _ = Describe("Table", func() {
	It("should format the header and rows", func() {
		buf := &bytes.Buffer{}
		r := NewTable(buf, true)

		Expect(r.Header()).To(Succeed())
		Expect(r.Row(Measurement{Size: 1024, Loop: 100, Start: 500, End: 1500})).To(Succeed())

		Expect(buf.String()).To(Equal(
			"# OSU OpenSHMEM Put Bandwidth Test v7.4\n" +
				"# Size" + strings.Repeat(" ", 8) + "Bandwidth (MB/s)\n" +
				"1024" + strings.Repeat(" ", 6+14) + "102.40\n"))
	})

	It("should discard everything when disabled", func() {
		buf := &bytes.Buffer{}
		r := NewTable(buf, false)
		Expect(r.Header()).To(Succeed())
		Expect(r.Row(Measurement{Size: 1, Loop: 1, Start: 0, End: 1})).To(Succeed())
		Expect(buf.Len()).To(BeZero())
	})
})

var _ = Describe("Run", func() {
	var (
		mockCtrl *gomock.Controller
		sh       *MockShmem
		stdout   *bytes.Buffer
		stderr   *bytes.Buffer
		opts     Options
		barriers int
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		sh = NewMockShmem(mockCtrl)
		stdout = &bytes.Buffer{}
		stderr = &bytes.Buffer{}
		barriers = 0
		opts = Options{
			MaxSize:   4,
			Threshold: 2,
			Small:     Iterations{Skip: 1, Loop: 2},
			Large:     Iterations{Skip: 0, Loop: 1},
			Clock:     tickClock(),
			Stdout:    stdout,
			Stderr:    stderr,
		}
		sh.EXPECT().NumPEs().Return(2).AnyTimes()
		sh.EXPECT().BarrierAll().DoAndReturn(func() error {
			barriers++
			return nil
		}).AnyTimes()
		fakeMemory(sh, 4096)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should report every size on the coordinator", func() {
		sh.EXPECT().MyPE().Return(0).AnyTimes()
		sh.EXPECT().Static().Return(shmem.Region{Base: 0, Size: 4096})
		sh.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), Peer).Return(nil).Times(3 + 3 + 1)

		Expect(Run(sh, GlobalStatic, opts)).To(Succeed())

		Expect(barriers).To(Equal(2*3 + 2))
		Expect(strings.Split(stdout.String(), "\n")).To(Equal([]string{
			"# OSU OpenSHMEM Put Bandwidth Test v7.4",
			"# Size        Bandwidth (MB/s)",
			"1                         2.00",
			"2                         4.00",
			"4                         4.00",
			"",
		}))
		Expect(stderr.Len()).To(BeZero())
	})

	It("should skip invalid samples and keep going", func() {
		sh.EXPECT().MyPE().Return(0).AnyTimes()
		sh.EXPECT().Static().Return(shmem.Region{Base: 0, Size: 4096})
		sh.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
		opts.Clock = func() float64 { return 42 }

		Expect(Run(sh, GlobalStatic, opts)).To(Succeed())

		Expect(barriers).To(Equal(8))
		Expect(strings.Count(stdout.String(), "\n")).To(Equal(2))
		Expect(strings.Count(stderr.String(), "invalid sample")).To(Equal(3))
	})

	It("should only synchronize on the peer", func() {
		sh.EXPECT().MyPE().Return(1).AnyTimes()
		sh.EXPECT().Malloc(RawSize(4)).Return(shmem.Addr(0), nil)
		sh.EXPECT().Malloc(RawSize(4)).Return(shmem.Addr(128), nil)
		freedAfter := []int{}
		sh.EXPECT().Free(gomock.Any()).DoAndReturn(func(shmem.Addr) error {
			freedAfter = append(freedAfter, barriers)
			return nil
		}).Times(2)

		Expect(Run(sh, SymmetricHeap, opts)).To(Succeed())

		Expect(barriers).To(Equal(8))
		Expect(freedAfter).To(Equal([]int{7, 7}))
		Expect(stdout.Len()).To(BeZero())
		Expect(stderr.Len()).To(BeZero())
	})

	It("should stop on a failed barrier", func() {
		failing := NewMockShmem(mockCtrl)
		failing.EXPECT().NumPEs().Return(2).AnyTimes()
		failing.EXPECT().MyPE().Return(1).AnyTimes()
		failing.EXPECT().Static().Return(shmem.Region{Base: 0, Size: 4096})
		fakeMemory(failing, 4096)
		failing.EXPECT().BarrierAll().Return(shmem.ErrClosed)

		err := Run(failing, GlobalStatic, opts)

		Expect(errors.Cause(err)).To(Equal(shmem.ErrClosed))
	})

	It("should free heap buffers when the run fails", func() {
		failing := NewMockShmem(mockCtrl)
		failing.EXPECT().NumPEs().Return(2).AnyTimes()
		failing.EXPECT().MyPE().Return(1).AnyTimes()
		failing.EXPECT().Malloc(RawSize(4)).Return(shmem.Addr(0), nil)
		failing.EXPECT().Malloc(RawSize(4)).Return(shmem.Addr(128), nil)
		fakeMemory(failing, 4096)
		failing.EXPECT().BarrierAll().Return(shmem.ErrClosed)
		failing.EXPECT().Free(shmem.Addr(0)).Return(nil)
		failing.EXPECT().Free(shmem.Addr(128)).Return(nil)

		err := Run(failing, SymmetricHeap, opts)

		Expect(errors.Cause(err)).To(Equal(shmem.ErrClosed))
	})

	It("should not allocate with the wrong participant count", func() {
		other := NewMockShmem(mockCtrl)
		other.EXPECT().NumPEs().Return(1).AnyTimes()

		Expect(errors.Cause(Run(other, SymmetricHeap, opts))).To(Equal(ErrPeerCount))
	})
})
