package shmem

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	DefaultStaticSize = 4 << 20
	DefaultHeapSize   = 16 << 20
)

var FlagTransport string
var FlagAddr string
var FlagAllAddrs AddrsFlag
var FlagInitTimeout DurationFlag
var FlagProtocol string
var FlagPassword string
var FlagPE int
var FlagNPEs int
var FlagSegment string
var FlagStaticSize = BytesFlag(DefaultStaticSize)
var FlagHeapSize = BytesFlag(DefaultHeapSize)

type AddrsFlag []string

func (m *AddrsFlag) String() string {
	return strings.Join(*m, ",")
}

func (m *AddrsFlag) Set(value string) error {
	*m = (*m)[:0]
	for _, str := range strings.Split(value, ",") {
		if str = strings.TrimSpace(str); str != "" {
			*m = append(*m, str)
		}
	}
	return nil
}

type DurationFlag time.Duration

func (m *DurationFlag) String() string {
	return time.Duration(*m).String()
}

func (m *DurationFlag) Set(value string) error {
	dur, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*m = DurationFlag(dur)
	return nil
}

// BytesFlag accepts sizes such as "4096", "4MiB" or "16 MB".
type BytesFlag int

func (m *BytesFlag) String() string {
	return humanize.IBytes(uint64(*m))
}

func (m *BytesFlag) Set(value string) error {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return err
	}
	if n == 0 || n > 1<<40 {
		return fmt.Errorf("size %q out of range", value)
	}
	*m = BytesFlag(n)
	return nil
}

func init() {
	flag.StringVar(&FlagTransport, "shmem-transport", "network", "runtime implementation: network or segment")
	flag.StringVar(&FlagAddr, "shmem-addr", "", "address of the local running process")
	flag.Var(&FlagAllAddrs, "shmem-alladdr", "addresses of all of the processes as comma separated values")
	flag.Var(&FlagInitTimeout, "shmem-inittimeout", "duration to wait before timeout in init")
	flag.StringVar(&FlagProtocol, "shmem-protocol", "tcp", "communication protocol to use")
	flag.StringVar(&FlagPassword, "shmem-password", "", "value to use for salting the connection")
	flag.IntVar(&FlagPE, "shmem-pe", -1, "identifier of this pe (segment transport)")
	flag.IntVar(&FlagNPEs, "shmem-npes", 0, "number of pes (segment transport)")
	flag.StringVar(&FlagSegment, "shmem-segment", "", "name of the shared memory segment")
	flag.Var(&FlagStaticSize, "shmem-static", "size of the static symmetric region")
	flag.Var(&FlagHeapSize, "shmem-heap", "size of the symmetric heap")
}
