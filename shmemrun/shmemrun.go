// Package shmemrun starts the PEs of a shmem program, either as local
// processes or through srun inside a slurm allocation.
package shmemrun

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"

	db "github.com/btracey/shmem/internal/debug"
)

const (
	DefaultBasePort = 5000

	TransportNetwork = "network"
	TransportSegment = "segment"
)

// Job describes one run of a program on NPEs PEs.
type Job struct {
	Exec      string
	Args      []string // program arguments, passed after the shmem flags
	NPEs      int
	Transport string   // TransportNetwork if empty
	Hosts     []string // network: host of every PE; local ports if empty
	BasePort  int      // network: DefaultBasePort if zero
	Segment   string   // segment: a fresh name if empty
}

func (j *Job) validate() error {
	if j.Exec == "" {
		return errors.New("no program")
	}
	if j.NPEs < 1 {
		return errors.Errorf("number of pes must be positive, have %d", j.NPEs)
	}
	if len(j.Hosts) != 0 && len(j.Hosts) != j.NPEs {
		return errors.Errorf("%d hosts for %d pes", len(j.Hosts), j.NPEs)
	}
	return nil
}

// PEArgs returns the full argument list of every PE.
func (j *Job) PEArgs() ([][]string, error) {
	if err := j.validate(); err != nil {
		return nil, err
	}
	var flags [][]string
	switch j.Transport {
	case "", TransportNetwork:
		flags = j.networkFlags()
	case TransportSegment:
		if len(j.Hosts) != 0 {
			return nil, errors.New("segment transport runs on a single machine")
		}
		flags = j.segmentFlags()
	default:
		return nil, errors.Errorf("unknown transport %q", j.Transport)
	}
	for i := range flags {
		flags[i] = append(flags[i], j.Args...)
	}
	return flags, nil
}

func (j *Job) networkFlags() [][]string {
	port := j.BasePort
	if port == 0 {
		port = DefaultBasePort
	}
	addrs := make([]string, j.NPEs)
	for i := range addrs {
		host := ""
		if len(j.Hosts) != 0 {
			host = j.Hosts[i]
		}
		addrs[i] = host + ":" + strconv.Itoa(port+i)
	}
	all := strings.Join(addrs, ",")
	flags := make([][]string, j.NPEs)
	for i := range flags {
		flags[i] = []string{"--shmem-transport", TransportNetwork, "--shmem-addr", addrs[i], "--shmem-alladdr", all}
	}
	return flags
}

func (j *Job) segmentFlags() [][]string {
	name := j.Segment
	if name == "" {
		name = "run_" + xid.New().String()
	}
	n := strconv.Itoa(j.NPEs)
	flags := make([][]string, j.NPEs)
	for i := range flags {
		flags[i] = []string{"--shmem-transport", TransportSegment, "--shmem-segment", name,
			"--shmem-pe", strconv.Itoa(i), "--shmem-npes", n}
	}
	return flags
}

// Commands returns one local process per PE.
func (j *Job) Commands() ([]*exec.Cmd, error) {
	args, err := j.PEArgs()
	if err != nil {
		return nil, err
	}
	cmds := make([]*exec.Cmd, len(args))
	for i, a := range args {
		cmds[i] = exec.Command(j.Exec, a...)
	}
	return cmds, nil
}

// SlurmCommands returns one srun step per PE, each pinned to its host with
// cores cores. The job's Hosts must be set.
func (j *Job) SlurmCommands(cores int) ([]*exec.Cmd, error) {
	if cores < 1 {
		return nil, errors.Errorf("number of cores must be positive, have %d", cores)
	}
	if len(j.Hosts) == 0 {
		return nil, errors.New("no hosts in the allocation")
	}
	args, err := j.PEArgs()
	if err != nil {
		return nil, err
	}
	cmds := make([]*exec.Cmd, len(args))
	for i, a := range args {
		srun := []string{"-N", "1", "-n", "1", "-c", strconv.Itoa(cores), "--nodelist", j.Hosts[i], j.Exec}
		cmds[i] = exec.Command("srun", append(srun, a...)...)
	}
	return cmds, nil
}

// waitDelay bounds how long Wait keeps copying output after a PE exits.
const waitDelay = 2 * time.Second

// Run starts every command with the standard streams of this process, waits
// for all of them and returns the first failure.
func Run(cmds []*exec.Cmd) error {
	return RunContext(context.Background(), cmds)
}

// RunContext is Run, except that every PE still running is killed once ctx is
// done, in which case the context error is returned. If a PE cannot be
// started, the PEs already started are killed as well.
func RunContext(ctx context.Context, cmds []*exec.Cmd) error {
	errs := make([]error, len(cmds))
	var startErr error
	wg := &sync.WaitGroup{}
	kill := func() {
		for _, cmd := range cmds {
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
		}
	}
	for i, cmd := range cmds {
		if cmd.Stdout == nil {
			cmd.Stdout = os.Stdout
		}
		if cmd.Stderr == nil {
			cmd.Stderr = os.Stderr
		}
		if cmd.WaitDelay == 0 {
			cmd.WaitDelay = waitDelay
		}
		db.DPrintf(db.LAUNCH, "pe %d: %v", i, cmd.Args)
		if err := cmd.Start(); err != nil {
			startErr = errors.Wrapf(err, "start pe %d", i)
			kill()
			break
		}
		wg.Add(1)
		go func(i int, cmd *exec.Cmd) {
			defer wg.Done()
			if err := cmd.Wait(); err != nil {
				errs[i] = errors.Wrapf(err, "pe %d", i)
			}
		}(i, cmd)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		kill()
		<-finished
		return errors.Wrap(ctx.Err(), "run stopped")
	}
	if startErr != nil {
		return startErr
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
