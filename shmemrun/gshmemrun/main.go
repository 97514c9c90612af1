/*
gshmemrun launches the PEs of a shmem program on the local machine.

The first argument is the number of PEs and the second the program to run. Any
additional arguments are passed to the program after the --shmem-* flags that
tell each process who it is.

	go install github.com/btracey/shmem/shmemrun/gshmemrun
	gshmemrun 2 putbw heap
	gshmemrun --transport segment 2 putbw global

With --output-dir the output of the run is also saved there, together with
the processor power sampled from RAPL every --power-interval while the PEs
run. --duration stops the PEs after the given time.

	gshmemrun --output-dir results --duration 10m 2 putbw heap
*/
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/btracey/shmem/shmemrun"
)

var (
	transport string
	basePort  int
	segment   string

	outputDir     string
	duration      time.Duration
	powerInterval time.Duration
	domain        string
)

var rootCmd = &cobra.Command{
	Use:   "gshmemrun [flags] npes program [args...]",
	Short: "Launch the PEs of a shmem program on this machine.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		npes, err := strconv.Atoi(args[0])
		if err != nil {
			return errors.Wrap(err, "parse number of pes")
		}
		job := &shmemrun.Job{
			Exec:      args[1],
			Args:      args[2:],
			NPEs:      npes,
			Transport: transport,
			BasePort:  basePort,
			Segment:   segment,
		}
		cmds, err := job.Commands()
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true
		h := &shmemrun.Harness{
			OutputDir:     outputDir,
			Duration:      duration,
			PowerInterval: powerInterval,
			Domain:        domain,
		}
		res, err := h.Run(cmd.Context(), job.Exec, cmds)
		if res.TimedOut {
			fmt.Fprintf(os.Stderr, "stopped after %v\n", duration)
		}
		for _, f := range []string{res.Output, res.PowerData} {
			if f != "" {
				fmt.Fprintf(os.Stderr, "saved %s\n", f)
			}
		}
		return err
	},
}

func init() {
	rootCmd.Flags().SetInterspersed(false)
	rootCmd.Flags().StringVar(&transport, "transport", shmemrun.TransportNetwork, "network or segment")
	rootCmd.Flags().IntVar(&basePort, "base-port", shmemrun.DefaultBasePort, "port of pe 0; pe i listens on base-port+i")
	rootCmd.Flags().StringVar(&segment, "segment", "", "segment name, generated if empty")
	rootCmd.Flags().StringVar(&outputDir, "output-dir", "", "directory for the saved output and power data")
	rootCmd.Flags().DurationVar(&duration, "duration", 0, "stop the pes after this long; 0 waits for them")
	rootCmd.Flags().DurationVar(&powerInterval, "power-interval", 100*time.Millisecond, "RAPL sampling interval; 0 disables power sampling")
	rootCmd.Flags().StringVar(&domain, "rapl-domain", "", "RAPL domain, package-0 if available")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
