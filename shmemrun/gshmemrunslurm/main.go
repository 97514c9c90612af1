/*
gshmemrunslurm launches the PEs of a shmem program within a slurm allocation,
one PE per allocated node. To use, first allocate nodes with salloc, and then
call gshmemrunslurm ncores programname otherargs. For example,

	salloc -N2 -c12
	gshmemrunslurm 12 putbw heap

Note that the first argument is the number of cores per PE, not the number of
PEs. The PEs use the network transport.
*/
package main

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/btracey/shmem/shmemrun"
)

var basePort int

var rootCmd = &cobra.Command{
	Use:   "gshmemrunslurm [flags] ncores program [args...]",
	Short: "Launch the PEs of a shmem program with srun, one per allocated node.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cores, err := strconv.Atoi(args[0])
		if err != nil {
			return errors.Wrap(err, "parse number of cores")
		}
		hosts, err := shmemrun.ExpandNodelist(os.Getenv(shmemrun.NodelistEnv))
		if err != nil {
			return err
		}
		if len(hosts) == 0 {
			return errors.Errorf("%s is empty; run inside an allocation", shmemrun.NodelistEnv)
		}
		job := &shmemrun.Job{
			Exec:     args[1],
			Args:     args[2:],
			NPEs:     len(hosts),
			Hosts:    hosts,
			BasePort: basePort,
		}
		cmds, err := job.SlurmCommands(cores)
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true
		return shmemrun.Run(cmds)
	},
}

func init() {
	rootCmd.Flags().SetInterspersed(false)
	rootCmd.Flags().IntVar(&basePort, "base-port", shmemrun.DefaultBasePort, "port of pe 0; pe i listens on base-port+i")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
