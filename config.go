package shmem

import (
	"flag"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// DefaultEnvFile is read by LoadEnv when it is given no files and the file
// exists in the working directory.
const DefaultEnvFile = "shmem.env"

const flagPrefix = "shmem-"

// EnvName returns the environment variable that provides the default for the
// named package flag, e.g. "shmem-pe" -> "SHMEM_PE".
func EnvName(flagName string) string {
	return strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// LoadEnv reads the env files, which never override variables that are
// already set, and then uses SHMEM_* variables as the values of the
// corresponding flags of fs. LoadEnv must run before command line parsing so
// that explicit flags take precedence.
func LoadEnv(fs *flag.FlagSet, files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(DefaultEnvFile); err == nil {
			files = []string{DefaultEnvFile}
		}
	}
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return errors.Wrapf(err, "load env files %v", files)
		}
	}
	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || !strings.HasPrefix(f.Name, flagPrefix) {
			return
		}
		v, ok := os.LookupEnv(EnvName(f.Name))
		if !ok {
			return
		}
		if e := fs.Set(f.Name, v); e != nil {
			err = errors.Wrapf(e, "env %s", EnvName(f.Name))
		}
	})
	return err
}

// NewFromFlags returns the implementation named by -shmem-transport. Fields
// left at their zero values are filled from the flags during Init.
func NewFromFlags() (Shmem, error) {
	switch FlagTransport {
	case "network", "tcp":
		return &Network{}, nil
	case "segment", "shm":
		return &Segment{}, nil
	}
	return nil, errors.Errorf("shmem: unknown transport %q", FlagTransport)
}
