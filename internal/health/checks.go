package health

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// DirWritable checks that dir exists and accepts new files. The voice
// registry cannot clone without it.
func DirWritable(name, dir string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			info, err := os.Stat(dir)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}
			f, err := os.CreateTemp(dir, ".probe-*")
			if err != nil {
				return err
			}
			path := f.Name()
			return errors.Join(f.Close(), os.Remove(path))
		},
	}
}

// Ready reports the outcome of a readiness function with no error detail of
// its own, such as whether a local model is resident.
func Ready(name string, ready func() bool, reason string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !ready() {
				return errors.New(reason)
			}
			return nil
		},
	}
}

// Configured fails when no provider was configured for a role.
func Configured(name string, configured bool) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !configured {
				return errors.New("not configured")
			}
			return nil
		},
	}
}
