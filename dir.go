package sequoia

import (
	"os"

	"github.com/pkg/errors"
)

const (
	lockFilename = "LOCK"
)

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return true, err
}

func createDirs(opts Options) error {
	dirExists, err := exists(opts.Directory)
	if err != nil {
		return errors.Wrapf(err, "invalid directory: %q", opts.Directory)
	}
	if !dirExists {
		if err := os.Mkdir(opts.Directory, 0700); err != nil {
			return errors.Wrapf(err, "error creating directory: %q", opts.Directory)
		}
	}

	return nil
}
