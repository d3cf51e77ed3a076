package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chriskillpack/visionbatch/internal/imagefs"
)

// OutputExists reports whether path exists on the filesystem.
func OutputExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// HasJSONSuffix reports whether the file name of path ends in .json. It
// does not look at the filesystem.
func HasJSONSuffix(path string) bool {
	return strings.HasSuffix(filepath.Base(path), ".json")
}

// writeOutput writes results to path through a temporary file in the same
// directory, so path never holds a partial document.
func writeOutput(path string, results *ResultMapping) error {
	data, err := results.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".visionbatch-*.json")
	if err != nil {
		return fmt.Errorf("%w: %w", imagefs.ErrFilesystem, err)
	}
	defer os.Remove(f.Name()) // no-op after a successful rename

	_, err = f.Write(append(data, '\n'))
	if err == nil {
		err = f.Chmod(0o644)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: writing %s: %w", imagefs.ErrFilesystem, path, err)
	}

	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("%w: %w", imagefs.ErrFilesystem, err)
	}
	return nil
}
