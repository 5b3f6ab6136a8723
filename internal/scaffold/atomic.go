package scaffold

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// writeFileOnce writes data to filename atomically, failing with an
// os.IsExist error if a file is already there. The data lands in a
// temporary file in the target directory first, is synced, then hard-linked
// into place, so nobody ever observes a partially written project file.
func writeFileOnce(filename string, data []byte, perm os.FileMode) error {
	dir, name := filepath.Split(filename)
	tmp, err := os.CreateTemp(dir, fmt.Sprintf("%s-*.tmp", name))
	if err != nil {
		return err
	}

	tmpname := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpname)
	}()

	n, err := tmp.Write(data)
	if err != nil {
		return err
	}
	if n < len(data) {
		return errors.New("short write")
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Link, not rename: fails if the target already exists.
	return os.Link(tmpname, filename)
}

// overwriteFile replaces filename with data atomically via rename.
func overwriteFile(filename string, data []byte, perm os.FileMode) error {
	dir, name := filepath.Split(filename)
	tmp, err := os.CreateTemp(dir, fmt.Sprintf("%s-*.tmp", name))
	if err != nil {
		return err
	}

	tmpname := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpname)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpname, filename)
}
