//go:build !windows

package state

import (
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	t, err := renameio.TempFile(filepath.Dir(path), path)
	if err != nil {
		return err
	}
	defer func() { _ = t.Cleanup() }()
	if err := t.Chmod(perm); err != nil {
		return err
	}
	if _, err := t.Write(data); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}
