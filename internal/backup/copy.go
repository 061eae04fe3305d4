package backup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/juju/utils/v4/fs"
)

// copyFile copies src to dst, which must not exist, keeping the permission
// bits, and syncs dst.
func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if err := fs.Copy(src, dst); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return err
	}
	return syncTree(dst)
}

// copyTree copies the directory src to dst, which must not exist.
// Symlinks are recreated, not followed.
func copyTree(src, dst string) error {
	if err := fs.Copy(src, dst); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return syncTree(dst)
}

// syncTree flushes every regular file and directory below root to disk.
func syncTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		// #nosec G304
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		if err := f.Sync(); err != nil && info.Mode().IsRegular() {
			_ = f.Close()
			return fmt.Errorf("sync %s: %w", path, err)
		}
		return f.Close()
	})
}

// replaceFile installs src at dst through a sibling temp file and rename so
// a running executable is never written in place.
func replaceFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".restore")
	_ = os.Remove(tmp)
	if err := copyFile(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// replaceTree swaps the directory dst for a copy of src.
func replaceTree(src, dst string) error {
	parent := filepath.Dir(dst)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	staged := filepath.Join(parent, "."+filepath.Base(dst)+".restore")
	old := filepath.Join(parent, "."+filepath.Base(dst)+".old")
	_ = os.RemoveAll(staged)
	_ = os.RemoveAll(old)
	if err := copyTree(src, staged); err != nil {
		_ = os.RemoveAll(staged)
		return err
	}
	hadOld := true
	if err := os.Rename(dst, old); err != nil {
		if !os.IsNotExist(err) {
			_ = os.RemoveAll(staged)
			return err
		}
		hadOld = false
	}
	if err := os.Rename(staged, dst); err != nil {
		if hadOld {
			_ = os.Rename(old, dst)
		}
		_ = os.RemoveAll(staged)
		return err
	}
	if hadOld {
		_ = os.RemoveAll(old)
	}
	return nil
}
