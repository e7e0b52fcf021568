package rules

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rulepatch/rulepatch/patchlib"
)

func exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// FilesEqual returns true if both files exist and have the same PE file
// version and size.
func FilesEqual(a, b string) (bool, error) {
	sa, err := os.Stat(a)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, ioErr("FilesEqual", a, err)
	}
	sb, err := os.Stat(b)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, ioErr("FilesEqual", b, err)
	}
	if sa.Size() != sb.Size() {
		return false, nil
	}
	va, err := patchlib.FileVersionOf(a)
	if err != nil {
		return false, ioErr("FilesEqual", a, err)
	}
	vb, err := patchlib.FileVersionOf(b)
	if err != nil {
		return false, ioErr("FilesEqual", b, err)
	}
	return ParseVersion(va).Compare(ParseVersion(vb)) == 0, nil
}

// BackupFile copies from to to, unless to already is the same file version
// and size.
func BackupFile(from, to string) error {
	if exists(to) {
		eq, err := FilesEqual(from, to)
		if err != nil {
			return err
		}
		if eq {
			Log("backup %s is up to date\n", to)
			return nil
		}
	}
	Log("backing up %s to %s\n", from, to)
	if err := copyFile(from, to); err != nil {
		return ioErr("BackupFile", to, err)
	}
	return nil
}

func copyFile(from, to string) error {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// removeFile removes a file if it exists.
func removeFile(name string) error {
	if name == "" {
		return nil
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ioErr("Remove", name, err)
	}
	Log("removed %s\n", name)
	return nil
}

// checkFile checks the file a patch reads from (the backup or the save file)
// against the base file. If mustExist is set it has to exist, otherwise it
// only has to match if it does.
func (p *Patch) checkFile(mustExist, useBackup bool) error {
	key := p.inputFile(useBackup)
	if !exists(p.BaseFile) {
		return integrityErr("CheckFile", p.BaseFile, ErrBaseFileInvalid)
	}
	if !exists(key) {
		if mustExist {
			return integrityErr("CheckFile", key, fmt.Errorf("%w: %w", ErrSaveFileInvalid, ErrFileNotExist))
		}
		return nil
	}
	eq, err := FilesEqual(p.BaseFile, key)
	if err != nil {
		return err
	}
	if !eq {
		return integrityErr("CheckFile", key, ErrSaveFileInvalid)
	}
	return nil
}
