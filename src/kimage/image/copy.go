package image

import (
	"os"
	"path"

	"github.com/bitswalk/kimage/src/common/errors"
)

// CreateDirectory creates dir and its parents inside img. Existing
// directories are left untouched.
func (a *Assembler) CreateDirectory(img *FilesystemImage, dir string) error {
	if err := img.writable(); err != nil {
		return err
	}
	if err := img.vol.Mkdir(dir); err != nil {
		return errors.Wrap(err, errors.DomainImage, errors.CodeFailed, "failed to create directory "+dir)
	}
	return nil
}

// CopyFile streams hostPath into img at imagePath, replacing any file
// already there. A missing host file is recorded as a warning and reported
// through an ErrEntryMissing error, which callers may treat as non-fatal.
// Running out of free clusters fails with ErrImageCapacity.
func (a *Assembler) CopyFile(img *FilesystemImage, hostPath, imagePath string) error {
	if err := img.writable(); err != nil {
		return err
	}

	f, err := a.fs.Open(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			a.warn(Warning{
				Kind:     WarningEntryMissing,
				Name:     path.Base(imagePath),
				HostPath: hostPath,
				Reason:   "source file does not exist",
			})
			return errors.ErrEntryMissing.WithMessagef("%s does not exist", hostPath)
		}
		return errors.ErrIO.WithMessagef("failed to open %s", hostPath).WithCause(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.ErrIO.WithMessagef("failed to stat %s", hostPath).WithCause(err)
	}
	if info.IsDir() {
		a.warn(Warning{
			Kind:     WarningEntryMissing,
			Name:     path.Base(imagePath),
			HostPath: hostPath,
			Reason:   "source is a directory",
		})
		return errors.ErrEntryMissing.WithMessagef("%s is a directory", hostPath)
	}

	if err := img.vol.WriteFile(imagePath, f, info.Size()); err != nil {
		if errors.Is(err, errors.ErrImageCapacity) || errors.Is(err, errors.ErrIO) {
			return err
		}
		return errors.Wrap(err, errors.DomainImage, errors.CodeFailed, "failed to copy "+hostPath)
	}

	log.Debug("Copied file", "src", hostPath, "dst", imagePath, "size", info.Size())
	return nil
}
