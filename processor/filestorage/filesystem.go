package filestorage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileSystem mirrors images into a directory, usually on another volume.
type FileSystem struct {
	RootDir string
}

func NewFileSystem(rootdir string) (*FileSystem, error) {
	if err := os.MkdirAll(rootdir, os.FileMode(0755)); err != nil {
		return nil, fmt.Errorf("could not create archive directory: %w", err)
	}
	return &FileSystem{RootDir: rootdir}, nil
}

// StoreFile copies srcpath under the archive root. Metadata is ignored since
// plain files can't carry it.
func (fs FileSystem) StoreFile(srcpath, destpath string, metadata map[string]string) error {
	fulldestpath := filepath.Join(fs.RootDir, destpath)
	if err := os.MkdirAll(filepath.Dir(fulldestpath), os.FileMode(0755)); err != nil {
		return err
	}

	fsrc, err := os.Open(srcpath)
	if err != nil {
		return err
	}
	defer fsrc.Close()

	// Write next to the destination and rename, readers never see a
	// half-copied image.
	tmp := fulldestpath + ".part"
	fdest, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err = io.Copy(fdest, fsrc); err == nil {
		err = fdest.Sync()
	}
	if cerr := fdest.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, fulldestpath)
}

// DeleteFile removes a file from the archive. Missing files are not an error.
func (fs FileSystem) DeleteFile(path string) error {
	err := os.Remove(filepath.Join(fs.RootDir, path))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FileExists returns true if the file exists, false otherwise
func (fs FileSystem) FileExists(path string) bool {
	_, err := os.Stat(filepath.Join(fs.RootDir, path))
	return err == nil
}
