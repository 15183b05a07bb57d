// Package filestorage archives completed images to secondary storage.
package filestorage

import (
	"fmt"
)

// FileStorage is implemented by archive backends. StoreFile copies srcpath
// to destpath, a path relative to the backend root, and never removes the
// source.
type FileStorage interface {
	StoreFile(srcpath, destpath string, metadata map[string]string) error
	DeleteFile(path string) error
	FileExists(path string) bool
}

// New returns the backend named by kind: "filesystem" archives under root,
// "s3" archives to the bucket root in region.
func New(kind, root, region string) (FileStorage, error) {
	switch kind {
	case "filesystem":
		return NewFileSystem(root)
	case "s3":
		return NewAWSS3(region, root)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", kind)
	}
}
