package ext2

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a path component has no matching
	// directory entry.
	ErrNotFound = errors.New("no such file or directory")

	// ErrInvalidPath is returned for paths that are not absolute or contain
	// components ext2 cannot store.
	ErrInvalidPath = errors.New("invalid path")

	// ErrCorruptImage is returned when the image does not hold a structure
	// this reader can interpret safely.
	ErrCorruptImage = errors.New("corrupt image")

	// ErrOutOfBounds is returned when a derived offset points outside the
	// image. Every *BoundsError matches it and ErrCorruptImage.
	ErrOutOfBounds = errors.New("offset out of bounds")

	// ErrNotADirectory is returned when a path walks through a component
	// that is not a directory.
	ErrNotADirectory = errors.New("not a directory")

	// ErrInvalidInode is returned for inode number 0 and for numbers beyond
	// the inode table.
	ErrInvalidInode = errors.New("invalid inode number")

	// ErrUnsupported is returned for filesystem features outside the scope
	// of this reader, such as additional block groups.
	ErrUnsupported = errors.New("unsupported")
)

// BoundsError describes a read of Len bytes at Off that does not fit in an
// image of Size bytes.
type BoundsError struct {
	What string
	Off  int64
	Len  int64
	Size int64
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("%s: [%d, %d) outside image of %d bytes", e.What, e.Off, e.Off+e.Len, e.Size)
}

func (e *BoundsError) Is(target error) bool {
	return target == ErrOutOfBounds || target == ErrCorruptImage
}

// span returns data[off:off+n] or a *BoundsError naming what was being read.
func span(data []byte, what string, off, n int64) ([]byte, error) {
	size := int64(len(data))
	if off < 0 || n < 0 || off > size || n > size-off {
		return nil, &BoundsError{What: what, Off: off, Len: n, Size: size}
	}
	return data[off : off+n], nil
}
