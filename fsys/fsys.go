// Package fsys provides the read-only filesystem interface ext2cat commands
// work against, plus helpers for reading file data in place from an image.
package fsys

import (
	"errors"
	"io"
	"io/fs"
	"sort"
)

// Range represents a byte range [Start, End) where Start is inclusive
// and End is exclusive (one past the last byte).
type Range struct {
	Start int64 // First byte of the range (inclusive)
	End   int64 // One past the last byte (exclusive)
}

// Size returns the size of the range in bytes
func (r Range) Size() int64 {
	return r.End - r.Start
}

// Extent represents a mapping from logical file offset to physical image offset
type Extent struct {
	Logical  int64 // Offset within the file
	Physical int64 // Offset within the image
	Length   int64 // Length of this extent
}

// FS represents a read-only filesystem opened from a disk image.
// It embeds io/fs.FS and adds image-specific functionality.
type FS interface {
	fs.FS
	fs.ReadDirFS
	fs.StatFS

	// Type returns the filesystem type name (e.g., "ext2", "ext3")
	Type() string

	// Close releases any resources held by the filesystem
	Close() error
}

// FreeBlocker is an optional interface for filesystems that can report free space
type FreeBlocker interface {
	// FreeBlocks returns a list of free byte ranges in the filesystem image.
	// Ranges are returned in ascending order and do not overlap.
	FreeBlocks() ([]Range, error)
}

// ExtentMapper is an optional interface for filesystems that can report
// the physical location of file data within the image
type ExtentMapper interface {
	// FileExtents returns the list of extents that map a file's logical
	// offsets to physical offsets in the image. Returns error if path
	// doesn't exist or is a directory.
	FileExtents(path string) ([]Extent, error)
}

// FileInfo provides extended file information
type FileInfo interface {
	fs.FileInfo

	// Inode returns the inode number
	Inode() uint64
}

// TotalSize returns the number of bytes covered by ranges.
func TotalSize(ranges []Range) int64 {
	var n int64
	for _, r := range ranges {
		n += r.Size()
	}
	return n
}

var errNegativeOffset = errors.New("negative offset")

// ExtentReaderAt presents a file's data, scattered over an image, as one
// contiguous io.ReaderAt. Bytes not covered by any extent read as zero.
type ExtentReaderAt struct {
	r       io.ReaderAt
	extents []Extent // sorted by Logical, non-overlapping
	size    int64
}

// NewExtentReaderAt creates a reader for a file of the given size whose
// data lives in r at the given extents.
func NewExtentReaderAt(r io.ReaderAt, extents []Extent, size int64) *ExtentReaderAt {
	sorted := make([]Extent, len(extents))
	copy(sorted, extents)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Logical < sorted[j].Logical
	})
	return &ExtentReaderAt{r: r, extents: sorted, size: size}
}

// Size returns the logical size of the file
func (e *ExtentReaderAt) Size() int64 {
	return e.size
}

// Extents returns the sorted extent list.
func (e *ExtentReaderAt) Extents() []Extent {
	return e.extents
}

// ReadAt implements io.ReaderAt
func (e *ExtentReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeOffset
	}
	if off >= e.size {
		return 0, io.EOF
	}

	short := false
	if int64(len(p)) > e.size-off {
		p = p[:e.size-off]
		short = true
	}

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		chunk := p[n:]

		i := sort.Search(len(e.extents), func(i int) bool {
			return e.extents[i].Logical+e.extents[i].Length > pos
		})
		if i == len(e.extents) || e.extents[i].Logical > pos {
			// Hole: zero-fill up to the next extent.
			if i < len(e.extents) && e.extents[i].Logical-pos < int64(len(chunk)) {
				chunk = chunk[:e.extents[i].Logical-pos]
			}
			clear(chunk)
			n += len(chunk)
			continue
		}

		ext := e.extents[i]
		if rest := ext.Logical + ext.Length - pos; rest < int64(len(chunk)) {
			chunk = chunk[:rest]
		}
		m, err := e.r.ReadAt(chunk, ext.Physical+(pos-ext.Logical))
		n += m
		if m < len(chunk) {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return n, err
		}
	}

	if short {
		return n, io.EOF
	}
	return n, nil
}
