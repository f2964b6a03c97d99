package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"golang.org/x/term"

	"github.com/lvdlvd/ext2cat/fsys"
)

// ErrBinaryToTerminal is returned by Cat when it would write binary data
// to a terminal without CatOptions.Force.
var ErrBinaryToTerminal = errors.New("refusing to write binary data to a terminal (use --force)")

// CatOptions controls cat behavior
type CatOptions struct {
	Force bool // Write binary data even when out is a terminal
}

// Cat copies the contents of a file to the given writer.
// When the filesystem supports extent mapping, it streams directly
// from the underlying image without loading the file into memory.
func Cat(filesystem fsys.FS, fsPath string, out io.Writer, opts CatOptions) error {
	fsPath = normalizePath(fsPath)

	info, err := fs.Stat(filesystem, fsPath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory", fsPath)
	}
	if info.Size() < 0 {
		return fmt.Errorf("%s: invalid file size %d", fsPath, info.Size())
	}

	reader, closeFn, err := openReaderAt(filesystem, fsPath, info.Size())
	if err != nil {
		return err
	}
	defer closeFn()

	if !opts.Force && IsTerminal(out) {
		head := make([]byte, max(0, min(info.Size(), 512)))
		n, err := reader.ReadAt(head, 0)
		if err != nil && err != io.EOF {
			return err
		}
		if bytes.IndexByte(head[:n], 0) >= 0 {
			return fmt.Errorf("%s: %w", fsPath, ErrBinaryToTerminal)
		}
	}

	return streamFromReaderAt(reader, info.Size(), out)
}

// openReaderAt prefers extent-based access to the image and falls back to
// the file's own ReaderAt.
func openReaderAt(filesystem fsys.FS, fsPath string, size int64) (io.ReaderAt, func() error, error) {
	if em, ok := filesystem.(fsys.ExtentMapper); ok {
		if br, ok := filesystem.(interface{ BaseReader() io.ReaderAt }); ok {
			extents, err := em.FileExtents(fsPath)
			if err == nil {
				slog.Debug("streaming from extents", "path", fsPath, "extents", len(extents), "size", size)
				return fsys.NewExtentReaderAt(br.BaseReader(), extents, size), func() error { return nil }, nil
			}
			slog.Debug("mapping extents", "path", fsPath, "err", err)
		}
	}

	file, err := filesystem.Open(fsPath)
	if err != nil {
		return nil, nil, err
	}
	r, ok := file.(io.ReaderAt)
	if !ok {
		file.Close()
		return nil, nil, fmt.Errorf("%s: cannot read file", fsPath)
	}
	return r, file.Close, nil
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// streamFromReaderAt copies data from a ReaderAt to a Writer in chunks
func streamFromReaderAt(r io.ReaderAt, size int64, out io.Writer) error {
	const bufSize = 64 * 1024
	buf := make([]byte, bufSize)
	offset := int64(0)

	for offset < size {
		toRead := min(int64(bufSize), size-offset)

		n, err := r.ReadAt(buf[:toRead], offset)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			offset += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}

	return nil
}
