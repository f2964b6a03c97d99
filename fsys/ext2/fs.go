package ext2

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/lvdlvd/ext2cat/fsys"
)

// FS exposes an Image as a read-only io/fs file system. Names are
// slash-separated and unrooted, as io/fs requires; symbolic links are never
// followed.
type FS struct {
	img *Image
}

// NewFS returns an fs.FS view of img.
func NewFS(img *Image) *FS {
	return &FS{img: img}
}

// OpenFS opens data as an ext2 image and returns its fs.FS view.
func OpenFS(data []byte) (*FS, error) {
	img, err := Open(data)
	if err != nil {
		return nil, err
	}
	return NewFS(img), nil
}

var (
	_ fsys.FS           = (*FS)(nil)
	_ fsys.ExtentMapper = (*FS)(nil)
	_ fsys.FreeBlocker  = (*FS)(nil)
	_ fs.ReadLinkFS     = (*FS)(nil)
)

func (f *FS) Image() *Image { return f.img }

func (f *FS) Type() string {
	if f.img.sb.HasJournal() {
		return "ext3"
	}
	return "ext2"
}

func (f *FS) Close() error            { return nil }
func (f *FS) BaseReader() io.ReaderAt { return bytes.NewReader(f.img.data) }

func (f *FS) FreeBlocks() ([]fsys.Range, error) {
	return f.img.FreeBlocks()
}

// resolve maps an io/fs name to an inode.
func (f *FS) resolve(op, name string) (uint32, Inode, error) {
	if !fs.ValidPath(name) {
		return 0, Inode{}, &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	p := "/"
	if name != "." {
		p += name
	}
	num, ino, err := f.img.ResolveInode(p)
	if err != nil {
		return 0, Inode{}, &fs.PathError{Op: op, Path: name, Err: fsError(err)}
	}
	return num, ino, nil
}

// fsError translates resolver errors to their io/fs equivalents.
func fsError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotADirectory):
		return fs.ErrNotExist
	case errors.Is(err, ErrInvalidPath):
		return fs.ErrInvalid
	}
	return err
}

func (f *FS) Open(name string) (fs.File, error) {
	num, ino, err := f.resolve("open", name)
	if err != nil {
		return nil, err
	}

	info := &fileInfo{inode: ino, inodeNum: num, name: path.Base(name)}
	if ino.IsDir() {
		return &dir{fs: f, info: info}, nil
	}

	extents, err := f.img.Extents(ino)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	size := int64(ino.Size)
	r := fsys.NewExtentReaderAt(bytes.NewReader(f.img.data), extents, size)
	return &file{info: info, SectionReader: io.NewSectionReader(r, 0, size)}, nil
}

func (f *FS) Stat(name string) (fs.FileInfo, error) {
	num, ino, err := f.resolve("stat", name)
	if err != nil {
		return nil, err
	}
	return &fileInfo{inode: ino, inodeNum: num, name: path.Base(name)}, nil
}

// Lstat is Stat: resolution never follows symbolic links.
func (f *FS) Lstat(name string) (fs.FileInfo, error) {
	return f.Stat(name)
}

func (f *FS) ReadLink(name string) (string, error) {
	_, ino, err := f.resolve("readlink", name)
	if err != nil {
		return "", err
	}
	if !ino.IsSymlink() {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: fs.ErrInvalid}
	}
	target, err := f.img.ReadLink(ino)
	if err != nil {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: err}
	}
	return target, nil
}

// ReadDir returns the entries of the named directory sorted by name,
// without "." and "..".
func (f *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	file, err := f.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	d, ok := file.(fs.ReadDirFile)
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: errors.New("not a directory")}
	}
	entries, err := d.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(entries, func(a, b fs.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return entries, nil
}

// FileExtents returns the physical extents of a regular file.
func (f *FS) FileExtents(name string) ([]fsys.Extent, error) {
	_, ino, err := f.resolve("extents", name)
	if err != nil {
		return nil, err
	}
	if ino.IsDir() {
		return nil, &fs.PathError{Op: "extents", Path: name, Err: errors.New("is a directory")}
	}
	return f.img.Extents(ino)
}

// file implements fs.File for everything that is not a directory.
type file struct {
	info *fileInfo
	*io.SectionReader
}

func (f *file) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *file) Close() error               { return nil }

// dir implements fs.ReadDirFile.
type dir struct {
	fs      *FS
	info    *fileInfo
	entries []fs.DirEntry
	loaded  bool
	offset  int
}

func (d *dir) Stat() (fs.FileInfo, error) { return d.info, nil }

func (d *dir) Read(b []byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.info.name, Err: fs.ErrInvalid}
}

func (d *dir) Close() error {
	d.entries = nil
	return nil
}

func (d *dir) ReadDir(n int) ([]fs.DirEntry, error) {
	if !d.loaded {
		raw, err := d.fs.img.ReadDir(d.info.inode)
		if err != nil {
			return nil, &fs.PathError{Op: "readdir", Path: d.info.name, Err: err}
		}
		d.entries = make([]fs.DirEntry, 0, len(raw))
		for _, e := range raw {
			if e.Name == "." || e.Name == ".." {
				continue
			}
			d.entries = append(d.entries, &dirEntry{fs: d.fs, entry: e})
		}
		d.loaded = true
	}

	if n <= 0 {
		entries := d.entries[d.offset:]
		d.offset = len(d.entries)
		return entries, nil
	}

	if d.offset >= len(d.entries) {
		return nil, io.EOF
	}

	end := min(d.offset+n, len(d.entries))
	entries := d.entries[d.offset:end]
	d.offset = end
	return entries, nil
}

// dirEntry implements fs.DirEntry.
type dirEntry struct {
	fs    *FS
	entry DirEntry
}

func (e *dirEntry) Name() string { return e.entry.Name }
func (e *dirEntry) IsDir() bool  { return e.entry.FileType == FileTypeDir }

func (e *dirEntry) Type() fs.FileMode {
	switch e.entry.FileType {
	case FileTypeDir:
		return fs.ModeDir
	case FileTypeSymlink:
		return fs.ModeSymlink
	case FileTypeCharDev:
		return fs.ModeDevice | fs.ModeCharDevice
	case FileTypeBlockDev:
		return fs.ModeDevice
	case FileTypeFifo:
		return fs.ModeNamedPipe
	case FileTypeSocket:
		return fs.ModeSocket
	default:
		return 0
	}
}

func (e *dirEntry) Info() (fs.FileInfo, error) {
	ino, err := e.fs.img.Inode(e.entry.Inode)
	if err != nil {
		return nil, err
	}
	return &fileInfo{inode: ino, inodeNum: e.entry.Inode, name: e.entry.Name}, nil
}

// fileInfo implements fs.FileInfo and fsys.FileInfo. Sys returns the
// decoded *Inode.
type fileInfo struct {
	inode    Inode
	inodeNum uint32
	name     string
}

func (i *fileInfo) Name() string       { return i.name }
func (i *fileInfo) Size() int64        { return int64(i.inode.Size) }
func (i *fileInfo) Mode() fs.FileMode  { return i.inode.FileMode() }
func (i *fileInfo) ModTime() time.Time { return i.inode.ModTime() }
func (i *fileInfo) IsDir() bool        { return i.inode.IsDir() }
func (i *fileInfo) Sys() any           { return &i.inode }
func (i *fileInfo) Inode() uint64      { return uint64(i.inodeNum) }
