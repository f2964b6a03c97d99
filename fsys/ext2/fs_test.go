package ext2_test

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"

	"github.com/lvdlvd/ext2cat/fsys"
	"github.com/lvdlvd/ext2cat/fsys/ext2"
	"github.com/lvdlvd/ext2cat/fsys/ext2/mkfs"
)

const tree = `
-- /hello.txt --
hello, world
-- /etc/passwd mode=0100600 uid=0 --
root:x:0:0::/root:/bin/sh
-- /etc/hosts link=/etc/passwd --
-- /empty/ mode=0700 --
-- /a/b/c/deep.txt --
deep
`

// bigData is large enough to need double indirect blocks at 1 KiB.
var bigData = func() []byte {
	b := make([]byte, 300*1024+100)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}()

func buildTree(t *testing.T, blockSize uint32, extra ...txtar.File) *ext2.FS {
	t.Helper()
	ar := txtar.Parse([]byte(tree))
	ar.Files = append(ar.Files, txtar.File{Name: "/big.bin", Data: bigData})
	ar.Files = append(ar.Files, extra...)

	data, err := mkfs.Build(ar, mkfs.Options{BlockSize: blockSize})
	require.NoError(t, err)
	f, err := ext2.OpenFS(data)
	require.NoError(t, err)
	return f
}

func TestResolveBuiltImage(t *testing.T) {
	data, err := mkfs.Parse([]byte("-- /foo.txt ino=12 --\nbar\n"), mkfs.Options{})
	require.NoError(t, err)
	img, err := ext2.Open(data)
	require.NoError(t, err)

	got, err := img.Resolve("/foo.txt")
	require.NoError(t, err)
	assert.Equal(t, uint32(12), got)

	_, err = img.Resolve("/bar.txt")
	assert.ErrorIs(t, err, ext2.ErrNotFound)

	got, err = img.Resolve("/")
	require.NoError(t, err)
	assert.Equal(t, uint32(ext2.RootIno), got)
}

func TestFS(t *testing.T) {
	for _, bs := range []uint32{1024, 2048, 4096} {
		t.Run(fmt.Sprint(bs), func(t *testing.T) {
			f := buildTree(t, bs)
			assert.Equal(t, bs, f.Image().BlockSize())
			assert.Equal(t, "ext2", f.Type())

			err := fstest.TestFS(f, "hello.txt", "etc/passwd", "etc/hosts", "empty", "a/b/c/deep.txt", "big.bin")
			assert.NoError(t, err)

			got, err := fs.ReadFile(f, "big.bin")
			require.NoError(t, err)
			assert.True(t, bytes.Equal(bigData, got), "big.bin content differs")

			got, err = fs.ReadFile(f, "etc/hosts")
			require.NoError(t, err)
			assert.Equal(t, "root:x:0:0::/root:/bin/sh\n", string(got))
		})
	}
}

func TestFSStat(t *testing.T) {
	f := buildTree(t, 1024)

	tests := []struct {
		name  string
		mode  fs.FileMode
		size  int64
		links uint16
	}{
		{name: ".", mode: fs.ModeDir | 0755, size: 1024, links: 5},
		{name: "hello.txt", mode: 0644, size: 13, links: 1},
		{name: "etc/passwd", mode: 0600, size: 26, links: 2},
		{name: "empty", mode: fs.ModeDir | 0700, size: 1024, links: 2},
		{name: "a/b", mode: fs.ModeDir | 0755, size: 1024, links: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fi, err := f.Stat(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.mode, fi.Mode())
			assert.Equal(t, tt.size, fi.Size())

			ino, ok := fi.Sys().(*ext2.Inode)
			require.True(t, ok)
			assert.Equal(t, tt.links, ino.LinksCount)
		})
	}

	passwd, err := f.Stat("etc/passwd")
	require.NoError(t, err)
	hosts, err := f.Stat("etc/hosts")
	require.NoError(t, err)
	assert.Equal(t, passwd.(fsys.FileInfo).Inode(), hosts.(fsys.FileInfo).Inode())
}

func TestFSErrors(t *testing.T) {
	f := buildTree(t, 1024)

	tests := []struct {
		name    string
		wantErr error
	}{
		{name: "missing", wantErr: fs.ErrNotExist},
		{name: "hello.txt/x", wantErr: fs.ErrNotExist},
		{name: "/hello.txt", wantErr: fs.ErrInvalid},
		{name: "etc/", wantErr: fs.ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Open(tt.name)
			assert.ErrorIs(t, err, tt.wantErr)

			var pe *fs.PathError
			assert.ErrorAs(t, err, &pe)
		})
	}

	_, err := f.FileExtents("etc")
	assert.Error(t, err)
}

func TestFileExtents(t *testing.T) {
	f := buildTree(t, 1024)

	extents, err := f.FileExtents("big.bin")
	require.NoError(t, err)
	// Direct blocks, the single indirect run and the double indirect run
	// are each contiguous, separated by their pointer blocks.
	require.Len(t, extents, 3)
	assert.Equal(t, int64(12*1024), extents[0].Length)
	assert.Equal(t, int64(256*1024), extents[1].Length)

	var total int64
	for i, e := range extents {
		assert.Equal(t, total, e.Logical, "extent %d", i)
		total += e.Length
	}
	assert.Equal(t, int64(len(bigData)), total)

	r := fsys.NewExtentReaderAt(f.BaseReader(), extents, total)
	got, err := io.ReadAll(io.NewSectionReader(r, 0, total))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(bigData, got))

	extents, err = f.FileExtents("hello.txt")
	require.NoError(t, err)
	require.Len(t, extents, 1)
	assert.Equal(t, int64(13), extents[0].Length)
}

func TestReadLink(t *testing.T) {
	long := strings.Repeat("x/", 50) + "target"
	f := buildTree(t, 1024,
		txtar.File{Name: "/short symlink=hello.txt"},
		txtar.File{Name: "/long symlink=" + long},
	)

	tests := []struct {
		name string
		want string
	}{
		{name: "short", want: "hello.txt"},
		{name: "long", want: long},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.ReadLink(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			fi, err := f.Lstat(tt.name)
			require.NoError(t, err)
			assert.Equal(t, fs.ModeSymlink|0777, fi.Mode())
			assert.Equal(t, int64(len(tt.want)), fi.Size())
		})
	}

	_, err := f.ReadLink("hello.txt")
	assert.ErrorIs(t, err, fs.ErrInvalid)

	entries, err := f.ReadDir(".")
	require.NoError(t, err)
	for _, e := range entries {
		if e.Name() == "short" {
			assert.Equal(t, fs.ModeSymlink, e.Type())
		}
	}
}

func TestFreeBlocks(t *testing.T) {
	for _, bs := range []uint32{1024, 4096} {
		t.Run(fmt.Sprint(bs), func(t *testing.T) {
			f := buildTree(t, bs)
			img := f.Image()

			free, err := f.FreeBlocks()
			require.NoError(t, err)
			require.Len(t, free, 1)
			assert.Equal(t, img.Size(), free[0].End)
			assert.Equal(t, int64(img.Superblock().FreeBlocksCount)*int64(bs), fsys.TotalSize(free))

			bgd, err := img.GroupDescriptor(0)
			require.NoError(t, err)
			assert.Equal(t, uint32(bgd.FreeBlocksCount), img.Superblock().FreeBlocksCount)
			assert.Equal(t, uint16(6), bgd.UsedDirsCount)
		})
	}
}

func TestReadDirOrder(t *testing.T) {
	f := buildTree(t, 2048)

	entries, err := f.ReadDir(".")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"a", "big.bin", "empty", "etc", "hello.txt"}, names)
}
