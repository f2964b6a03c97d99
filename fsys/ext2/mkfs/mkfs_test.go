package mkfs

import (
	"encoding/binary"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/txtar"

	"github.com/lvdlvd/ext2cat/fsys/ext2"
)

func TestParse(t *testing.T) {
	id := uuid.MustParse("5b0b4f7e-8d1c-4b5e-9a57-0c1c2d3e4f50")
	src := `
-- /bin/ --
-- /bin/busybox mode=0100755 uid=10 gid=20 mtime=1700000000 --
#!/bin/sh
-- /bin/sh symlink=busybox --
-- /etc/motd ino=30 --
welcome
`
	data, err := Parse([]byte(src), Options{
		BlockSize:  2048,
		VolumeName: "rootfs",
		UUID:       id,
		Time:       time.Unix(1600000000, 0),
	})
	require.NoError(t, err)

	img, err := ext2.Open(data)
	require.NoError(t, err)

	sb := img.Superblock()
	assert.Equal(t, uint32(2048), img.BlockSize())
	assert.Equal(t, uint32(ext2.RevDynamic), sb.RevLevel)
	assert.Equal(t, uint32(ext2.FeatureIncompatFiletype), sb.FeatureIncompat)
	assert.Equal(t, uint32(0), sb.FirstDataBlock)
	assert.Equal(t, "rootfs", sb.VolumeName)
	assert.Equal(t, id, sb.UUID)
	assert.Equal(t, time.Unix(1600000000, 0), sb.WriteTime())
	assert.Zero(t, sb.InodesCount%(2048/128))
	assert.Equal(t, int64(sb.BlocksCount)*2048, img.Size())

	num, ino, err := img.ResolveInode("/bin/busybox")
	require.NoError(t, err)
	assert.Equal(t, uint32(firstIno+1), num)
	assert.Equal(t, uint16(ext2.S_IFREG|0755), ino.Mode)
	assert.Equal(t, uint16(10), ino.UID)
	assert.Equal(t, uint16(20), ino.GID)
	assert.Equal(t, uint32(1700000000), ino.Mtime)

	num, ino, err = img.ResolveInode("/bin/sh")
	require.NoError(t, err)
	assert.True(t, ino.IsSymlink())
	assert.Equal(t, uint32(0), ino.Blocks)
	target, err := img.ReadLink(ino)
	require.NoError(t, err)
	assert.Equal(t, "busybox", target)
	assert.NotZero(t, num)

	num, ino, err = img.ResolveInode("/etc/motd")
	require.NoError(t, err)
	assert.Equal(t, uint32(30), num)
	assert.Equal(t, uint32(1600000000), ino.Mtime)
}

func TestDirectoryLayout(t *testing.T) {
	data, err := Parse([]byte("-- /a --\n-- /bb --\n-- /ccc/ --\n"), Options{})
	require.NoError(t, err)
	img, err := ext2.Open(data)
	require.NoError(t, err)

	root, err := img.RootDirectory()
	require.NoError(t, err)
	block, err := img.Block(root.Block[0])
	require.NoError(t, err)

	// Walk the raw records: the last one must end at the block boundary.
	var names []string
	off := 0
	for off < len(block) {
		recLen := int(binary.LittleEndian.Uint16(block[off+4:]))
		nameLen := int(block[off+6])
		names = append(names, string(block[off+8:off+8+nameLen]))
		require.Zero(t, recLen%4)
		off += recLen
	}
	assert.Equal(t, len(block), off)
	assert.Equal(t, []string{".", "..", "a", "bb", "ccc"}, names)

	entries, err := img.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, ext2.FileTypeDir, entries[4].FileType)
	assert.Equal(t, uint32(ext2.RootIno), entries[1].Inode)
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		opts Options
		want string
	}{
		{name: "block size", src: "-- /a --\n", opts: Options{BlockSize: 512}, want: "block size"},
		{name: "duplicate", src: "-- /a --\n-- /a --\n", want: "duplicate"},
		{name: "reserved inode", src: "-- /a ino=5 --\n", want: "reserved"},
		{name: "inode reused", src: "-- /a ino=12 --\n-- /b ino=12 --\n", want: "already used"},
		{name: "parent is a file", src: "-- /a --\n-- /a/b --\n", want: "not a directory"},
		{name: "missing link target", src: "-- /a link=/b --\n", want: "does not exist"},
		{name: "directory hard link", src: "-- /d/ --\n-- /a link=/d --\n", want: "hard link directory"},
		{name: "unknown attribute", src: "-- /a color=7 --\n", want: "unknown attribute"},
		{name: "bad attribute value", src: "-- /a mode=rwx --\n", want: "invalid attribute"},
		{name: "attribute without value", src: "-- /a mode --\n", want: "invalid attribute"},
		{name: "root file", src: "-- / mode=0100644 --\n", want: "root must be a directory"},
		{name: "name too long", src: "-- /" + strings.Repeat("n", 256) + " --\n", want: "name too long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), tt.opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDirectoryTooLarge(t *testing.T) {
	ar := &txtar.Archive{}
	for i := 0; i < 100; i++ {
		ar.Files = append(ar.Files, txtar.File{Name: fmt.Sprintf("/file-with-a-long-name-%03d", i)})
	}
	_, err := Build(ar, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one block")

	_, err = Build(ar, Options{BlockSize: 4096})
	assert.NoError(t, err)
}

func TestInodeTableSize(t *testing.T) {
	data, err := Parse([]byte("-- /a --\n"), Options{Inodes: 100})
	require.NoError(t, err)
	img, err := ext2.Open(data)
	require.NoError(t, err)

	sb := img.Superblock()
	assert.Equal(t, uint32(104), sb.InodesCount)
	assert.Equal(t, sb.InodesCount, sb.InodesPerGroup)
	// Ten reserved inodes, including the root, plus /a.
	assert.Equal(t, sb.InodesCount-11, sb.FreeInodesCount)
}
