package ext2

import (
	"encoding/binary"
	"io/fs"
	"time"
)

const (
	// NBlocks is the number of block pointers in an inode: 12 direct, then
	// single, double and triple indirect.
	NBlocks   = 15
	NDirect   = 12
	IndBlock  = 12
	DIndBlock = 13
	TIndBlock = 14

	// Mode type bits.
	S_IFMT   = 0xF000
	S_IFSOCK = 0xC000
	S_IFLNK  = 0xA000
	S_IFREG  = 0x8000
	S_IFBLK  = 0x6000
	S_IFDIR  = 0x4000
	S_IFCHR  = 0x2000
	S_IFIFO  = 0x1000

	// fastSymlinkMax is the longest symlink target stored inline in the
	// block pointer array.
	fastSymlinkMax = NBlocks * 4
)

// Inode holds the decoded fields of an on-disk inode.
type Inode struct {
	Mode       uint16
	UID        uint16
	Size       uint64
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	GID        uint16
	LinksCount uint16
	Blocks     uint32
	Flags      uint32
	Block      [NBlocks]uint32
}

func decodeInode(data []byte) Inode {
	ino := Inode{
		Mode:       binary.LittleEndian.Uint16(data[0x00:0x02]),
		UID:        binary.LittleEndian.Uint16(data[0x02:0x04]),
		Size:       uint64(binary.LittleEndian.Uint32(data[0x04:0x08])),
		Atime:      binary.LittleEndian.Uint32(data[0x08:0x0C]),
		Ctime:      binary.LittleEndian.Uint32(data[0x0C:0x10]),
		Mtime:      binary.LittleEndian.Uint32(data[0x10:0x14]),
		Dtime:      binary.LittleEndian.Uint32(data[0x14:0x18]),
		GID:        binary.LittleEndian.Uint16(data[0x18:0x1A]),
		LinksCount: binary.LittleEndian.Uint16(data[0x1A:0x1C]),
		Blocks:     binary.LittleEndian.Uint32(data[0x1C:0x20]),
		Flags:      binary.LittleEndian.Uint32(data[0x20:0x24]),
	}
	for i := range ino.Block {
		off := 0x28 + i*4
		ino.Block[i] = binary.LittleEndian.Uint32(data[off : off+4])
	}

	// Regular files keep the high 32 bits of their size in i_dir_acl.
	if ino.Mode&S_IFMT == S_IFREG {
		ino.Size |= uint64(binary.LittleEndian.Uint32(data[0x6C:0x70])) << 32
	}
	return ino
}

func (ino *Inode) IsDir() bool     { return ino.Mode&S_IFMT == S_IFDIR }
func (ino *Inode) IsRegular() bool { return ino.Mode&S_IFMT == S_IFREG }
func (ino *Inode) IsSymlink() bool { return ino.Mode&S_IFMT == S_IFLNK }

// isFastSymlink reports whether the link target is stored in Block rather
// than in a data block.
func (ino *Inode) isFastSymlink() bool {
	return ino.IsSymlink() && ino.Blocks == 0 && ino.Size < fastSymlinkMax
}

func (ino *Inode) ModTime() time.Time { return time.Unix(int64(ino.Mtime), 0) }

// FileMode converts the ext2 mode to an fs.FileMode.
func (ino *Inode) FileMode() fs.FileMode {
	mode := fs.FileMode(ino.Mode & 0777)
	if ino.Mode&0o4000 != 0 {
		mode |= fs.ModeSetuid
	}
	if ino.Mode&0o2000 != 0 {
		mode |= fs.ModeSetgid
	}
	if ino.Mode&0o1000 != 0 {
		mode |= fs.ModeSticky
	}
	switch ino.Mode & S_IFMT {
	case S_IFDIR:
		mode |= fs.ModeDir
	case S_IFLNK:
		mode |= fs.ModeSymlink
	case S_IFBLK:
		mode |= fs.ModeDevice
	case S_IFCHR:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case S_IFIFO:
		mode |= fs.ModeNamedPipe
	case S_IFSOCK:
		mode |= fs.ModeSocket
	}
	return mode
}
