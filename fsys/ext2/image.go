// Package ext2 resolves paths inside an in-memory ext2 filesystem image.
//
// The image is a read-only byte slice. Every structure is decoded from fixed
// offsets into owned values and every derived offset is checked against the
// slice bounds, so a corrupt image yields an error rather than a panic.
//
// Only the first block group is supported, and directories are read from
// their first data block only.
package ext2

import (
	"encoding/binary"
	"fmt"
)

const (
	// RootIno is the inode number of the root directory.
	RootIno = 2

	// GroupDescSize is the on-disk size of a block group descriptor.
	GroupDescSize = 32
)

// Image is a read-only view of an ext2 filesystem image. It never modifies
// the underlying slice and is safe for concurrent use as long as the owner
// of the slice does not modify it either.
type Image struct {
	data      []byte
	sb        Superblock
	blockSize uint32
}

// Open decodes and validates the superblock of data.
func Open(data []byte) (*Image, error) {
	raw, err := span(data, "superblock", SuperblockOffset, SuperblockSize)
	if err != nil {
		return nil, fmt.Errorf("reading superblock: %w", err)
	}

	sb := decodeSuperblock(raw)
	if err := sb.validate(); err != nil {
		return nil, fmt.Errorf("decoding superblock: %w", err)
	}

	return &Image{data: data, sb: sb, blockSize: sb.BlockSize()}, nil
}

// Bytes returns the underlying image. Callers must not modify it.
func (img *Image) Bytes() []byte { return img.data }

// Size returns the image size in bytes.
func (img *Image) Size() int64 { return int64(len(img.data)) }

// Superblock returns the decoded primary superblock.
func (img *Image) Superblock() Superblock { return img.sb }

// BlockSize returns the filesystem block size in bytes.
func (img *Image) BlockSize() uint32 { return img.blockSize }

// BlockOffset returns the byte offset of block. Block 0 starts at the
// beginning of the image. The whole block must lie inside the image.
func (img *Image) BlockOffset(block uint32) (int64, error) {
	off := int64(block) * int64(img.blockSize)
	if _, err := span(img.data, fmt.Sprintf("block %d", block), off, int64(img.blockSize)); err != nil {
		return 0, err
	}
	return off, nil
}

// Block returns the contents of block as a sub-slice of the image.
func (img *Image) Block(block uint32) ([]byte, error) {
	return span(img.data, fmt.Sprintf("block %d", block), int64(block)*int64(img.blockSize), int64(img.blockSize))
}

// GroupDescriptor returns the descriptor of the given block group. The
// descriptor table starts in the first block after the superblock; only
// group 0 is supported.
func (img *Image) GroupDescriptor(group uint32) (GroupDescriptor, error) {
	if group != 0 {
		return GroupDescriptor{}, fmt.Errorf("block group %d: %w: only one block group is supported", group, ErrUnsupported)
	}

	// For blocks larger than 1 KiB this is byte bs, not the fixed byte 2048
	// right after the superblock: the table is block aligned, as mke2fs
	// writes it.
	bs := int64(img.blockSize)
	tableBlock := (SuperblockOffset + SuperblockSize + bs - 1) / bs
	data, err := span(img.data, "block group descriptor", tableBlock*bs, GroupDescSize)
	if err != nil {
		return GroupDescriptor{}, err
	}

	return GroupDescriptor{
		BlockBitmap:     binary.LittleEndian.Uint32(data[0x00:0x04]),
		InodeBitmap:     binary.LittleEndian.Uint32(data[0x04:0x08]),
		InodeTable:      binary.LittleEndian.Uint32(data[0x08:0x0C]),
		FreeBlocksCount: binary.LittleEndian.Uint16(data[0x0C:0x0E]),
		FreeInodesCount: binary.LittleEndian.Uint16(data[0x0E:0x10]),
		UsedDirsCount:   binary.LittleEndian.Uint16(data[0x10:0x12]),
	}, nil
}

// GroupDescriptor holds the decoded fields of a block group descriptor.
type GroupDescriptor struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
}

// Inode returns inode num from the inode table of the first block group.
// Inode numbers are 1-based.
func (img *Image) Inode(num uint32) (Inode, error) {
	if num == 0 || num > img.sb.InodesCount {
		return Inode{}, fmt.Errorf("inode %d: %w", num, ErrInvalidInode)
	}
	if num > img.sb.InodesPerGroup {
		return Inode{}, fmt.Errorf("inode %d: %w: inode is outside the first block group", num, ErrUnsupported)
	}

	bgd, err := img.GroupDescriptor(0)
	if err != nil {
		return Inode{}, err
	}

	table, err := img.BlockOffset(bgd.InodeTable)
	if err != nil {
		return Inode{}, fmt.Errorf("inode table: %w", err)
	}

	size := int64(img.sb.InodeSize)
	data, err := span(img.data, fmt.Sprintf("inode %d", num), table+int64(num-1)*size, size)
	if err != nil {
		return Inode{}, err
	}
	return decodeInode(data), nil
}

// RootDirectory returns the root directory inode.
func (img *Image) RootDirectory() (Inode, error) {
	return img.Inode(RootIno)
}
