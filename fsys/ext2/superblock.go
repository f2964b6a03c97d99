package ext2

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	SuperblockOffset = 1024
	SuperblockSize   = 1024
	Magic            = 0xEF53

	// RevGoodOld images have fixed 128-byte inodes and no feature flags.
	RevGoodOld = 0
	RevDynamic = 1

	DefaultInodeSize = 128

	// maxLogBlockSize caps the block size at 64 KiB.
	maxLogBlockSize = 6

	FeatureCompatHasJournal = 0x0004
	FeatureIncompatFiletype = 0x0002
	FeatureIncompatExtents  = 0x0040
	FeatureIncompat64Bit    = 0x0080

	// supportedIncompat lists the incompat features whose on-disk layout
	// this reader understands.
	supportedIncompat = FeatureIncompatFiletype
)

// Superblock holds the decoded fields of the primary superblock.
type Superblock struct {
	InodesCount     uint32
	BlocksCount     uint32
	FreeBlocksCount uint32
	FreeInodesCount uint32
	FirstDataBlock  uint32
	LogBlockSize    uint32
	BlocksPerGroup  uint32
	InodesPerGroup  uint32
	Mtime           uint32
	Wtime           uint32
	Magic           uint16
	State           uint16
	RevLevel        uint32
	FirstIno        uint32
	InodeSize       uint16
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureROCompat uint32
	UUID            uuid.UUID
	VolumeName      string
	LastMounted     string
}

// BlockSize returns 1024 << LogBlockSize.
func (sb *Superblock) BlockSize() uint32 {
	return 1024 << sb.LogBlockSize
}

// GroupCount returns the number of block groups the superblock describes.
func (sb *Superblock) GroupCount() uint32 {
	if sb.BlocksPerGroup == 0 || sb.BlocksCount <= sb.FirstDataBlock {
		return 0
	}
	return (sb.BlocksCount - sb.FirstDataBlock + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup
}

func (sb *Superblock) HasJournal() bool {
	return sb.FeatureCompat&FeatureCompatHasJournal != 0
}

func (sb *Superblock) MountTime() time.Time { return time.Unix(int64(sb.Mtime), 0) }
func (sb *Superblock) WriteTime() time.Time { return time.Unix(int64(sb.Wtime), 0) }

// decodeSuperblock decodes a superblock without validating it.
func decodeSuperblock(data []byte) Superblock {
	sb := Superblock{
		InodesCount:     binary.LittleEndian.Uint32(data[0x00:0x04]),
		BlocksCount:     binary.LittleEndian.Uint32(data[0x04:0x08]),
		FreeBlocksCount: binary.LittleEndian.Uint32(data[0x0C:0x10]),
		FreeInodesCount: binary.LittleEndian.Uint32(data[0x10:0x14]),
		FirstDataBlock:  binary.LittleEndian.Uint32(data[0x14:0x18]),
		LogBlockSize:    binary.LittleEndian.Uint32(data[0x18:0x1C]),
		BlocksPerGroup:  binary.LittleEndian.Uint32(data[0x20:0x24]),
		InodesPerGroup:  binary.LittleEndian.Uint32(data[0x28:0x2C]),
		Mtime:           binary.LittleEndian.Uint32(data[0x2C:0x30]),
		Wtime:           binary.LittleEndian.Uint32(data[0x30:0x34]),
		Magic:           binary.LittleEndian.Uint16(data[0x38:0x3A]),
		State:           binary.LittleEndian.Uint16(data[0x3A:0x3C]),
		RevLevel:        binary.LittleEndian.Uint32(data[0x4C:0x50]),
		FirstIno:        binary.LittleEndian.Uint32(data[0x54:0x58]),
		InodeSize:       binary.LittleEndian.Uint16(data[0x58:0x5A]),
		FeatureCompat:   binary.LittleEndian.Uint32(data[0x5C:0x60]),
		FeatureIncompat: binary.LittleEndian.Uint32(data[0x60:0x64]),
		FeatureROCompat: binary.LittleEndian.Uint32(data[0x64:0x68]),
		VolumeName:      cstring(data[0x78:0x88]),
		LastMounted:     cstring(data[0x88:0xC8]),
	}
	copy(sb.UUID[:], data[0x68:0x78])

	if sb.RevLevel == RevGoodOld {
		sb.InodeSize = DefaultInodeSize
		sb.FirstIno = 11
		sb.FeatureCompat = 0
		sb.FeatureIncompat = 0
		sb.FeatureROCompat = 0
	}
	return sb
}

func (sb *Superblock) validate() error {
	if sb.Magic != Magic {
		return fmt.Errorf("%w: bad magic: wanted %#04x; found %#04x", ErrCorruptImage, Magic, sb.Magic)
	}
	if sb.LogBlockSize > maxLogBlockSize {
		return fmt.Errorf("%w: block size shift %d too large", ErrCorruptImage, sb.LogBlockSize)
	}
	is := uint32(sb.InodeSize)
	if is < DefaultInodeSize || is&(is-1) != 0 || is > sb.BlockSize() {
		return fmt.Errorf("%w: bad inode size %d", ErrCorruptImage, sb.InodeSize)
	}
	if sb.InodesPerGroup == 0 {
		return fmt.Errorf("%w: zero inodes per group", ErrCorruptImage)
	}
	if unknown := sb.FeatureIncompat &^ supportedIncompat; unknown != 0 {
		return fmt.Errorf("%w: incompatible features %#x", ErrUnsupported, unknown)
	}
	return nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
