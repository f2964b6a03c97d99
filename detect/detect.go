// Package detect identifies ext filesystem images and the compression
// wrapped around them.
package detect

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/lvdlvd/ext2cat/fsys/ext2"
)

// Type represents an image type
type Type int

const (
	Unknown Type = iota
	Ext2
	Ext3
	Ext4
	Zstd // zstd-compressed image
	Gzip // gzip-compressed image
)

func (t Type) String() string {
	switch t {
	case Ext2:
		return "ext2"
	case Ext3:
		return "ext3"
	case Ext4:
		return "ext4"
	case Zstd:
		return "zstd"
	case Gzip:
		return "gzip"
	default:
		return "unknown"
	}
}

// IsExt returns true if the type is any ext variant
func (t Type) IsExt() bool {
	return t == Ext2 || t == Ext3 || t == Ext4
}

// IsCompressed returns true if the image has to be decompressed before it
// can be identified further.
func (t Type) IsCompressed() bool {
	return t == Zstd || t == Gzip
}

// ErrTooSmall is returned for data too short to hold a superblock.
var ErrTooSmall = errors.New("image too small")

var (
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
	gzipMagic = []byte{0x1F, 0x8B}
)

// ext4 incompat features; ext2.FeatureIncompatExtents and 64Bit are the
// other two.
const featureIncompatFlexBG = 0x0200

// Detect identifies the image type from a reader.
// It reads the necessary header bytes to identify the image.
func Detect(r io.ReaderAt) (Type, error) {
	header := make([]byte, 4096)
	n, err := r.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return Unknown, fmt.Errorf("reading header: %w", err)
	}
	return DetectBytes(header[:n])
}

// DetectBytes is Detect for an image prefix already in memory.
func DetectBytes(header []byte) (Type, error) {
	switch {
	case bytes.HasPrefix(header, zstdMagic):
		return Zstd, nil
	case bytes.HasPrefix(header, gzipMagic):
		return Gzip, nil
	}

	// The superblock starts at byte 1024; s_magic is at offset 0x38.
	const magicOff = ext2.SuperblockOffset + 0x38
	if len(header) < magicOff+2 {
		return Unknown, fmt.Errorf("%w: %d bytes", ErrTooSmall, len(header))
	}
	if binary.LittleEndian.Uint16(header[magicOff:]) == ext2.Magic {
		return detectExtVersion(header[ext2.SuperblockOffset:]), nil
	}
	return Unknown, nil
}

// detectExtVersion distinguishes between ext2, ext3, and ext4
// superblock is the data starting at byte 1024 of the image
func detectExtVersion(superblock []byte) Type {
	if len(superblock) < 0x68 {
		return Ext2
	}

	featureCompat := binary.LittleEndian.Uint32(superblock[0x5C:0x60])
	featureIncompat := binary.LittleEndian.Uint32(superblock[0x60:0x64])

	ext4Features := uint32(ext2.FeatureIncompat64Bit | ext2.FeatureIncompatExtents | featureIncompatFlexBG)
	if featureIncompat&ext4Features != 0 {
		return Ext4
	}
	if featureCompat&ext2.FeatureCompatHasJournal != 0 {
		return Ext3
	}
	return Ext2
}
