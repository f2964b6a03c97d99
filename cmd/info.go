package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/lvdlvd/ext2cat/detect"
	"github.com/lvdlvd/ext2cat/fsys"
	"github.com/lvdlvd/ext2cat/fsys/ext2"
)

// ImageInfo summarizes an image and its superblock.
type ImageInfo struct {
	Type        string    `yaml:"type"`
	Compression string    `yaml:"compression,omitempty"`
	Size        int64     `yaml:"size"`
	BlockSize   uint32    `yaml:"blockSize"`
	Blocks      uint32    `yaml:"blocks"`
	FreeBlocks  uint32    `yaml:"freeBlocks"`
	FreeBytes   int64     `yaml:"freeBytes"`
	FreeRanges  int       `yaml:"freeRanges"`
	Inodes      uint32    `yaml:"inodes"`
	FreeInodes  uint32    `yaml:"freeInodes"`
	InodeSize   uint16    `yaml:"inodeSize"`
	Groups      uint32    `yaml:"groups"`
	Revision    uint32    `yaml:"revision"`
	Journal     bool      `yaml:"journal"`
	VolumeName  string    `yaml:"volumeName,omitempty"`
	UUID        string    `yaml:"uuid"`
	LastMounted string    `yaml:"lastMounted,omitempty"`
	WriteTime   time.Time `yaml:"writeTime"`
}

// NewImageInfo collects the summary of img. typ is the detected type of
// the decompressed image and compression the wrapper it was stored in, if
// any. Free space is taken from the block bitmap, not the superblock
// counters.
func NewImageInfo(img *ext2.Image, typ, compression detect.Type) (*ImageInfo, error) {
	free, err := img.FreeBlocks()
	if err != nil {
		return nil, fmt.Errorf("reading block bitmap: %w", err)
	}

	sb := img.Superblock()
	info := &ImageInfo{
		Type:        typ.String(),
		Size:        img.Size(),
		BlockSize:   img.BlockSize(),
		Blocks:      sb.BlocksCount,
		FreeBlocks:  sb.FreeBlocksCount,
		FreeBytes:   fsys.TotalSize(free),
		FreeRanges:  len(free),
		Inodes:      sb.InodesCount,
		FreeInodes:  sb.FreeInodesCount,
		InodeSize:   sb.InodeSize,
		Groups:      sb.GroupCount(),
		Revision:    sb.RevLevel,
		Journal:     sb.HasJournal(),
		VolumeName:  sb.VolumeName,
		UUID:        sb.UUID.String(),
		LastMounted: sb.LastMounted,
		WriteTime:   sb.WriteTime().UTC(),
	}
	if compression.IsCompressed() {
		info.Compression = compression.String()
	}
	return info, nil
}

// Info prints the image summary.
func Info(img *ext2.Image, typ, compression detect.Type, out io.Writer, format Format) error {
	info, err := NewImageInfo(img, typ, compression)
	if err != nil {
		return err
	}
	if format == FormatYAML {
		return writeYAML(out, info)
	}

	fmt.Fprintf(out, "Filesystem type: %s\n", info.Type)
	if info.Compression != "" {
		fmt.Fprintf(out, "Compression:     %s\n", info.Compression)
	}
	fmt.Fprintf(out, "Volume name:     %s\n", info.VolumeName)
	fmt.Fprintf(out, "UUID:            %s\n", info.UUID)
	fmt.Fprintf(out, "Revision:        %d\n", info.Revision)
	fmt.Fprintf(out, "Block size:      %d\n", info.BlockSize)
	fmt.Fprintf(out, "Blocks:          %d (%d free)\n", info.Blocks, info.FreeBlocks)
	fmt.Fprintf(out, "Free space:      %d bytes in %d ranges\n", info.FreeBytes, info.FreeRanges)
	fmt.Fprintf(out, "Inodes:          %d (%d free, %d bytes each)\n", info.Inodes, info.FreeInodes, info.InodeSize)
	fmt.Fprintf(out, "Block groups:    %d\n", info.Groups)
	fmt.Fprintf(out, "Journal:         %t\n", info.Journal)
	fmt.Fprintf(out, "Last written:    %s\n", info.WriteTime.Format(time.RFC3339))
	return nil
}
