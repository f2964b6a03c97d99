package ext2

import (
	"encoding/binary"
	"fmt"
)

const (
	// MaxNameLen is the longest name a directory entry can hold.
	MaxNameLen = 255

	dirEntryHeaderSize = 8
)

// FileType is the type tag stored in a directory entry.
type FileType uint8

const (
	// FileTypeUnknown marks the end of the populated entries in a
	// directory block.
	FileTypeUnknown FileType = iota
	FileTypeRegular
	FileTypeDir
	FileTypeCharDev
	FileTypeBlockDev
	FileTypeFifo
	FileTypeSocket
	FileTypeSymlink
)

func (t FileType) String() string {
	switch t {
	case FileTypeUnknown:
		return "unknown"
	case FileTypeRegular:
		return "regular"
	case FileTypeDir:
		return "dir"
	case FileTypeCharDev:
		return "chardev"
	case FileTypeBlockDev:
		return "blockdev"
	case FileTypeFifo:
		return "fifo"
	case FileTypeSocket:
		return "socket"
	case FileTypeSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("FileType(%d)", uint8(t))
	}
}

// DirEntry is a decoded directory entry.
type DirEntry struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType FileType
	Name     string
}

// Entries calls fn for every live entry in the first data block of dir,
// in on-disk order, until fn returns false. Iteration ends at an entry
// whose file type is FileTypeUnknown or at the end of the block,
// whichever comes first. Entries with inode 0 are unused slots and are
// skipped.
//
// Directories spanning more than one block are not supported; entries
// past the first block are not visited.
func (img *Image) Entries(dir Inode, fn func(DirEntry) bool) error {
	if dir.Block[0] == 0 {
		return nil
	}

	block, err := img.Block(dir.Block[0])
	if err != nil {
		return fmt.Errorf("directory block: %w", err)
	}

	for off := 0; off < len(block); {
		if len(block)-off < dirEntryHeaderSize {
			return fmt.Errorf("%w: truncated directory entry at offset %d", ErrCorruptImage, off)
		}

		e := DirEntry{
			Inode:    binary.LittleEndian.Uint32(block[off : off+4]),
			RecLen:   binary.LittleEndian.Uint16(block[off+4 : off+6]),
			NameLen:  block[off+6],
			FileType: FileType(block[off+7]),
		}
		if e.FileType == FileTypeUnknown {
			return nil
		}

		recLen := int(e.RecLen)
		if recLen < dirEntryHeaderSize || recLen > len(block)-off {
			return fmt.Errorf("%w: directory entry at offset %d has record length %d", ErrCorruptImage, off, recLen)
		}
		if int(e.NameLen) > recLen-dirEntryHeaderSize {
			return fmt.Errorf("%w: directory entry at offset %d has name length %d", ErrCorruptImage, off, e.NameLen)
		}

		if e.Inode != 0 {
			e.Name = string(block[off+dirEntryHeaderSize : off+dirEntryHeaderSize+int(e.NameLen)])
			if !fn(e) {
				return nil
			}
		}
		off += recLen
	}
	return nil
}

// Lookup returns the inode number of the entry called name in dir. The
// name must match exactly, byte for byte and in length.
func (img *Image) Lookup(dir Inode, name string) (uint32, error) {
	var found uint32
	err := img.Entries(dir, func(e DirEntry) bool {
		if e.Name == name {
			found = e.Inode
			return false
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if found == 0 {
		return 0, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return found, nil
}

// ReadDir returns the live entries of dir, including "." and "..".
func (img *Image) ReadDir(dir Inode) ([]DirEntry, error) {
	var entries []DirEntry
	err := img.Entries(dir, func(e DirEntry) bool {
		entries = append(entries, e)
		return true
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
