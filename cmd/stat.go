package cmd

import (
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/lvdlvd/ext2cat/fsys"
	"github.com/lvdlvd/ext2cat/fsys/ext2"
)

// StatInfo is the stat report for one file.
type StatInfo struct {
	Name    string    `yaml:"name"`
	Inode   uint64    `yaml:"inode,omitempty"`
	Mode    string    `yaml:"mode"`
	Size    int64     `yaml:"size"`
	Links   uint16    `yaml:"links,omitempty"`
	UID     uint16    `yaml:"uid"`
	GID     uint16    `yaml:"gid"`
	Blocks  uint32    `yaml:"blocks,omitempty"`
	ModTime time.Time `yaml:"modTime"`
	Target  string    `yaml:"target,omitempty"`
}

// NewStatInfo collects the stat report for name.
func NewStatInfo(filesystem fsys.FS, name string) (*StatInfo, error) {
	name = normalizePath(name)

	info, err := fs.Stat(filesystem, name)
	if err != nil {
		return nil, err
	}

	st := &StatInfo{
		Name:    info.Name(),
		Mode:    info.Mode().String(),
		Size:    info.Size(),
		ModTime: info.ModTime().UTC(),
	}
	if fi, ok := info.(fsys.FileInfo); ok {
		st.Inode = fi.Inode()
	}
	if ino, ok := info.Sys().(*ext2.Inode); ok {
		st.Links = ino.LinksCount
		st.UID = ino.UID
		st.GID = ino.GID
		st.Blocks = ino.Blocks
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		if st.Target, err = fs.ReadLink(filesystem, name); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// Stat shows detailed information about a file or directory.
func Stat(filesystem fsys.FS, fsPath string, out io.Writer, format Format) error {
	st, err := NewStatInfo(filesystem, fsPath)
	if err != nil {
		return err
	}

	if format == FormatYAML {
		return writeYAML(out, st)
	}

	fmt.Fprintf(out, "   File: %s", st.Name)
	if st.Target != "" {
		fmt.Fprintf(out, " -> %s", st.Target)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "   Size: %d\tBlocks: %d\n", st.Size, st.Blocks)
	fmt.Fprintf(out, "  Inode: %d\tLinks: %d\n", st.Inode, st.Links)
	fmt.Fprintf(out, "   Mode: %s\tUid: %d\tGid: %d\n", st.Mode, st.UID, st.GID)
	fmt.Fprintf(out, "ModTime: %s\n", st.ModTime.Format(time.RFC3339))
	return nil
}
