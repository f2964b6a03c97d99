// Package cmd implements the ext2cat commands.
package cmd

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"strings"

	"github.com/lvdlvd/ext2cat/fsys"
)

// LsOptions controls ls behavior
type LsOptions struct {
	Long bool // Long format (-l)
	All  bool // Show entries starting with a dot (-a)
}

// Ls lists the contents of a path in the filesystem.
// If the path is a file, it shows file information.
// If the path is a directory, it lists its contents.
func Ls(filesystem fsys.FS, fsPath string, out io.Writer, opts LsOptions) error {
	fsPath = normalizePath(fsPath)

	info, err := fs.Stat(filesystem, fsPath)
	if err != nil {
		return err
	}

	if info.IsDir() {
		return listDirectory(filesystem, fsPath, out, opts)
	}

	if opts.Long {
		printLongFormat(filesystem, fsPath, info, out)
	} else {
		fmt.Fprintln(out, info.Name())
	}
	return nil
}

// normalizePath turns a user path, rooted or not, into an io/fs name.
func normalizePath(p string) string {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" {
		return "."
	}
	return p
}

func listDirectory(filesystem fsys.FS, dirPath string, out io.Writer, opts LsOptions) error {
	entries, err := fs.ReadDir(filesystem, dirPath)
	if err != nil {
		return err
	}
	slog.Debug("listing directory", "path", dirPath, "entries", len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if !opts.All && strings.HasPrefix(name, ".") {
			continue
		}

		if !opts.Long {
			if entry.IsDir() {
				name += "/"
			}
			fmt.Fprintln(out, name)
			continue
		}

		info, err := entry.Info()
		if err != nil {
			slog.Debug("reading entry info", "name", name, "err", err)
			fmt.Fprintf(out, "%8s %-10s %12s %s %s\n", "?", "?????????", "?", "????????????", name)
			continue
		}
		printLongFormat(filesystem, path.Join(dirPath, name), info, out)
	}

	return nil
}

func printLongFormat(filesystem fsys.FS, name string, info fs.FileInfo, out io.Writer) {
	var inode string
	if fi, ok := info.(fsys.FileInfo); ok {
		inode = fmt.Sprintf("%8d ", fi.Inode())
	}

	line := fmt.Sprintf("%s%s %12d %s %s", inode, info.Mode(), info.Size(), info.ModTime().UTC().Format("Jan _2 15:04"), info.Name())
	if info.Mode()&fs.ModeSymlink != 0 {
		if target, err := fs.ReadLink(filesystem, name); err == nil {
			line += " -> " + target
		}
	}
	fmt.Fprintln(out, line)
}
