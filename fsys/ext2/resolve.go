package ext2

import (
	"fmt"
	"strings"
)

// Resolve returns the inode number of the file or directory at path.
//
// The walk starts at the root directory and looks up one component at a
// time. It stops with ErrNotFound at the first missing component and with
// ErrNotADirectory when a component other than the last one is not a
// directory. The type of the final component is not checked.
func (img *Image) Resolve(path string) (uint32, error) {
	num, _, err := img.resolve(path, false)
	return num, err
}

// ResolveInode is like Resolve but also returns the decoded inode.
func (img *Image) ResolveInode(path string) (uint32, Inode, error) {
	return img.resolve(path, true)
}

func (img *Image) resolve(path string, loadLast bool) (uint32, Inode, error) {
	parts, err := SplitPath(path)
	if err != nil {
		return 0, Inode{}, err
	}

	if len(parts) == 0 && !loadLast {
		return RootIno, Inode{}, nil
	}

	cur, err := img.RootDirectory()
	if err != nil {
		return 0, Inode{}, fmt.Errorf("root directory: %w", err)
	}

	num := uint32(RootIno)
	for i, part := range parts {
		if i > 0 && cur.Mode&S_IFMT != 0 && !cur.IsDir() {
			return 0, Inode{}, fmt.Errorf("resolving %s: /%s: %w", path, strings.Join(parts[:i], "/"), ErrNotADirectory)
		}

		num, err = img.Lookup(cur, part)
		if err != nil {
			return 0, Inode{}, fmt.Errorf("resolving %s: %w", path, err)
		}

		if i == len(parts)-1 && !loadLast {
			break
		}
		cur, err = img.Inode(num)
		if err != nil {
			return 0, Inode{}, fmt.Errorf("resolving %s: %w", path, err)
		}
	}
	return num, cur, nil
}
