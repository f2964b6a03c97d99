package cmd

import (
	_ "crypto/sha256"
	"fmt"
	"io"
	"io/fs"

	"github.com/opencontainers/go-digest"

	"github.com/lvdlvd/ext2cat/fsys"
)

// Digest prints the sha256 digest of each file, in the form
// "sha256:<hex>  PATH".
func Digest(filesystem fsys.FS, paths []string, out io.Writer) error {
	for _, p := range paths {
		d, err := FileDigest(filesystem, p)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s  %s\n", d, p)
	}
	return nil
}

// FileDigest returns the canonical digest of the contents of name.
func FileDigest(filesystem fsys.FS, name string) (digest.Digest, error) {
	name = normalizePath(name)

	info, err := fs.Stat(filesystem, name)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s: is a directory", name)
	}

	r, closeFn, err := openReaderAt(filesystem, name, info.Size())
	if err != nil {
		return "", err
	}
	defer closeFn()

	d, err := digest.FromReader(io.NewSectionReader(r, 0, info.Size()))
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}
