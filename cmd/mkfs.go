package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/lvdlvd/ext2cat/detect"
	"github.com/lvdlvd/ext2cat/fsys/ext2/mkfs"
)

// CompressionFor picks the output compression from a file name:
// ".zst" for zstd, ".gz" for gzip, raw otherwise.
func CompressionFor(name string) detect.Type {
	switch filepath.Ext(name) {
	case ".zst":
		return detect.Zstd
	case ".gz":
		return detect.Gzip
	default:
		return detect.Unknown
	}
}

// Mkfs builds an image from a txtar tree description and writes it to out,
// compressed if compression is detect.Zstd or detect.Gzip.
func Mkfs(src []byte, out io.Writer, compression detect.Type, opts mkfs.Options) error {
	img, err := mkfs.Parse(src, opts)
	if err != nil {
		return err
	}
	slog.Debug("built image", "size", len(img), "blockSize", opts.BlockSize, "compression", compression)

	var w io.WriteCloser
	switch compression {
	case detect.Zstd:
		enc, err := zstd.NewWriter(out)
		if err != nil {
			return fmt.Errorf("creating zstd encoder: %w", err)
		}
		w = enc
	case detect.Gzip:
		w = gzip.NewWriter(out)
	default:
		_, err := out.Write(img)
		return err
	}

	if _, err := w.Write(img); err != nil {
		w.Close()
		return fmt.Errorf("compressing image: %w", err)
	}
	return w.Close()
}
