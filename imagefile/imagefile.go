// Package imagefile loads filesystem images from disk into memory.
//
// Raw images are memory-mapped read-only where the platform allows it.
// zstd and gzip images are decompressed into memory, up to a size limit.
package imagefile

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/lvdlvd/ext2cat/detect"
)

// DefaultMaxSize caps decompressed images when Options.MaxSize is zero.
const DefaultMaxSize = 1 << 30

// ErrTooLarge is returned when an image exceeds Options.MaxSize.
var ErrTooLarge = errors.New("image too large")

// Options controls how images are loaded.
type Options struct {
	// MaxSize is the largest image, after decompression, that Open accepts.
	MaxSize int64
}

func (o Options) maxSize() int64 {
	if o.MaxSize <= 0 {
		return DefaultMaxSize
	}
	return o.MaxSize
}

// Image is an image held in memory.
type Image struct {
	data        []byte
	compression detect.Type
	release     func() error
}

// Open loads the image at path. The caller must Close it when done with
// the bytes.
func Open(path string, opts Options) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%s: empty image", path)
	}

	// Files too small to classify are loaded raw; ext2.Open rejects them.
	typ, err := detect.Detect(f)
	if err != nil && !errors.Is(err, detect.ErrTooSmall) {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if typ.IsCompressed() {
		data, err := decompress(f, typ, opts.maxSize())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return &Image{data: data, compression: typ, release: func() error { return nil }}, nil
	}

	if info.Size() > opts.maxSize() {
		return nil, fmt.Errorf("%s: %w: %d bytes", path, ErrTooLarge, info.Size())
	}
	data, release, err := mapFile(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Image{data: data, compression: detect.Unknown, release: release}, nil
}

// Bytes returns the image contents. They are invalid after Close.
func (i *Image) Bytes() []byte { return i.data }

// Compression returns detect.Zstd or detect.Gzip for compressed images and
// detect.Unknown for raw ones.
func (i *Image) Compression() detect.Type { return i.compression }

// Close releases the image memory.
func (i *Image) Close() error {
	if i.release == nil {
		return nil
	}
	err := i.release()
	i.release, i.data = nil, nil
	return err
}

// Decompress inflates a zstd or gzip stream of the given type, reading at
// most maxSize bytes of output.
func Decompress(r io.Reader, typ detect.Type, maxSize int64) ([]byte, error) {
	return decompress(r, typ, maxSize)
}

func decompress(r io.Reader, typ detect.Type, maxSize int64) ([]byte, error) {
	var src io.Reader
	switch typ {
	case detect.Zstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderMaxMemory(uint64(maxSize)))
		if err != nil {
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		defer dec.Close()
		src = dec
	case detect.Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		defer zr.Close()
		src = zr
	default:
		return nil, fmt.Errorf("%s is not a compression format", typ)
	}

	data, err := io.ReadAll(io.LimitReader(src, maxSize+1))
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
		return nil, fmt.Errorf("%w: %v", ErrTooLarge, err)
	}
	if err != nil {
		return nil, fmt.Errorf("decompressing %s image: %w", typ, err)
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: more than %d bytes after decompression", ErrTooLarge, maxSize)
	}
	return data, nil
}
