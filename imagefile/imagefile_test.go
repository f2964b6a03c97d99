package imagefile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/ext2cat/detect"
	"github.com/lvdlvd/ext2cat/fsys/ext2"
	"github.com/lvdlvd/ext2cat/fsys/ext2/mkfs"
)

func buildImage(t *testing.T) []byte {
	t.Helper()
	data, err := mkfs.Parse([]byte("-- /hello.txt --\nhello\n-- /dir/inner --\ninner\n"), mkfs.Options{})
	require.NoError(t, err)
	return data
}

func zstdCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderConcurrency(1))
	require.NoError(t, err)
	_, err = enc.Write(data)
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	return buf.Bytes()
}

func gzipCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestOpen(t *testing.T) {
	raw := buildImage(t)

	tests := []struct {
		name        string
		data        []byte
		compression detect.Type
	}{
		{name: "raw", data: raw, compression: detect.Unknown},
		{name: "zstd", data: zstdCompress(t, raw), compression: detect.Zstd},
		{name: "gzip", data: gzipCompress(t, raw), compression: detect.Gzip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Open(writeFile(t, "disk.img", tt.data), Options{})
			require.NoError(t, err)
			defer img.Close()

			assert.Equal(t, tt.compression, img.Compression())
			assert.True(t, bytes.Equal(raw, img.Bytes()), "image bytes differ")

			e2, err := ext2.Open(img.Bytes())
			require.NoError(t, err)
			got, err := e2.Resolve("/dir/inner")
			require.NoError(t, err)
			assert.NotZero(t, got)
		})
	}
}

func TestOpenTooLarge(t *testing.T) {
	raw := buildImage(t)
	limit := Options{MaxSize: int64(len(raw)) - 1}

	_, err := Open(writeFile(t, "raw.img", raw), limit)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = Open(writeFile(t, "img.zst", zstdCompress(t, raw)), limit)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = Open(writeFile(t, "img.gz", gzipCompress(t, raw)), limit)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.img"), Options{})
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Open(writeFile(t, "empty.img", nil), Options{})
	assert.Error(t, err)

	// Too small to classify: loaded raw.
	img, err := Open(writeFile(t, "tiny.img", []byte("tiny")), Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny"), img.Bytes())
	require.NoError(t, img.Close())
	assert.Nil(t, img.Bytes())
	assert.NoError(t, img.Close())

	_, err = Open(writeFile(t, "bad.gz", []byte{0x1F, 0x8B, 0x00, 0x00}), Options{})
	assert.Error(t, err)
}

func TestDecompress(t *testing.T) {
	raw := buildImage(t)

	got, err := Decompress(bytes.NewReader(zstdCompress(t, raw)), detect.Zstd, DefaultMaxSize)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(raw, got))

	_, err = Decompress(bytes.NewReader(raw), detect.Ext2, DefaultMaxSize)
	assert.Error(t, err)
}
