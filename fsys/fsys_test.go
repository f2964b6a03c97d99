package fsys

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseImage(n int) *bytes.Reader {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return bytes.NewReader(data)
}

func TestExtentReaderAt(t *testing.T) {
	base := baseImage(4096)

	// Logical [0,100) -> physical [1000,1100), hole at [100,150),
	// logical [150,250) -> physical [3000,3100). Given out of order.
	extents := []Extent{
		{Logical: 150, Physical: 3000, Length: 100},
		{Logical: 0, Physical: 1000, Length: 100},
	}
	r := NewExtentReaderAt(base, extents, 260)

	want := make([]byte, 260)
	for i := 0; i < 100; i++ {
		want[i] = byte((1000 + i) % 251)
	}
	for i := 0; i < 100; i++ {
		want[150+i] = byte((3000 + i) % 251)
	}

	tests := []struct {
		name    string
		off     int64
		n       int
		wantErr error
	}{
		{name: "first extent", off: 0, n: 50},
		{name: "across hole", off: 90, n: 80},
		{name: "inside hole", off: 110, n: 20},
		{name: "whole file", off: 0, n: 260},
		{name: "tail past last extent", off: 240, n: 20},
		{name: "short read at end", off: 200, n: 100, wantErr: io.EOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := bytes.Repeat([]byte{0xFF}, tt.n)
			n, err := r.ReadAt(buf, tt.off)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			end := min(tt.off+int64(tt.n), 260)
			assert.Equal(t, int(end-tt.off), n)
			assert.Equal(t, want[tt.off:end], buf[:n])
		})
	}
}

func TestExtentReaderAtBounds(t *testing.T) {
	r := NewExtentReaderAt(baseImage(100), []Extent{{Logical: 0, Physical: 0, Length: 10}}, 10)

	_, err := r.ReadAt(make([]byte, 1), -1)
	assert.Error(t, err)

	n, err := r.ReadAt(make([]byte, 1), 10)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, int64(10), r.Size())
	assert.Len(t, r.Extents(), 1)
}

func TestExtentReaderAtTruncatedBase(t *testing.T) {
	// The extent claims data past the end of the base reader.
	r := NewExtentReaderAt(baseImage(50), []Extent{{Logical: 0, Physical: 40, Length: 20}}, 20)

	buf := make([]byte, 20)
	n, err := r.ReadAt(buf, 0)
	assert.Equal(t, 10, n)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSectionReaderOverExtents(t *testing.T) {
	r := NewExtentReaderAt(baseImage(200), []Extent{
		{Logical: 0, Physical: 10, Length: 5},
		{Logical: 5, Physical: 100, Length: 5},
	}, 10)

	got, err := io.ReadAll(io.NewSectionReader(r, 0, r.Size()))
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 11, 12, 13, 14, 100, 101, 102, 103, 104}, got)
}

func TestTotalSize(t *testing.T) {
	assert.Equal(t, int64(0), TotalSize(nil))
	assert.Equal(t, int64(30), TotalSize([]Range{{Start: 0, End: 10}, {Start: 100, End: 120}}))
}
