//go:build !unix

package imagefile

import (
	"fmt"
	"io"
	"os"
)

// mapFile reads f into memory where mmap is not available.
func mapFile(f *os.File, size int64) ([]byte, func() error, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, nil, fmt.Errorf("reading image: %w", err)
	}
	return data, func() error { return nil }, nil
}
