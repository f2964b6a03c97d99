package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/lvdlvd/ext2cat/fsys/ext2"
)

// ErrUnresolved is returned by Resolve when some paths did not resolve.
var ErrUnresolved = errors.New("unresolved paths")

type resolveResult struct {
	ino uint32
	err error
}

// Resolve looks up paths in img with up to workers lookups in flight and
// prints "PATH<TAB>INODE" for each, in input order. Paths that do not
// resolve are reported on errOut. Lookup failures caused by image
// corruption stop the remaining lookups.
func Resolve(ctx context.Context, img *ext2.Image, paths []string, workers int, out, errOut io.Writer) error {
	results := make([]resolveResult, len(paths))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(workers, 1))
	slog.Debug("resolving paths", "count", len(paths), "workers", workers)

	for i, p := range paths {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ino, err := img.Resolve(p)
			if errors.Is(err, ext2.ErrCorruptImage) || errors.Is(err, ext2.ErrUnsupported) {
				return err
			}
			results[i] = resolveResult{ino: ino, err: err}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	failed := 0
	for i, p := range paths {
		if err := results[i].err; err != nil {
			failed++
			fmt.Fprintf(errOut, "%s: %v\n", p, err)
			continue
		}
		fmt.Fprintf(out, "%s\t%d\n", p, results[i].ino)
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrUnresolved, failed, len(paths))
	}
	return nil
}
