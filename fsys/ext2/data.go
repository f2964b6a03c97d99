package ext2

import (
	"encoding/binary"
	"fmt"

	"github.com/lvdlvd/ext2cat/fsys"
)

// Extents maps the data of ino to byte ranges of the image, following the
// direct and the single, double and triple indirect block pointers. Holes
// (zero pointers) are left out of the result. Every block is bounds
// checked before it is used.
//
// A size beyond what the block pointers can address, or a pointer tree that
// maps more blocks than the image holds, is reported as ErrCorruptImage.
func (img *Image) Extents(ino Inode) ([]fsys.Extent, error) {
	if ino.isFastSymlink() {
		return nil, nil
	}

	bs := int64(img.blockSize)
	p := bs / 4
	maxBlocks := NDirect + p + p*p + p*p*p
	if ino.Size > uint64(maxBlocks*bs) {
		return nil, fmt.Errorf("%w: file size %d exceeds the %d addressable blocks", ErrCorruptImage, ino.Size, maxBlocks)
	}

	w := extentWalker{
		img:       img,
		blockSize: bs,
		remaining: int64(ino.Size),
		maxMapped: img.Size() / bs,
	}
	w.blocksLeft = (w.remaining + w.blockSize - 1) / w.blockSize

	for i := 0; i < NDirect && w.blocksLeft > 0; i++ {
		if err := w.add(ino.Block[i]); err != nil {
			return nil, err
		}
	}
	for level, idx := range []int{IndBlock, DIndBlock, TIndBlock} {
		if w.blocksLeft <= 0 {
			break
		}
		if err := w.walk(ino.Block[idx], level+1); err != nil {
			return nil, err
		}
	}

	if w.cur != nil {
		w.extents = append(w.extents, *w.cur)
	}
	return w.extents, nil
}

type extentWalker struct {
	img        *Image
	blockSize  int64
	remaining  int64 // bytes of file data not yet mapped
	blocksLeft int64 // logical blocks not yet visited, holes included
	logical    int64
	mapped     int64 // data and indirect blocks read so far
	maxMapped  int64
	cur        *fsys.Extent
	extents    []fsys.Extent
}

// use counts one more block referenced by the pointer tree.
func (w *extentWalker) use() error {
	w.mapped++
	if w.mapped > w.maxMapped {
		return fmt.Errorf("%w: block pointers map more than the %d blocks in the image", ErrCorruptImage, w.maxMapped)
	}
	return nil
}

// add maps the next logical block to physical block num; 0 is a hole.
func (w *extentWalker) add(num uint32) error {
	if w.blocksLeft <= 0 {
		return nil
	}
	if num == 0 {
		w.advance(1)
		return nil
	}
	if err := w.use(); err != nil {
		return err
	}
	phys, err := w.img.BlockOffset(num)
	if err != nil {
		return fmt.Errorf("data block: %w", err)
	}

	length := min(w.blockSize, w.remaining)
	switch {
	case w.cur != nil && w.cur.Physical+w.cur.Length == phys && w.cur.Logical+w.cur.Length == w.logical:
		w.cur.Length += length
	default:
		if w.cur != nil {
			w.extents = append(w.extents, *w.cur)
		}
		w.cur = &fsys.Extent{Logical: w.logical, Physical: phys, Length: length}
	}
	w.advance(1)
	return nil
}

// advance moves past n logical blocks.
func (w *extentWalker) advance(n int64) {
	n = min(n, w.blocksLeft)
	length := min(n*w.blockSize, w.remaining)
	w.blocksLeft -= n
	w.logical += length
	w.remaining -= length
}

// walk visits the pointers of an indirect block at the given depth.
func (w *extentWalker) walk(num uint32, level int) error {
	if num == 0 {
		w.skip(level)
		return nil
	}
	if err := w.use(); err != nil {
		return err
	}
	data, err := w.img.Block(num)
	if err != nil {
		return fmt.Errorf("indirect block: %w", err)
	}

	for i := 0; i+4 <= len(data) && w.blocksLeft > 0; i += 4 {
		ptr := binary.LittleEndian.Uint32(data[i : i+4])
		if level == 1 {
			if err := w.add(ptr); err != nil {
				return err
			}
			continue
		}
		if err := w.walk(ptr, level-1); err != nil {
			return err
		}
	}
	return nil
}

// skip moves past the logical blocks covered by a missing indirect block
// of the given depth.
func (w *extentWalker) skip(level int) {
	n := int64(1)
	for i := 0; i < level; i++ {
		n *= w.blockSize / 4
	}
	w.advance(n)
}

// ReadLink returns the target of the symbolic link ino.
func (img *Image) ReadLink(ino Inode) (string, error) {
	if !ino.IsSymlink() {
		return "", fmt.Errorf("%w: not a symbolic link", ErrInvalidInode)
	}

	if ino.isFastSymlink() {
		var buf [fastSymlinkMax]byte
		for i, b := range ino.Block {
			binary.LittleEndian.PutUint32(buf[i*4:], b)
		}
		return string(buf[:ino.Size]), nil
	}

	if ino.Size > uint64(img.blockSize) {
		return "", fmt.Errorf("%w: symlink target of %d bytes", ErrCorruptImage, ino.Size)
	}
	block, err := img.Block(ino.Block[0])
	if err != nil {
		return "", fmt.Errorf("symlink block: %w", err)
	}
	return string(block[:ino.Size]), nil
}

// FreeBlocks returns the free byte ranges of the first block group, read
// from its block bitmap. Ranges are ascending and adjacent ones are merged.
func (img *Image) FreeBlocks() ([]fsys.Range, error) {
	bgd, err := img.GroupDescriptor(0)
	if err != nil {
		return nil, err
	}

	bitmap, err := img.Block(bgd.BlockBitmap)
	if err != nil {
		return nil, fmt.Errorf("block bitmap: %w", err)
	}

	blockSize := int64(img.blockSize)
	first := uint64(img.sb.FirstDataBlock)
	count := uint64(img.sb.BlocksPerGroup)
	if total := uint64(img.sb.BlocksCount); total > first && total-first < count {
		count = total - first
	}

	var ranges []fsys.Range
	inFree := false
	var start int64
	for i := uint64(0); i < count && i/8 < uint64(len(bitmap)); i++ {
		free := bitmap[i/8]&(1<<(i%8)) == 0
		off := int64(first+i) * blockSize
		switch {
		case free && !inFree:
			start, inFree = off, true
		case !free && inFree:
			ranges = append(ranges, fsys.Range{Start: start, End: off})
			inFree = false
		}
	}
	if inFree {
		ranges = append(ranges, fsys.Range{Start: start, End: int64(first+count) * blockSize})
	}
	return ranges, nil
}
