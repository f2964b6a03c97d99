// Package mkfs lays out small single-group ext2 images from a txtar tree
// description.
//
// Each txtar file header is a path followed by optional key=value
// attributes, in the style of
//
//	-- /etc/passwd mode=0100644 uid=0 --
//	root:x:0:0::/root:/bin/sh
//	-- /tmp/ mode=041777 --
//	-- /bin/sh symlink=busybox --
//	-- /bin/ash link=/bin/busybox --
//	-- /foo.txt ino=12 --
//
// A trailing slash (or a directory mode) makes a directory; parents are
// created implicitly with mode 040755. symlink= makes a symbolic link,
// link= a hard link to an earlier entry, and ino= pins the inode number.
// Modes, ids and times are parsed with strconv base 0, so octal needs a
// leading 0.
package mkfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/tools/txtar"

	"github.com/lvdlvd/ext2cat/fsys/ext2"
)

// Options controls the image layout. Zero values pick defaults.
type Options struct {
	// BlockSize is 1024, 2048 or 4096. Default 1024.
	BlockSize uint32

	// Inodes is the minimum size of the inode table. Default: enough for
	// the tree plus 16 spare, at least 32.
	Inodes uint32

	// SpareBlocks are left free after the data. Default 16.
	SpareBlocks uint32

	VolumeName string
	UUID       uuid.UUID

	// Time stamps the superblock and every inode without an mtime=.
	Time time.Time
}

const (
	firstIno     = 11
	inodeSize    = 128
	dirEntryHead = 8
)

type node struct {
	name    string
	mode    uint16
	uid     uint16
	gid     uint16
	mtime   uint32
	ino     uint32
	links   uint16
	data    []byte
	target  string
	parent  *node
	entries []dirent
	blocks  []uint32 // data blocks, in file order
	meta    []uint32 // indirect blocks
	iblock  [ext2.NBlocks]uint32
}

type dirent struct {
	name string
	n    *node
}

func (n *node) isDir() bool { return n.mode&ext2.S_IFMT == ext2.S_IFDIR }

func (n *node) fileType() ext2.FileType {
	switch n.mode & ext2.S_IFMT {
	case ext2.S_IFDIR:
		return ext2.FileTypeDir
	case ext2.S_IFLNK:
		return ext2.FileTypeSymlink
	case ext2.S_IFCHR:
		return ext2.FileTypeCharDev
	case ext2.S_IFBLK:
		return ext2.FileTypeBlockDev
	case ext2.S_IFIFO:
		return ext2.FileTypeFifo
	case ext2.S_IFSOCK:
		return ext2.FileTypeSocket
	default:
		return ext2.FileTypeRegular
	}
}

// Parse builds an image from txtar source.
func Parse(src []byte, opts Options) ([]byte, error) {
	return Build(txtar.Parse(src), opts)
}

// Build lays out an image holding the files of ar.
func Build(ar *txtar.Archive, opts Options) ([]byte, error) {
	if opts.BlockSize == 0 {
		opts.BlockSize = 1024
	}
	switch opts.BlockSize {
	case 1024, 2048, 4096:
	default:
		return nil, fmt.Errorf("mkfs: unsupported block size %d", opts.BlockSize)
	}
	if opts.SpareBlocks == 0 {
		opts.SpareBlocks = 16
	}
	if opts.Time.IsZero() {
		opts.Time = time.Unix(0, 0)
	}

	b := &builder{opts: opts, bs: opts.BlockSize, byPath: map[string]*node{}, byIno: map[uint32]*node{}}
	b.root = &node{name: "/", mode: ext2.S_IFDIR | 0755, ino: ext2.RootIno, mtime: uint32(opts.Time.Unix())}
	b.root.parent = b.root
	b.byPath["/"] = b.root
	b.byIno[ext2.RootIno] = b.root
	b.order = []*node{b.root}

	for _, f := range ar.Files {
		if err := b.add(f); err != nil {
			return nil, fmt.Errorf("mkfs: %w", err)
		}
	}
	if err := b.assignInodes(); err != nil {
		return nil, fmt.Errorf("mkfs: %w", err)
	}
	img, err := b.layout()
	if err != nil {
		return nil, fmt.Errorf("mkfs: %w", err)
	}
	return img, nil
}

type builder struct {
	opts   Options
	bs     uint32
	root   *node
	order  []*node // creation order, root first
	byPath map[string]*node
	byIno  map[uint32]*node
	inodes uint32
}

func (b *builder) add(f txtar.File) error {
	fields := strings.Fields(f.Name)
	if len(fields) == 0 {
		return errors.New("empty file name")
	}
	name := fields[0]
	isDir := strings.HasSuffix(name, "/")
	name = path.Clean("/" + name)

	n := &node{mode: ext2.S_IFREG | 0644, mtime: uint32(b.opts.Time.Unix()), data: f.Data}
	if isDir {
		n.mode = ext2.S_IFDIR | 0755
	}
	link := ""
	for _, arg := range fields[1:] {
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("%s: invalid attribute %q", name, arg)
		}
		switch k {
		case "link":
			link = path.Clean("/" + v)
			continue
		case "symlink":
			n.target = v
			n.mode = ext2.S_IFLNK | 0777
			continue
		}
		i, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			return fmt.Errorf("%s: invalid attribute %q", name, arg)
		}
		switch k {
		case "mode":
			n.mode = uint16(i)
			if n.mode&ext2.S_IFMT == 0 && isDir {
				n.mode |= ext2.S_IFDIR
			} else if n.mode&ext2.S_IFMT == 0 {
				n.mode |= ext2.S_IFREG
			}
		case "uid":
			n.uid = uint16(i)
		case "gid":
			n.gid = uint16(i)
		case "mtime":
			n.mtime = uint32(i)
		case "ino":
			n.ino = uint32(i)
		default:
			return fmt.Errorf("%s: unknown attribute %q", name, k)
		}
	}
	if n.isDir() || n.mode&ext2.S_IFMT == ext2.S_IFLNK {
		n.data = nil
	}

	if name == "/" {
		if n.isDir() {
			b.root.mode, b.root.uid, b.root.gid, b.root.mtime = n.mode, n.uid, n.gid, n.mtime
			return nil
		}
		return errors.New("/: root must be a directory")
	}
	if _, ok := b.byPath[name]; ok {
		return fmt.Errorf("%s: duplicate entry", name)
	}

	parent, err := b.mkdirAll(path.Dir(name))
	if err != nil {
		return err
	}

	if link != "" {
		target, ok := b.byPath[link]
		if !ok {
			return fmt.Errorf("%s: link target %s does not exist", name, link)
		}
		if target.isDir() {
			return fmt.Errorf("%s: cannot hard link directory %s", name, link)
		}
		parent.entries = append(parent.entries, dirent{name: path.Base(name), n: target})
		b.byPath[name] = target
		return nil
	}

	n.name = path.Base(name)
	if len(n.name) > ext2.MaxNameLen {
		return fmt.Errorf("%s: name too long", name)
	}
	b.attach(parent, n)
	b.byPath[name] = n
	return nil
}

func (b *builder) attach(parent, n *node) {
	n.parent = parent
	parent.entries = append(parent.entries, dirent{name: n.name, n: n})
	b.order = append(b.order, n)
}

func (b *builder) mkdirAll(dir string) (*node, error) {
	if n, ok := b.byPath[dir]; ok {
		if !n.isDir() {
			return nil, fmt.Errorf("%s: not a directory", dir)
		}
		return n, nil
	}
	parent, err := b.mkdirAll(path.Dir(dir))
	if err != nil {
		return nil, err
	}
	n := &node{name: path.Base(dir), mode: ext2.S_IFDIR | 0755, mtime: uint32(b.opts.Time.Unix())}
	b.attach(parent, n)
	b.byPath[dir] = n
	return n, nil
}

// assignInodes gives every node without an ino= the lowest free number
// starting at firstIno, and sizes the inode table.
func (b *builder) assignInodes() error {
	maxIno := uint32(firstIno - 1)
	for _, n := range b.order[1:] {
		if n.ino == 0 {
			continue
		}
		if n.ino < firstIno {
			return fmt.Errorf("%s: inode %d is reserved", n.name, n.ino)
		}
		if _, ok := b.byIno[n.ino]; ok {
			return fmt.Errorf("%s: inode %d already used", n.name, n.ino)
		}
		b.byIno[n.ino] = n
		maxIno = max(maxIno, n.ino)
	}

	next := uint32(firstIno)
	for _, n := range b.order[1:] {
		if n.ino != 0 {
			continue
		}
		for b.byIno[next] != nil {
			next++
		}
		n.ino = next
		b.byIno[next] = n
		maxIno = max(maxIno, next)
	}

	perBlock := b.bs / inodeSize
	count := max(maxIno+16, 32, b.opts.Inodes)
	b.inodes = (count + perBlock - 1) / perBlock * perBlock
	if b.inodes > 8*b.bs {
		return fmt.Errorf("%d inodes do not fit in one block group", b.inodes)
	}
	return nil
}

func (b *builder) layout() ([]byte, error) {
	bs := b.bs
	firstData := uint32(0)
	if bs == 1024 {
		firstData = 1
	}
	gdtBlock := firstData + 1
	blockBitmap := gdtBlock + 1
	inodeBitmap := gdtBlock + 2
	inodeTable := gdtBlock + 3
	itBlocks := b.inodes * inodeSize / bs
	next := inodeTable + itBlocks

	alloc := func() uint32 {
		next++
		return next - 1
	}

	// A directory is linked from its parent, its own "." and the ".." of
	// each subdirectory. Everything else counts its names.
	for _, n := range b.order {
		if n.isDir() {
			n.links = 2
		}
	}
	for _, n := range b.order {
		for _, e := range n.entries {
			if e.n.isDir() {
				n.links++
			} else {
				e.n.links++
			}
		}
	}

	ptrsPerBlock := bs / 4
	for _, n := range b.order {
		var size int
		switch {
		case n.isDir():
			size = int(bs)
			if need := dirSize(n); need > int(bs) {
				return nil, fmt.Errorf("%s: directory entries need %d bytes, more than one block", n.name, need)
			}
		case n.mode&ext2.S_IFMT == ext2.S_IFLNK:
			if len(n.target) < ext2.NBlocks*4 {
				continue
			}
			if len(n.target) > int(bs) {
				return nil, fmt.Errorf("%s: symlink target too long", n.name)
			}
			size = len(n.target)
		default:
			size = len(n.data)
		}

		nblocks := (uint32(size) + bs - 1) / bs
		if nblocks > ext2.NDirect+ptrsPerBlock+ptrsPerBlock*ptrsPerBlock {
			return nil, fmt.Errorf("%s: file too large", n.name)
		}
		for i := uint32(0); i < nblocks; i++ {
			switch {
			case i < ext2.NDirect:
				n.iblock[i] = alloc()
				n.blocks = append(n.blocks, n.iblock[i])
				continue
			case i == ext2.NDirect:
				n.iblock[ext2.IndBlock] = alloc()
				n.meta = append(n.meta, n.iblock[ext2.IndBlock])
			case i == ext2.NDirect+ptrsPerBlock:
				n.iblock[ext2.DIndBlock] = alloc()
				n.meta = append(n.meta, n.iblock[ext2.DIndBlock])
			}
			if i >= ext2.NDirect+ptrsPerBlock && (i-ext2.NDirect-ptrsPerBlock)%ptrsPerBlock == 0 {
				n.meta = append(n.meta, alloc())
			}
			n.blocks = append(n.blocks, alloc())
		}
	}

	used := next
	total := used + b.opts.SpareBlocks
	if total-firstData > 8*bs {
		return nil, fmt.Errorf("%d blocks do not fit in one block group", total)
	}

	img := make([]byte, int(total)*int(bs))
	block := func(num uint32) []byte {
		return img[num*bs : (num+1)*bs]
	}
	le := binary.LittleEndian

	// Data.
	for _, n := range b.order {
		switch {
		case n.isDir():
			b.writeDir(block(n.blocks[0]), n)
		case n.mode&ext2.S_IFMT == ext2.S_IFLNK:
			if len(n.blocks) > 0 {
				copy(block(n.blocks[0]), n.target)
			}
		default:
			for i, blk := range n.blocks {
				copy(block(blk), n.data[i*int(bs):])
			}
		}
		b.writeIndirect(n, block)
	}

	// Inode table.
	usedDirs := uint16(0)
	for _, n := range b.order {
		if n.isDir() {
			usedDirs++
		}
		off := int(inodeTable*bs) + int(n.ino-1)*inodeSize
		b.writeInode(img[off:off+inodeSize], n)
	}

	// Bitmaps: bit i of the block bitmap is block firstData+i.
	bb := block(blockBitmap)
	for blk := firstData; blk < used; blk++ {
		setBit(bb, blk-firstData)
	}
	for i := total - firstData; i < 8*bs; i++ {
		setBit(bb, i)
	}
	ib := block(inodeBitmap)
	for ino := uint32(1); ino < firstIno; ino++ {
		setBit(ib, ino-1)
	}
	for ino := range b.byIno {
		setBit(ib, ino-1)
	}
	for i := b.inodes; i < 8*bs; i++ {
		setBit(ib, i)
	}
	freeBlocks := total - used
	// The root inode is one of the reserved ones.
	freeInodes := b.inodes - (firstIno - 1) - uint32(len(b.byIno)-1)

	// Group descriptor.
	gd := img[gdtBlock*bs:]
	le.PutUint32(gd[0x00:], blockBitmap)
	le.PutUint32(gd[0x04:], inodeBitmap)
	le.PutUint32(gd[0x08:], inodeTable)
	le.PutUint16(gd[0x0C:], uint16(freeBlocks))
	le.PutUint16(gd[0x0E:], uint16(freeInodes))
	le.PutUint16(gd[0x10:], usedDirs)

	// Superblock.
	sb := img[ext2.SuperblockOffset : ext2.SuperblockOffset+ext2.SuperblockSize]
	now := uint32(b.opts.Time.Unix())
	logBS := uint32(0)
	for 1024<<logBS < bs {
		logBS++
	}
	le.PutUint32(sb[0x00:], b.inodes)
	le.PutUint32(sb[0x04:], total)
	le.PutUint32(sb[0x0C:], freeBlocks)
	le.PutUint32(sb[0x10:], freeInodes)
	le.PutUint32(sb[0x14:], firstData)
	le.PutUint32(sb[0x18:], logBS)
	le.PutUint32(sb[0x1C:], logBS)
	le.PutUint32(sb[0x20:], 8*bs)
	le.PutUint32(sb[0x24:], 8*bs)
	le.PutUint32(sb[0x28:], b.inodes)
	le.PutUint32(sb[0x2C:], now)
	le.PutUint32(sb[0x30:], now)
	le.PutUint16(sb[0x36:], 0xFFFF)
	le.PutUint16(sb[0x38:], ext2.Magic)
	le.PutUint16(sb[0x3A:], 1) // clean
	le.PutUint16(sb[0x3C:], 1) // continue on errors
	le.PutUint32(sb[0x40:], now)
	le.PutUint32(sb[0x4C:], ext2.RevDynamic)
	le.PutUint32(sb[0x54:], firstIno)
	le.PutUint16(sb[0x58:], inodeSize)
	le.PutUint32(sb[0x60:], ext2.FeatureIncompatFiletype)
	copy(sb[0x68:0x78], b.opts.UUID[:])
	copy(sb[0x78:0x88], b.opts.VolumeName)

	return img, nil
}

func dirSize(n *node) int {
	size := recLen(1) + recLen(2)
	for _, e := range n.entries {
		size += recLen(len(e.name))
	}
	return size
}

func recLen(nameLen int) int {
	return (dirEntryHead + nameLen + 3) &^ 3
}

// writeDir writes ".", ".." and the entries of n. The last record extends
// to the end of the block.
func (b *builder) writeDir(blk []byte, n *node) {
	type rec struct {
		ino  uint32
		name string
		typ  ext2.FileType
	}
	recs := []rec{{n.ino, ".", ext2.FileTypeDir}, {n.parent.ino, "..", ext2.FileTypeDir}}
	for _, e := range n.entries {
		recs = append(recs, rec{e.n.ino, e.name, e.n.fileType()})
	}

	off := 0
	for i, r := range recs {
		l := recLen(len(r.name))
		if i == len(recs)-1 {
			l = len(blk) - off
		}
		binary.LittleEndian.PutUint32(blk[off:], r.ino)
		binary.LittleEndian.PutUint16(blk[off+4:], uint16(l))
		blk[off+6] = uint8(len(r.name))
		blk[off+7] = uint8(r.typ)
		copy(blk[off+dirEntryHead:], r.name)
		off += l
	}
}

// writeIndirect fills the single and double indirect blocks of n.
func (b *builder) writeIndirect(n *node, block func(uint32) []byte) {
	if len(n.meta) == 0 {
		return
	}
	ptrs := int(b.bs / 4)
	data := n.blocks[ext2.NDirect:]
	meta := n.meta

	ind := block(meta[0])
	for i := 0; i < ptrs && i < len(data); i++ {
		binary.LittleEndian.PutUint32(ind[i*4:], data[i])
	}
	if len(meta) == 1 {
		return
	}

	data = data[ptrs:]
	dind := block(meta[1])
	for j, leaf := range meta[2:] {
		binary.LittleEndian.PutUint32(dind[j*4:], leaf)
		lb := block(leaf)
		for i := 0; i < ptrs && j*ptrs+i < len(data); i++ {
			binary.LittleEndian.PutUint32(lb[i*4:], data[j*ptrs+i])
		}
	}
}

func (b *builder) writeInode(buf []byte, n *node) {
	le := binary.LittleEndian
	var size uint64
	switch {
	case n.isDir():
		size = uint64(b.bs)
	case n.mode&ext2.S_IFMT == ext2.S_IFLNK:
		size = uint64(len(n.target))
	default:
		size = uint64(len(n.data))
	}

	le.PutUint16(buf[0x00:], n.mode)
	le.PutUint16(buf[0x02:], n.uid)
	le.PutUint32(buf[0x04:], uint32(size))
	le.PutUint32(buf[0x08:], n.mtime)
	le.PutUint32(buf[0x0C:], n.mtime)
	le.PutUint32(buf[0x10:], n.mtime)
	le.PutUint16(buf[0x18:], n.gid)
	le.PutUint16(buf[0x1A:], n.links)
	le.PutUint32(buf[0x1C:], uint32(len(n.blocks)+len(n.meta))*(b.bs/512))
	if n.mode&ext2.S_IFMT == ext2.S_IFLNK && len(n.blocks) == 0 {
		copy(buf[0x28:0x28+ext2.NBlocks*4], n.target)
		return
	}
	for i, blk := range n.iblock {
		le.PutUint32(buf[0x28+i*4:], blk)
	}
}

func setBit(bitmap []byte, i uint32) {
	bitmap[i/8] |= 1 << (i % 8)
}
