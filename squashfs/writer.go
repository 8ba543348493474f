// Package squashfs implements writing squashfs 4.0 file system
// images, used as the read-only compressed root filesystem of
// generated images. With regards to reading, listing directories and
// reading file contents is implemented (for images written by this
// package).
//
// File data blocks are zlib-compressed; the metadata tables are
// stored uncompressed, which keeps every table offset computable in a
// single pass. All inodes carry uid/gid root, mode 0755 and
// modification time 0, so identical input yields identical image
// bytes.
package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zlib"
)

const (
	magic = uint32(0x73717368)

	dataBlockSize = 128 * 1024
	dataBlockLog  = 17

	// metadataSize is the uncompressed size of one metadata block;
	// on disk each block is preceded by a uint16 length header.
	metadataSize       = 8192
	metadataHeaderSize = 2

	compressionZlib = uint16(1)

	flagUncompressedInodes = 0x0001
	flagNoFragments        = 0x0010
	flagNoXattrs           = 0x0200

	typeDir  = uint16(1)
	typeFile = uint16(2)

	// uncompressedBlock marks a data block stored raw because
	// compression did not shrink it.
	uncompressedBlock = uint32(1 << 24)

	invalidFragment = uint32(0xFFFFFFFF)
	invalidTable    = uint64(0xFFFFFFFFFFFFFFFF)

	superblockSize = 96

	nodeMode = uint16(0o755)
)

type node interface {
	name() string
	inodeNum() uint32
	inodeOff() int64
	inodeSize() int64
	direntType() uint16
}

type common struct {
	nodeName string
	num      uint32
	off      int64 // uncompressed offset within the inode table
}

func (c *common) name() string     { return c.nodeName }
func (c *common) inodeNum() uint32 { return c.num }
func (c *common) inodeOff() int64  { return c.off }

type file struct {
	common
	size        int64
	blocksStart int64 // relative to the start of the data area
	blockSizes  []uint32
}

func (f *file) inodeSize() int64   { return 32 + 4*int64(len(f.blockSizes)) }
func (f *file) direntType() uint16 { return typeFile }

type directory struct {
	common
	entries []node
	byName  map[string]node
	parent  *directory

	// Position of the listing within the directory table, filled in
	// during Flush.
	listingStart int64 // on-disk offset of the containing metadata block
	listingOff   int64 // offset within the uncompressed block
	listingLen   int64
}

func (d *directory) inodeSize() int64   { return 32 }
func (d *directory) direntType() uint16 { return typeDir }

type Writer struct {
	w io.Writer

	// dataTmp is a temporary file holding the compressed data
	// blocks. Calling Flush writes the superblock and tables (for
	// which all data must be known) to the writer, with dataTmp's
	// contents in between.
	dataTmp *os.File
	dataLen int64

	root    *directory
	pending *blockWriter

	zbuf bytes.Buffer
	zw   *zlib.Writer
}

// NewWriter returns a Writer which will write a squashfs image to w
// once Flush is called.
func NewWriter(w io.Writer) (*Writer, error) {
	f, err := os.CreateTemp("", "writesqfs")
	if err != nil {
		return nil, err
	}
	zw, err := zlib.NewWriterLevel(io.Discard, zlib.BestCompression)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return &Writer{
		w:       w,
		dataTmp: f,
		root: &directory{
			byName: make(map[string]node),
		},
		zw: zw,
	}, nil
}

func (fw *Writer) compress(p []byte) ([]byte, error) {
	fw.zbuf.Reset()
	fw.zw.Reset(&fw.zbuf)
	if _, err := fw.zw.Write(p); err != nil {
		return nil, err
	}
	if err := fw.zw.Close(); err != nil {
		return nil, err
	}
	return append([]byte(nil), fw.zbuf.Bytes()...), nil
}

func (fw *Writer) dir(path string) (*directory, error) {
	cur := fw.root
	for _, component := range strings.Split(path, "/") {
		if component == "" {
			continue
		}
		if _, ok := cur.byName[component]; !ok {
			dir := &directory{
				common: common{nodeName: component},
				parent: cur,
				byName: make(map[string]node),
			}
			cur.entries = append(cur.entries, dir)
			cur.byName[component] = dir
		}
		var ok bool
		cur, ok = cur.byName[component].(*directory)
		if !ok {
			return nil, fmt.Errorf("path %q invalid: component %q identifies a file", path, component)
		}
	}
	return cur, nil
}

// Mkdir creates an empty directory with the given full path,
// e.g. Mkdir("bin").
func (fw *Writer) Mkdir(path string) error {
	if fw.pending != nil {
		if err := fw.pending.Close(); err != nil {
			return err
		}
		fw.pending = nil
	}
	_, err := fw.dir(path)
	return err
}

type blockWriter struct {
	fw  *Writer
	f   *file
	buf [dataBlockSize]byte
	n   int
}

func (bw *blockWriter) Write(p []byte) (n int, err error) {
	total := len(p)
	for len(p) > 0 {
		c := copy(bw.buf[bw.n:], p)
		bw.n += c
		p = p[c:]
		if bw.n == dataBlockSize {
			if err := bw.emit(); err != nil {
				return 0, err
			}
		}
	}
	return total, nil
}

// emit compresses the buffered block and appends it to the data area.
// Blocks which compression does not shrink are stored raw.
func (bw *blockWriter) emit() error {
	block := bw.buf[:bw.n]
	fw := bw.fw

	out, err := fw.compress(block)
	if err != nil {
		return err
	}
	size := uint32(len(out))
	if len(out) >= len(block) {
		out = block
		size = uint32(len(block)) | uncompressedBlock
	}

	if len(bw.f.blockSizes) == 0 {
		bw.f.blocksStart = fw.dataLen
	}
	if _, err := fw.dataTmp.Write(out); err != nil {
		return err
	}
	fw.dataLen += int64(len(out))
	bw.f.blockSizes = append(bw.f.blockSizes, size)
	bw.f.size += int64(len(block))
	bw.n = 0
	return nil
}

func (bw *blockWriter) Close() error {
	if bw.n > 0 {
		return bw.emit()
	}
	return nil
}

// File creates a file with the specified path. The returned io.Writer
// stays valid until the next call to File, Flush or Mkdir.
func (fw *Writer) File(path string) (io.Writer, error) {
	if fw.pending != nil {
		if err := fw.pending.Close(); err != nil {
			return nil, err
		}
	}
	dir, err := fw.dir(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	filename := filepath.Base(path)
	f := &file{common: common{nodeName: filename}}
	dir.entries = append(dir.entries, f)
	dir.byName[filename] = f
	fw.pending = &blockWriter{fw: fw, f: f}
	return fw.pending, nil
}

// sortTree orders every directory listing by name, as squashfs
// requires, and returns all nodes in inode-table order: the contents
// of each directory before the directory itself, the root last.
func sortTree(root *directory) []node {
	var nodes []node
	var walk func(d *directory)
	walk = func(d *directory) {
		sort.Slice(d.entries, func(i, j int) bool {
			return d.entries[i].name() < d.entries[j].name()
		})
		for _, e := range d.entries {
			if sub, ok := e.(*directory); ok {
				walk(sub)
			} else {
				nodes = append(nodes, e)
			}
		}
		nodes = append(nodes, d)
	}
	walk(root)
	return nodes
}

// diskBlockStart returns the on-disk offset of the metadata block
// containing the given uncompressed table offset. Each block costs
// its uncompressed size plus the two-byte length header.
func diskBlockStart(off int64) int64 {
	return (off / metadataSize) * (metadataSize + metadataHeaderSize)
}

// buildListing appends d's directory listing to dirTable. Consecutive
// entries share one header as long as their inodes live in the same
// metadata block and their inode numbers stay within int16 range of
// the first entry; squashfs additionally caps a header at 256 entries.
func buildListing(dirTable *bytes.Buffer, d *directory) error {
	off := int64(dirTable.Len())
	d.listingStart = diskBlockStart(off)
	d.listingOff = off % metadataSize

	i := 0
	for i < len(d.entries) {
		first := d.entries[i]
		firstBlock := diskBlockStart(first.inodeOff())
		firstNum := first.inodeNum()

		j := i
		for j < len(d.entries) && j-i < 256 {
			e := d.entries[j]
			if diskBlockStart(e.inodeOff()) != firstBlock {
				break
			}
			delta := int64(e.inodeNum()) - int64(firstNum)
			if delta < math.MinInt16 || delta > math.MaxInt16 {
				break
			}
			j++
		}

		for _, v := range []interface{}{
			uint32(j - i - 1), // count is stored off by one
			uint32(firstBlock),
			firstNum,
		} {
			if err := binary.Write(dirTable, binary.LittleEndian, v); err != nil {
				return err
			}
		}
		for ; i < j; i++ {
			e := d.entries[i]
			name := e.name()
			for _, v := range []interface{}{
				uint16(e.inodeOff() % metadataSize),
				int16(int64(e.inodeNum()) - int64(firstNum)),
				e.direntType(),
				uint16(len(name) - 1),
			} {
				if err := binary.Write(dirTable, binary.LittleEndian, v); err != nil {
					return err
				}
			}
			if _, err := dirTable.WriteString(name); err != nil {
				return err
			}
		}
	}

	d.listingLen = int64(dirTable.Len()) - off
	return nil
}

func writeInodeHeader(w io.Writer, typ uint16, num uint32) error {
	for _, v := range []interface{}{
		typ,
		nodeMode,
		uint16(0), // uid index
		uint16(0), // gid index
		uint32(0), // mtime
		num,
	} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func (fw *Writer) writeInode(w io.Writer, n node, inodeCount uint32) error {
	switch n := n.(type) {
	case *file:
		if err := writeInodeHeader(w, typeFile, n.num); err != nil {
			return err
		}
		blocksStart := uint32(0)
		if len(n.blockSizes) > 0 {
			blocksStart = uint32(superblockSize + n.blocksStart)
		}
		for _, v := range []interface{}{
			blocksStart,
			invalidFragment,
			uint32(0), // offset within fragment block
			uint32(n.size),
		} {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
		return binary.Write(w, binary.LittleEndian, n.blockSizes)

	case *directory:
		if err := writeInodeHeader(w, typeDir, n.num); err != nil {
			return err
		}
		nlink := uint32(2)
		parentNum := inodeCount + 1 // convention for the root
		if n.parent != nil {
			parentNum = n.parent.num
		}
		for _, e := range n.entries {
			if _, ok := e.(*directory); ok {
				nlink++
			}
		}
		for _, v := range []interface{}{
			uint32(n.listingStart),
			nlink,
			uint16(n.listingLen + 3), // squashfs stores listing size + 3
			uint16(n.listingOff),
			parentNum,
		} {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown node type %T", n)
	}
}

// metaBlocks chunks an uncompressed table into metadata blocks, each
// preceded by its length header with the uncompressed bit set.
func metaBlocks(table []byte) []byte {
	var out bytes.Buffer
	for off := 0; off < len(table); off += metadataSize {
		end := off + metadataSize
		if end > len(table) {
			end = len(table)
		}
		binary.Write(&out, binary.LittleEndian, uint16(0x8000|(end-off)))
		out.Write(table[off:end])
	}
	return out.Bytes()
}

// Flush writes the image. The Writer must not be used after calling
// Flush.
func (fw *Writer) Flush() error {
	if fw.pending != nil {
		if err := fw.pending.Close(); err != nil {
			return err
		}
	}

	nodes := sortTree(fw.root)
	if len(nodes) > math.MaxUint32 {
		return fmt.Errorf("%d inodes exceed the squashfs limit", len(nodes))
	}
	var off int64
	for i, n := range nodes {
		num := uint32(i + 1)
		switch n := n.(type) {
		case *file:
			n.num, n.off = num, off
		case *directory:
			n.num, n.off = num, off
		}
		off += n.inodeSize()
	}
	inodeCount := uint32(len(nodes))

	// The directory table references inode offsets (assigned above);
	// the directory inodes reference listing offsets, so listings are
	// built before the inode table is serialized.
	var dirTable bytes.Buffer
	for _, n := range nodes {
		if d, ok := n.(*directory); ok {
			if err := buildListing(&dirTable, d); err != nil {
				return err
			}
		}
	}

	var inodeTable bytes.Buffer
	for _, n := range nodes {
		if err := fw.writeInode(&inodeTable, n, inodeCount); err != nil {
			return err
		}
	}

	inodeMeta := metaBlocks(inodeTable.Bytes())
	dirMeta := metaBlocks(dirTable.Bytes())

	inodeTableStart := superblockSize + fw.dataLen
	dirTableStart := inodeTableStart + int64(len(inodeMeta))
	idTableBlock := dirTableStart + int64(len(dirMeta))
	idIndexStart := idTableBlock + metadataHeaderSize + 4
	bytesUsed := idIndexStart + 8

	rootRef := uint64(diskBlockStart(fw.root.off))<<16 | uint64(fw.root.off%metadataSize)

	var sb bytes.Buffer
	for _, v := range []interface{}{
		magic,
		inodeCount,
		uint32(0), // modification time
		uint32(dataBlockSize),
		uint32(0), // fragment count
		compressionZlib,
		uint16(dataBlockLog),
		uint16(flagUncompressedInodes | flagNoFragments | flagNoXattrs),
		uint16(1), // one entry in the id table: root
		uint16(4), // version 4.0
		uint16(0),
		rootRef,
		uint64(bytesUsed),
		uint64(idIndexStart),
		invalidTable, // no xattr table
		uint64(inodeTableStart),
		uint64(dirTableStart),
		uint64(idTableBlock), // no fragments; kept monotone for table-size math
		invalidTable,         // no export table
	} {
		if err := binary.Write(&sb, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	if _, err := fw.w.Write(sb.Bytes()); err != nil {
		return err
	}
	if _, err := fw.dataTmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.Copy(fw.w, fw.dataTmp); err != nil {
		return err
	}
	if _, err := fw.w.Write(inodeMeta); err != nil {
		return err
	}
	if _, err := fw.w.Write(dirMeta); err != nil {
		return err
	}

	// id table: a single metadata block holding uid/gid 0, plus the
	// index pointing at it.
	var idTable bytes.Buffer
	binary.Write(&idTable, binary.LittleEndian, uint16(0x8000|4))
	binary.Write(&idTable, binary.LittleEndian, uint32(0))
	binary.Write(&idTable, binary.LittleEndian, uint64(idTableBlock))
	if _, err := fw.w.Write(idTable.Bytes()); err != nil {
		return err
	}

	// Pad the image to a 4 KiB boundary.
	if pad := (4096 - bytesUsed%4096) % 4096; pad > 0 {
		if _, err := fw.w.Write(make([]byte, pad)); err != nil {
			return err
		}
	}

	fw.dataTmp.Close()
	return os.Remove(fw.dataTmp.Name())
}
