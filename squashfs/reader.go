package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// Reader reads squashfs images as written by Writer (zlib data
// blocks, uncompressed metadata).
type Reader struct {
	r io.ReaderAt

	inodeCount uint32
	blockSize  uint32
	rootRef    uint64

	inodes []byte // uncompressed inode table
	dirs   []byte // uncompressed directory table
}

// Stat describes an inode's metadata.
type Stat struct {
	Mode  uint16
	UID   uint32
	GID   uint32
	MTime uint32
	Size  int64
	IsDir bool
}

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name  string
	IsDir bool
}

// Open parses the superblock and metadata tables of the squashfs
// image read from r.
func Open(r io.ReaderAt) (*Reader, error) {
	var sb [superblockSize]byte
	if _, err := r.ReadAt(sb[:], 0); err != nil {
		return nil, err
	}
	if got := binary.LittleEndian.Uint32(sb[0:4]); got != magic {
		return nil, fmt.Errorf("bad magic %#x, want %#x", got, magic)
	}
	if major := binary.LittleEndian.Uint16(sb[28:30]); major != 4 {
		return nil, fmt.Errorf("unsupported squashfs version %d", major)
	}
	if comp := binary.LittleEndian.Uint16(sb[20:22]); comp != compressionZlib {
		return nil, fmt.Errorf("unsupported compression id %d", comp)
	}
	flags := binary.LittleEndian.Uint16(sb[24:26])
	if flags&flagUncompressedInodes == 0 {
		return nil, fmt.Errorf("compressed metadata is not supported")
	}

	rd := &Reader{
		r:          r,
		inodeCount: binary.LittleEndian.Uint32(sb[4:8]),
		blockSize:  binary.LittleEndian.Uint32(sb[12:16]),
		rootRef:    binary.LittleEndian.Uint64(sb[32:40]),
	}

	inodeTableStart := int64(binary.LittleEndian.Uint64(sb[64:72]))
	dirTableStart := int64(binary.LittleEndian.Uint64(sb[72:80]))
	fragTableStart := int64(binary.LittleEndian.Uint64(sb[80:88]))

	var err error
	if rd.inodes, err = rd.readMetadata(inodeTableStart, dirTableStart-inodeTableStart); err != nil {
		return nil, fmt.Errorf("inode table: %v", err)
	}
	if rd.dirs, err = rd.readMetadata(dirTableStart, fragTableStart-dirTableStart); err != nil {
		return nil, fmt.Errorf("directory table: %v", err)
	}
	return rd, nil
}

// readMetadata strips the per-block length headers from an
// uncompressed metadata region.
func (rd *Reader) readMetadata(start, length int64) ([]byte, error) {
	raw := make([]byte, length)
	if _, err := rd.r.ReadAt(raw, start); err != nil {
		return nil, err
	}
	var out []byte
	for pos := int64(0); pos < length; {
		if pos+metadataHeaderSize > length {
			return nil, fmt.Errorf("truncated metadata block header at %d", pos)
		}
		hdr := binary.LittleEndian.Uint16(raw[pos:])
		size := int64(hdr & 0x7FFF)
		if hdr&0x8000 == 0 {
			return nil, fmt.Errorf("compressed metadata block at %d", pos)
		}
		if pos+metadataHeaderSize+size > length {
			return nil, fmt.Errorf("metadata block at %d overruns the table", pos)
		}
		out = append(out, raw[pos+metadataHeaderSize:pos+metadataHeaderSize+size]...)
		pos += metadataHeaderSize + size
	}
	return out, nil
}

// resolveRef turns a metadata reference (on-disk block start and
// offset within the block) into an offset in the stripped table.
func resolveRef(blockStart, off int64) int64 {
	return blockStart/(metadataSize+metadataHeaderSize)*metadataSize + off
}

type inode struct {
	typ   uint16
	mode  uint16
	mtime uint32
	num   uint32

	// directories
	listingStart int64
	listingOff   int64
	listingLen   int64

	// files
	blocksStart int64
	size        int64
	blockSizes  []uint32
}

func (rd *Reader) inodeAt(off int64) (*inode, error) {
	if off < 0 || off+32 > int64(len(rd.inodes)) {
		return nil, fmt.Errorf("inode offset %d outside the inode table", off)
	}
	b := rd.inodes[off:]
	ino := &inode{
		typ:   binary.LittleEndian.Uint16(b[0:2]),
		mode:  binary.LittleEndian.Uint16(b[2:4]),
		mtime: binary.LittleEndian.Uint32(b[8:12]),
		num:   binary.LittleEndian.Uint32(b[12:16]),
	}
	switch ino.typ {
	case typeDir:
		ino.listingStart = int64(binary.LittleEndian.Uint32(b[16:20]))
		ino.listingLen = int64(binary.LittleEndian.Uint16(b[24:26])) - 3
		ino.listingOff = int64(binary.LittleEndian.Uint16(b[26:28]))
	case typeFile:
		ino.blocksStart = int64(binary.LittleEndian.Uint32(b[16:20]))
		ino.size = int64(binary.LittleEndian.Uint32(b[28:32]))
		nblocks := (ino.size + dataBlockSize - 1) / dataBlockSize
		ino.blockSizes = make([]uint32, nblocks)
		for i := range ino.blockSizes {
			o := off + 32 + int64(4*i)
			if o+4 > int64(len(rd.inodes)) {
				return nil, fmt.Errorf("block list of inode %d overruns the inode table", ino.num)
			}
			ino.blockSizes[i] = binary.LittleEndian.Uint32(rd.inodes[o:])
		}
	default:
		return nil, fmt.Errorf("unsupported inode type %d", ino.typ)
	}
	return ino, nil
}

func (rd *Reader) root() (*inode, error) {
	return rd.inodeAt(resolveRef(int64(rd.rootRef>>16), int64(rd.rootRef&0xFFFF)))
}

type listingEntry struct {
	name     string
	typ      uint16
	inodeOff int64
}

func (rd *Reader) listing(ino *inode) ([]listingEntry, error) {
	if ino.typ != typeDir {
		return nil, fmt.Errorf("inode %d is not a directory", ino.num)
	}
	start := resolveRef(ino.listingStart, ino.listingOff)
	if start < 0 || start+ino.listingLen > int64(len(rd.dirs)) {
		return nil, fmt.Errorf("listing of inode %d outside the directory table", ino.num)
	}
	b := rd.dirs[start : start+ino.listingLen]

	var entries []listingEntry
	for len(b) > 0 {
		if len(b) < 12 {
			return nil, fmt.Errorf("truncated directory header")
		}
		count := int(binary.LittleEndian.Uint32(b[0:4])) + 1
		blockStart := int64(binary.LittleEndian.Uint32(b[4:8]))
		b = b[12:]
		for i := 0; i < count; i++ {
			if len(b) < 8 {
				return nil, fmt.Errorf("truncated directory entry")
			}
			off := int64(binary.LittleEndian.Uint16(b[0:2]))
			typ := binary.LittleEndian.Uint16(b[4:6])
			nameLen := int(binary.LittleEndian.Uint16(b[6:8])) + 1
			if len(b) < 8+nameLen {
				return nil, fmt.Errorf("truncated directory entry name")
			}
			entries = append(entries, listingEntry{
				name:     string(b[8 : 8+nameLen]),
				typ:      typ,
				inodeOff: resolveRef(blockStart, off),
			})
			b = b[8+nameLen:]
		}
	}
	return entries, nil
}

func (rd *Reader) lookup(path string) (*inode, error) {
	ino, err := rd.root()
	if err != nil {
		return nil, err
	}
	for _, component := range strings.Split(path, "/") {
		if component == "" {
			continue
		}
		entries, err := rd.listing(ino)
		if err != nil {
			return nil, err
		}
		var next *listingEntry
		for i := range entries {
			if entries[i].name == component {
				next = &entries[i]
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%q not found", path)
		}
		if ino, err = rd.inodeAt(next.inodeOff); err != nil {
			return nil, err
		}
	}
	return ino, nil
}

// List returns the listing of the directory at path, sorted as stored.
func (rd *Reader) List(path string) ([]DirEntry, error) {
	ino, err := rd.lookup(path)
	if err != nil {
		return nil, err
	}
	entries, err := rd.listing(ino)
	if err != nil {
		return nil, err
	}
	result := make([]DirEntry, len(entries))
	for i, e := range entries {
		result[i] = DirEntry{Name: e.name, IsDir: e.typ == typeDir}
	}
	return result, nil
}

// Stat returns the metadata of the inode at path.
func (rd *Reader) Stat(path string) (Stat, error) {
	ino, err := rd.lookup(path)
	if err != nil {
		return Stat{}, err
	}
	return Stat{
		Mode:  ino.mode,
		MTime: ino.mtime,
		Size:  ino.size,
		IsDir: ino.typ == typeDir,
	}, nil
}

// ReadFile returns the content of the file at path.
func (rd *Reader) ReadFile(path string) ([]byte, error) {
	ino, err := rd.lookup(path)
	if err != nil {
		return nil, err
	}
	if ino.typ != typeFile {
		return nil, fmt.Errorf("%q is not a file", path)
	}

	out := make([]byte, 0, ino.size)
	pos := ino.blocksStart
	for _, size := range ino.blockSizes {
		length := int64(size &^ uncompressedBlock)
		raw := make([]byte, length)
		if _, err := rd.r.ReadAt(raw, pos); err != nil {
			return nil, err
		}
		pos += length
		if size&uncompressedBlock != 0 {
			out = append(out, raw...)
			continue
		}
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		block, err := io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}
	if int64(len(out)) != ino.size {
		return nil, fmt.Errorf("%q: decompressed %d bytes, inode claims %d", path, len(out), ino.size)
	}
	return out, nil
}
