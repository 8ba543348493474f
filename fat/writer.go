package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	sectorSize        = 512
	sectorsPerCluster = 4

	clusterSize = sectorSize * sectorsPerCluster

	// unusableClusters is the number of FAT entries which are always
	// unusable: the first two entries have special meaning (copy of
	// the media descriptor and file system state).
	unusableClusters = 2

	// minClusters is the smallest data area FAT32 permits; volumes
	// with fewer clusters are interpreted as FAT12/FAT16.
	minClusters = 65525

	// endOfChain marks the end of a cluster chain in the FAT.
	endOfChain = uint32(0x0FFFFFFF)

	// hardDisk is the media descriptor for a hard disk (as opposed to floppy).
	hardDisk = uint8(0xF8)

	// reservedSectors must be aligned to clusters (at least on the
	// Raspberry Pi 3); 32 is the customary FAT32 value and a multiple
	// of sectorsPerCluster.
	reservedSectors = 32

	// backupBootSector holds copies of the boot and FSInfo sectors.
	backupBootSector = 6

	// volumeID is fixed so that identical input produces identical
	// volume bytes.
	volumeID = uint32(0xf3f37b84)
)

type paddingWriter struct {
	w     io.Writer
	count int
	padTo int
}

func (pw *paddingWriter) Write(p []byte) (n int, err error) {
	pw.count += int(len(p))
	return pw.w.Write(p)
}

func (pw *paddingWriter) Flush() error {
	if pw.count%pw.padTo == 0 {
		return nil
	}
	remainder := pw.padTo - (pw.count % pw.padTo)
	pw.count += remainder
	_, err := pw.w.Write(make([]byte, remainder))
	return err
}

type entry interface {
	Name() [8]byte
	Ext() [3]byte
	Attr() uint8
	Size() uint32
	FirstCluster() uint32
	Date() uint16
	Time() uint16
}

type common struct {
	name         string
	ext          string
	modTime      time.Time
	size         uint32
	firstCluster uint32
}

var empty = [8]byte{' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}

func (c *common) Name() [8]byte {
	var result [8]byte
	copy(result[:], empty[:])
	copy(result[:], []byte(c.name))
	return result
}

func (c *common) Ext() [3]byte {
	var result [3]byte
	copy(result[:], empty[:3])
	copy(result[:], []byte(c.ext))
	return result
}

func (c *common) Size() uint32 {
	return c.size
}

func (c *common) FirstCluster() uint32 {
	return c.firstCluster
}

func (c *common) Time() uint16 {
	if c.modTime.Year() < 1980 {
		return 0
	}
	return uint16(c.modTime.Hour())<<11 |
		uint16(c.modTime.Minute())<<5 |
		uint16(c.modTime.Second()/2)
}

func (c *common) Date() uint16 {
	if c.modTime.Year() < 1980 {
		return 0x0021 // 1980-01-01, the FAT epoch
	}
	return uint16(c.modTime.Year()-1980)<<9 |
		uint16(c.modTime.Month())<<5 |
		uint16(c.modTime.Day())
}

type file struct {
	common
}

func (f *file) Attr() uint8 {
	return 0x1 // read-only
}

type directory struct {
	common
	entries []entry
	byName  map[string]entry
	parent  *directory
}

func (d *directory) Attr() uint8 {
	return 0x10 // directory
}

type Writer struct {
	w io.Writer

	// TotalSectors is the size of the volume as recorded in its boot
	// sector. Flush does not write out the free data area tail; pad
	// to TotalSectors*512 bytes when a tool requires the full size.
	TotalSectors int64

	// dataTmp is a temporary file to which all file data will be
	// written. Calling Flush will write the appropriate headers (for
	// which the file data must be known) to the writer, then append
	// dataTmp's contents.
	dataTmp *os.File

	// fat is a File Allocation Table holding one entry for each
	// cluster in the data area, pointing to the FAT entry index of
	// the next cluster or (with special value 0x0FFFFFFF) marking
	// the end of the file.
	fat []uint32

	root *directory

	pending *fatUpdatingWriter
}

// NewWriter returns a Writer which will write a FAT32 file system
// image of totalSectors sectors to w once Flush is called.
//
// Because the position of the data area in the resulting image
// depends on the size of the file allocation table, a temporary file
// is used to store data until Flush is called.
func NewWriter(w io.Writer, totalSectors int64) (*Writer, error) {
	if _, _, err := geometry(totalSectors); err != nil {
		return nil, err
	}

	f, err := os.CreateTemp("", "writefat")
	if err != nil {
		return nil, err
	}

	return &Writer{
		w:            w,
		TotalSectors: totalSectors,
		dataTmp:      f,
		root: &directory{
			byName: make(map[string]entry),
		},
	}, nil
}

// geometry determines the number of FAT sectors and data clusters for
// a volume of totalSectors. The FAT must cover every data cluster,
// and the data area shrinks as the FAT grows, so iterate until the
// two agree (an oversized FAT is harmless and breaks the oscillation).
func geometry(totalSectors int64) (fatSectors, clusters int64, err error) {
	for {
		clusters = (totalSectors - reservedSectors - fatSectors) / sectorsPerCluster
		need := fullSectors64((clusters + unusableClusters) * 4)
		if need <= fatSectors {
			break
		}
		fatSectors = need
	}
	if clusters < minClusters {
		return 0, 0, fmt.Errorf("volume of %d sectors yields %d clusters, FAT32 requires at least %d",
			totalSectors, clusters, minClusters)
	}
	return fatSectors, clusters, nil
}

func (fw *Writer) currentCluster() uint32 {
	return unusableClusters + uint32(len(fw.fat))
}

func (fw *Writer) dir(path string) (*directory, error) {
	cur := fw.root
	for _, component := range strings.Split(path, "/") {
		if component == "" {
			continue
		}
		if _, ok := cur.byName[component]; !ok {
			dir := &directory{
				common: common{
					name: component,
				},
				parent: cur,
				byName: make(map[string]entry),
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
// e.g. Mkdir("usr/share/lib").
func (fw *Writer) Mkdir(path string, modTime time.Time) error {
	if fw.pending != nil {
		if err := fw.pending.Close(); err != nil {
			return err
		}
		fw.pending = nil
	}
	d, err := fw.dir(path)
	if err != nil {
		return err
	}
	d.common.modTime = modTime.UTC()
	return nil
}

type fatUpdatingWriter struct {
	fw    *Writer
	pw    *paddingWriter
	count uint32
	file  *file
}

func (fuw *fatUpdatingWriter) Write(p []byte) (n int, err error) {
	fuw.count += uint32(len(p))
	return fuw.pw.Write(p)
}

func (fuw *fatUpdatingWriter) Close() error {
	if err := fuw.pw.Flush(); err != nil {
		return err
	}
	fw := fuw.fw // for convenience
	if fuw.pw.count == 0 {
		// Zero-length file: no clusters, no chain.
		if fuw.file != nil {
			fuw.file.firstCluster = 0
			fuw.file.size = 0
		}
		return nil
	}
	for i := 0; i < fuw.pw.count/clusterSize; i++ {
		// Append a pointer to the next FAT entry
		fw.fat = append(fw.fat, fw.currentCluster()+1)
	}
	fw.fat[len(fw.fat)-1] = endOfChain
	if fuw.file != nil {
		fuw.file.size = uint32(fuw.count)
	}
	return nil
}

// File creates a file with the specified path and modTime. The
// returned io.Writer stays valid until the next call to File, Flush
// or Mkdir.
func (fw *Writer) File(path string, modTime time.Time) (io.Writer, error) {
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
	parts := strings.Split(filename+".", ".")
	f := &file{
		common: common{
			name:         parts[0],
			ext:          parts[1],
			modTime:      modTime.UTC(),
			firstCluster: fw.currentCluster()}}
	dir.entries = append(dir.entries, f)
	dir.byName[filename] = f
	fw.pending = &fatUpdatingWriter{
		fw: fw,
		pw: &paddingWriter{
			w:     fw.dataTmp,
			padTo: clusterSize,
		},
		file: f,
	}
	return fw.pending, nil
}

// layoutDir assigns cluster chains to the directory listings,
// pre-order, so that every directory's first cluster is known before
// any listing referencing it is serialized.
func (fw *Writer) layoutDir(d *directory) {
	n := len(d.entries)
	if d.parent != nil {
		n += 2 // dot and dotdot
	}
	clusters := fullClusters(n * 32)
	if clusters == 0 {
		clusters = 1 // empty directories still occupy one cluster
	}
	d.firstCluster = fw.currentCluster()
	for i := 0; i < clusters; i++ {
		fw.fat = append(fw.fat, fw.currentCluster()+1)
	}
	fw.fat[len(fw.fat)-1] = endOfChain
	for _, e := range d.entries {
		if sub, ok := e.(*directory); ok {
			fw.layoutDir(sub)
		}
	}
}

func (fw *Writer) writeDirEntries(w io.Writer, d *directory) error {
	allEntries := d.entries
	// For non-root directories, add dot and dotdot
	if d.parent != nil {
		parentCluster := d.parent.firstCluster
		if d.parent.parent == nil {
			parentCluster = 0 // dotdot pointing at the root uses cluster 0
		}
		allEntries = append([]entry{
			&directory{
				common: common{
					name:         ".",
					firstCluster: d.firstCluster,
				},
				parent: d,
			},
			&directory{
				common: common{
					name:         "..",
					firstCluster: parentCluster,
				},
				parent: d.parent,
			},
		}, allEntries...)
	}
	for _, entry := range allEntries {
		for _, v := range []interface{}{
			entry.Name(),
			entry.Ext(),
			entry.Attr(),
			uint8(0),  // reserved
			uint8(0),  // creation time, tenth of a second (unset)
			uint16(0), // creation time (unset)
			uint16(0), // creation date (unset)
			uint16(0), // last access date (unset)
			uint16(entry.FirstCluster() >> 16),
			entry.Time(),
			entry.Date(),
			uint16(entry.FirstCluster() & 0xFFFF),
			entry.Size(), // file size in bytes
		} {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
	}

	return nil
}

// writeDirData serializes the directory listings into the data area,
// in the same pre-order as layoutDir assigned their clusters.
func (fw *Writer) writeDirData(d *directory) error {
	pw := &paddingWriter{
		w:     fw.dataTmp,
		padTo: clusterSize,
	}
	if err := fw.writeDirEntries(pw, d); err != nil {
		return err
	}
	if pw.count == 0 {
		// layoutDir reserved a cluster even for an empty listing.
		if _, err := fw.dataTmp.Write(make([]byte, clusterSize)); err != nil {
			return err
		}
	} else if err := pw.Flush(); err != nil {
		return err
	}

	for _, e := range d.entries {
		if sub, ok := e.(*directory); ok {
			if err := fw.writeDirData(sub); err != nil {
				return err
			}
		}
	}

	return nil
}

func (fw *Writer) bootSector(fatSectors int64) ([]byte, error) {
	var (
		jumpCode            = [3]byte{0xEB, 0x58, 0x90}
		OEM                 = [8]byte{'i', 'm', 'g', 't', 'o', 'o', 'l', ' '}
		volumeLabel         = [11]byte{'b', 'o', 'o', 't', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
		fileSystemType      = [8]byte{'F', 'A', 'T', '3', '2', ' ', ' ', ' '}
		bootCode            = [420]byte{}
		bootSectorSignature = [2]byte{0x55, 0xAA}
	)
	var buf bytes.Buffer
	for _, v := range []interface{}{
		jumpCode,                       // jump code: intel 80x86 jump instruction
		OEM,                            // OEM
		uint16(sectorSize),             // in bytes
		uint8(sectorsPerCluster),       // i.e. each FAT entry covers sectorsPerCluster*sectorSize bytes
		uint16(reservedSectors),        // reserved sectors
		uint8(1),                       // one copy of the FAT
		uint16(0),                      // no fixed root directory: the FAT32 root is a cluster chain
		uint16(0),                      // 0 = use uint32 number of sectors following later
		hardDisk,                       // media descriptor
		uint16(0),                      // 0 = use uint32 FAT size following later
		uint16(32),                     // (only for bootcode) number of sectors per track
		uint16(4),                      // (only for bootcode) number of heads
		uint32(0),                      // no hidden sectors
		uint32(fw.TotalSectors),        // total number of sectors
		uint32(fatSectors),             // number of sectors per FAT
		uint16(0),                      // ext flags: single FAT, mirroring irrelevant
		uint16(0),                      // file system version 0.0
		uint32(fw.root.firstCluster),   // first cluster of the root directory
		uint16(1),                      // FSInfo sector
		uint16(backupBootSector),       // backup boot sector
		[12]byte{},                     // reserved
		uint8(0x80),                    // (only for bootcode) drive number
		uint8(0),                       // reserved
		uint8(0x29),                    // magic value: boot signature
		volumeID,                       // volume ID
		volumeLabel,
		fileSystemType,
		bootCode,
		bootSectorSignature,
	} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func fsInfoSector() [sectorSize]byte {
	var b [sectorSize]byte
	binary.LittleEndian.PutUint32(b[0:], 0x41615252)   // lead signature
	binary.LittleEndian.PutUint32(b[484:], 0x61417272) // structure signature
	binary.LittleEndian.PutUint32(b[488:], 0xFFFFFFFF) // free cluster count unknown
	binary.LittleEndian.PutUint32(b[492:], 0xFFFFFFFF) // next free cluster unknown
	binary.LittleEndian.PutUint32(b[508:], 0xAA550000) // trail signature
	return b
}

func (fw *Writer) writeReserved(fatSectors int64) error {
	bs, err := fw.bootSector(fatSectors)
	if err != nil {
		return err
	}
	fsi := fsInfoSector()
	reserved := make([]byte, reservedSectors*sectorSize)
	copy(reserved[0:], bs)
	copy(reserved[1*sectorSize:], fsi[:])
	copy(reserved[backupBootSector*sectorSize:], bs)
	copy(reserved[(backupBootSector+1)*sectorSize:], fsi[:])
	_, err = fw.w.Write(reserved)
	return err
}

func (fw *Writer) writeFAT(fatSectors int64) error {
	w := &paddingWriter{
		w:     fw.w,
		padTo: int(fatSectors) * sectorSize}

	for _, entry := range append([]uint32{
		0x0FFFFF00 | uint32(hardDisk), // media descriptor
		endOfChain,                    // file system state: clean
	}, fw.fat...) {
		if err := binary.Write(w, binary.LittleEndian, entry); err != nil {
			return err
		}
	}

	return w.Flush()
}

func fullSectors64(bytes int64) int64 {
	sectors := bytes / sectorSize
	if bytes%sectorSize > 0 {
		sectors++
	}
	return sectors
}

func fullClusters(bytes int) int {
	clusters := bytes / clusterSize
	if bytes%clusterSize > 0 {
		clusters++
	}
	return clusters
}

// Flush writes the image. The Writer must not be used after calling
// Flush.
//
// Flush writes the reserved area, the FAT and the used part of the
// data area only; free clusters at the end of the volume are not
// backed by written bytes.
func (fw *Writer) Flush() error {
	if fw.pending != nil {
		if err := fw.pending.Close(); err != nil {
			return err
		}
	}

	// Assign clusters to all directory listings, then serialize them
	// (two passes, so that listings only ever reference assigned
	// clusters, even for nested subdirectories).
	fw.layoutDir(fw.root)
	if err := fw.writeDirData(fw.root); err != nil {
		return err
	}

	fatSectors, clusters, err := geometry(fw.TotalSectors)
	if err != nil {
		return err
	}
	if int64(len(fw.fat)) > clusters {
		return fmt.Errorf("content requires %d clusters, volume holds %d", len(fw.fat), clusters)
	}

	if err := fw.writeReserved(fatSectors); err != nil {
		return err
	}

	if err := fw.writeFAT(fatSectors); err != nil {
		return err
	}

	// data area
	if _, err := fw.dataTmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.Copy(fw.w, fw.dataTmp); err != nil {
		return err
	}

	fw.dataTmp.Close()
	return os.Remove(fw.dataTmp.Name())
}
