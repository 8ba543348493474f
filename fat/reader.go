package fat

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"
)

func unmarshalTimeDate(t, d uint16) time.Time {
	return time.Date(
		1980+int(d>>9),
		time.Month((d>>5)&0xF),
		int(d&0x1F),
		int(t>>11),
		int((t>>5)&0x3F),
		int(t&0x1F)*2,
		0,
		time.UTC)
}

// Reader reads FAT32 file system images as written by Writer.
type Reader struct {
	r io.ReaderAt

	bytesPerSector    int64
	sectorsPerCluster int64
	dataStart         int64 // byte offset of cluster 2
	rootCluster       uint32
	fat               []uint32
}

// NewReader parses the boot sector and file allocation table of the
// FAT32 volume read from r.
func NewReader(r io.ReaderAt) (*Reader, error) {
	var bpb [sectorSize]byte
	if _, err := r.ReadAt(bpb[:], 0); err != nil {
		return nil, err
	}
	if bpb[510] != 0x55 || bpb[511] != 0xAA {
		return nil, fmt.Errorf("no boot sector signature found")
	}
	if fatSz16 := binary.LittleEndian.Uint16(bpb[22:24]); fatSz16 != 0 {
		return nil, fmt.Errorf("not a FAT32 volume (16-bit FAT size %d)", fatSz16)
	}

	rd := &Reader{
		r:                 r,
		bytesPerSector:    int64(binary.LittleEndian.Uint16(bpb[11:13])),
		sectorsPerCluster: int64(bpb[13]),
		rootCluster:       binary.LittleEndian.Uint32(bpb[44:48]),
	}
	if rd.bytesPerSector == 0 || rd.sectorsPerCluster == 0 {
		return nil, fmt.Errorf("corrupt boot sector: zero geometry")
	}

	reserved := int64(binary.LittleEndian.Uint16(bpb[14:16]))
	numFATs := int64(bpb[16])
	fatSectors := int64(binary.LittleEndian.Uint32(bpb[36:40]))
	fatStart := reserved * rd.bytesPerSector
	rd.dataStart = (reserved + numFATs*fatSectors) * rd.bytesPerSector

	raw := make([]byte, fatSectors*rd.bytesPerSector)
	if _, err := r.ReadAt(raw, fatStart); err != nil {
		return nil, err
	}
	rd.fat = make([]uint32, len(raw)/4)
	for i := range rd.fat {
		// The upper 4 bits of a FAT32 entry are reserved.
		rd.fat[i] = binary.LittleEndian.Uint32(raw[4*i:]) & 0x0FFFFFFF
	}

	return rd, nil
}

func (rd *Reader) clusterOffset(cluster uint32) int64 {
	return rd.dataStart + int64(cluster-unusableClusters)*rd.sectorsPerCluster*rd.bytesPerSector
}

// chain follows a cluster chain from first to its end-of-chain marker.
func (rd *Reader) chain(first uint32) ([]uint32, error) {
	var clusters []uint32
	cur := first
	for {
		if cur < unusableClusters || int(cur) >= len(rd.fat) {
			return nil, fmt.Errorf("cluster %d outside the FAT", cur)
		}
		clusters = append(clusters, cur)
		if len(clusters) > len(rd.fat) {
			return nil, fmt.Errorf("cluster chain starting at %d does not terminate", first)
		}
		next := rd.fat[cur]
		if next >= 0x0FFFFFF8 {
			return clusters, nil
		}
		cur = next
	}
}

type dirEntry struct {
	name         string
	attr         uint8
	firstCluster uint32
	size         uint32
	modTime      time.Time
}

func (de *dirEntry) isDir() bool { return de.attr&0x10 != 0 }

func (rd *Reader) readDir(cluster uint32) ([]dirEntry, error) {
	clusters, err := rd.chain(cluster)
	if err != nil {
		return nil, err
	}
	clusterBytes := rd.sectorsPerCluster * rd.bytesPerSector
	var entries []dirEntry
	for _, c := range clusters {
		buf := make([]byte, clusterBytes)
		if _, err := rd.r.ReadAt(buf, rd.clusterOffset(c)); err != nil {
			return nil, err
		}
		for off := 0; off+32 <= len(buf); off += 32 {
			e := buf[off : off+32]
			if e[0] == 0 {
				return entries, nil // end of listing
			}
			if e[0] == 0xE5 {
				continue // deleted
			}
			attr := e[11]
			if attr&0x0F == 0x0F {
				continue // long file name entry
			}
			name := strings.TrimRight(string(e[0:8]), " ")
			if ext := strings.TrimRight(string(e[8:11]), " "); ext != "" {
				name += "." + ext
			}
			if name == "." || name == ".." {
				continue
			}
			entries = append(entries, dirEntry{
				name:         name,
				attr:         attr,
				firstCluster: uint32(binary.LittleEndian.Uint16(e[20:22]))<<16 | uint32(binary.LittleEndian.Uint16(e[26:28])),
				size:         binary.LittleEndian.Uint32(e[28:32]),
				modTime: unmarshalTimeDate(
					binary.LittleEndian.Uint16(e[22:24]),
					binary.LittleEndian.Uint16(e[24:26])),
			})
		}
	}
	return entries, nil
}

func (rd *Reader) lookup(path string) (*dirEntry, error) {
	cur := rd.rootCluster
	components := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	if len(components) == 0 {
		return nil, fmt.Errorf("path %q does not name a file", path)
	}
	for i, component := range components {
		entries, err := rd.readDir(cur)
		if err != nil {
			return nil, err
		}
		var found *dirEntry
		for idx := range entries {
			if strings.EqualFold(entries[idx].name, component) {
				found = &entries[idx]
				break
			}
		}
		if found == nil {
			return nil, fmt.Errorf("%q not found", path)
		}
		if i == len(components)-1 {
			return found, nil
		}
		if !found.isDir() {
			return nil, fmt.Errorf("path %q invalid: component %q identifies a file", path, component)
		}
		cur = found.firstCluster
	}
	return nil, fmt.Errorf("%q not found", path)
}

// Extents returns the byte offset within the volume at which the
// content of the named file starts, and its length. Writer allocates
// cluster chains contiguously; Extents verifies that assumption
// rather than silently returning the offset of a fragmented file.
func (rd *Reader) Extents(path string) (offset, length int64, err error) {
	de, err := rd.lookup(path)
	if err != nil {
		return 0, 0, err
	}
	if de.isDir() {
		return 0, 0, fmt.Errorf("%q is a directory", path)
	}
	if de.size == 0 {
		return 0, 0, nil
	}
	clusters, err := rd.chain(de.firstCluster)
	if err != nil {
		return 0, 0, err
	}
	for i, c := range clusters {
		if c != de.firstCluster+uint32(i) {
			return 0, 0, fmt.Errorf("%q is fragmented at cluster %d", path, c)
		}
	}
	return rd.clusterOffset(de.firstCluster), int64(de.size), nil
}

// ModTime returns the modification time stored for the named file.
func (rd *Reader) ModTime(path string) (time.Time, error) {
	de, err := rd.lookup(path)
	if err != nil {
		return time.Time{}, err
	}
	return de.modTime, nil
}
