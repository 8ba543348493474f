// Package layout plans MBR partition layouts for generated images and
// serializes the resulting partition table.
//
// All geometry constants (sector size, first partition offset, fixed
// slot size) are carried in Params and passed in explicitly, so that
// layouts remain testable with arbitrary slot sizes.
package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Partition type codes as stored in the MBR partition table.
const (
	TypeFAT32LBA = 0x0C
	TypeLinux    = 0x83
)

const mib = 1024 * 1024

// ErrInsufficientSpace is returned when the target is too small to
// hold the fixed-size slots of the requested scheme.
var ErrInsufficientSpace = errors.New("insufficient space")

// Params holds the geometry constants of a layout.
type Params struct {
	SectorSize int64
	FirstLBA   uint32 // start of the first partition, in sectors
	SlotBytes  int64  // size of each fixed-size slot
}

// DefaultParams places the first partition at 1 MiB and uses 256 MiB
// slots for the boot and fixed root partitions.
var DefaultParams = Params{
	SectorSize: 512,
	FirstLBA:   2048,
	SlotBytes:  256 * mib,
}

// Scheme selects which partitions an image contains.
type Scheme int

const (
	// SingleRoot is boot + one root partition spanning the rest.
	SingleRoot Scheme = iota
	// DualRoot is boot + two fixed-size root partitions (A/B) + a
	// data partition spanning the rest.
	DualRoot
)

func (s Scheme) String() string {
	switch s {
	case SingleRoot:
		return "single-root"
	case DualRoot:
		return "dual-root"
	default:
		return fmt.Sprintf("Scheme(%d)", int(s))
	}
}

// Entry is one of the four 16-byte partition records of an MBR
// partition table. A zero Entry marshals to an unused all-zero record.
type Entry struct {
	Active   bool
	Type     byte
	StartLBA uint32
	Sectors  uint32
}

// invalidCHS forces readers to fall back to the LBA fields.
var invalidCHS = [3]byte{0xFF, 0xFF, 0xFE}

func (e *Entry) marshal() [16]byte {
	var b [16]byte
	if e.Type == 0 {
		return b
	}
	if e.Active {
		b[0] = 0x80
	}
	copy(b[1:4], invalidCHS[:])
	b[4] = e.Type
	copy(b[5:8], invalidCHS[:])
	binary.LittleEndian.PutUint32(b[8:12], e.StartLBA)
	binary.LittleEndian.PutUint32(b[12:16], e.Sectors)
	return b
}

// Region is an absolute byte range of the target device or file.
type Region struct {
	Start int64
	Size  int64
}

func (r Region) End() int64 { return r.Start + r.Size }

// Plan is a computed partition layout. Entries hold the partition
// table records in order; the named regions describe the same extents
// as byte ranges for the writers acting on them.
type Plan struct {
	Scheme  Scheme
	Params  Params
	Entries [4]Entry

	Boot  Region
	Root  Region // the only root in SingleRoot, root A in DualRoot
	RootB Region // DualRoot only
	Data  Region // DualRoot only
}

// Compute plans the partition layout for a target of totalBytes bytes.
// It performs no I/O. The remaining space after the fixed-size slots is
// assigned to the last partition; a sub-sector remainder is dropped and
// belongs to no partition.
func Compute(scheme Scheme, totalBytes int64, p Params) (*Plan, error) {
	fixedSlots := int64(1)
	if scheme == DualRoot {
		fixedSlots = 3
	}
	fixed := int64(p.FirstLBA)*p.SectorSize + fixedSlots*p.SlotBytes
	if totalBytes <= fixed {
		return nil, fmt.Errorf("%w: %s layout requires more than %d bytes, target holds %d",
			ErrInsufficientSpace, scheme, fixed, totalBytes)
	}
	// MBR partition records address sectors with 32 bits.
	if totalBytes/p.SectorSize > math.MaxUint32 {
		return nil, fmt.Errorf("target of %d bytes exceeds the 32-bit sector addressing of an MBR partition table", totalBytes)
	}

	slotSectors := uint32(p.SlotBytes / p.SectorSize)
	totalSectors := uint32(totalBytes / p.SectorSize)

	pl := &Plan{Scheme: scheme, Params: p}
	next := p.FirstLBA

	pl.Entries[0] = Entry{Active: true, Type: TypeFAT32LBA, StartLBA: next, Sectors: slotSectors}
	pl.Boot = p.region(next, slotSectors)
	next += slotSectors

	switch scheme {
	case SingleRoot:
		pl.Entries[1] = Entry{Type: TypeLinux, StartLBA: next, Sectors: totalSectors - next}
		pl.Root = p.region(next, totalSectors-next)

	case DualRoot:
		pl.Entries[1] = Entry{Type: TypeLinux, StartLBA: next, Sectors: slotSectors}
		pl.Root = p.region(next, slotSectors)
		next += slotSectors

		pl.Entries[2] = Entry{Type: TypeLinux, StartLBA: next, Sectors: slotSectors}
		pl.RootB = p.region(next, slotSectors)
		next += slotSectors

		pl.Entries[3] = Entry{Type: TypeLinux, StartLBA: next, Sectors: totalSectors - next}
		pl.Data = p.region(next, totalSectors-next)

	default:
		return nil, fmt.Errorf("unknown layout scheme %d", scheme)
	}

	return pl, nil
}

func (p Params) region(startLBA, sectors uint32) Region {
	return Region{
		Start: int64(startLBA) * p.SectorSize,
		Size:  int64(sectors) * p.SectorSize,
	}
}

// RootSlots returns the root filesystem regions in build order.
func (pl *Plan) RootSlots() []Region {
	if pl.Scheme == DualRoot {
		return []Region{pl.Root, pl.RootB}
	}
	return []Region{pl.Root}
}

// WriteTable writes the 512-byte image of the first sector: an empty
// boot code area, the four partition records and the boot signature.
// The boot code area is patched separately once the boot volume
// contents are known.
func (pl *Plan) WriteTable(w io.Writer) error {
	var sector [512]byte
	for i := range pl.Entries {
		b := pl.Entries[i].marshal()
		copy(sector[446+16*i:], b[:])
	}
	sector[510] = 0x55
	sector[511] = 0xAA
	_, err := w.Write(sector[:])
	return err
}
