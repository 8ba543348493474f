package layout

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const gib = 1024 * mib

func TestComputeSingleRoot(t *testing.T) {
	t.Parallel()

	pl, err := Compute(SingleRoot, 2*gib, DefaultParams)
	if err != nil {
		t.Fatal(err)
	}

	want := [4]Entry{
		{Active: true, Type: TypeFAT32LBA, StartLBA: 2048, Sectors: 524288},
		{Type: TypeLinux, StartLBA: 526336, Sectors: 3667968},
		{},
		{},
	}
	if diff := cmp.Diff(want, pl.Entries); diff != "" {
		t.Fatalf("unexpected partition entries: diff (-want +got):\n%s", diff)
	}

	if got, want := pl.Entries[1].Sectors, uint32(2*gib/512)-pl.Entries[1].StartLBA; got != want {
		t.Errorf("root does not absorb the remainder: got %d sectors, want %d", got, want)
	}

	wantBoot := Region{Start: 2048 * 512, Size: 256 * mib}
	if diff := cmp.Diff(wantBoot, pl.Boot); diff != "" {
		t.Errorf("unexpected boot region: diff (-want +got):\n%s", diff)
	}
	if got, want := pl.Root.End(), int64(2*gib); got != want {
		t.Errorf("root region ends at byte %d, want %d", got, want)
	}
}

func TestComputeDualRoot(t *testing.T) {
	t.Parallel()

	pl, err := Compute(DualRoot, 2*gib, DefaultParams)
	if err != nil {
		t.Fatal(err)
	}

	const slotSectors = 256 * mib / 512
	want := [4]Entry{
		{Active: true, Type: TypeFAT32LBA, StartLBA: 2048, Sectors: slotSectors},
		{Type: TypeLinux, StartLBA: 2048 + slotSectors, Sectors: slotSectors},
		{Type: TypeLinux, StartLBA: 2048 + 2*slotSectors, Sectors: slotSectors},
		{Type: TypeLinux, StartLBA: 2048 + 3*slotSectors, Sectors: 2*gib/512 - 2048 - 3*slotSectors},
	}
	if diff := cmp.Diff(want, pl.Entries); diff != "" {
		t.Fatalf("unexpected partition entries: diff (-want +got):\n%s", diff)
	}

	slots := pl.RootSlots()
	if len(slots) != 2 {
		t.Fatalf("got %d root slots, want 2", len(slots))
	}
	if slots[0] != pl.Root || slots[1] != pl.RootB {
		t.Errorf("RootSlots returned %v, want [%v %v]", slots, pl.Root, pl.RootB)
	}
}

// TestComputeCoversTarget verifies that for a variety of sizes and both
// schemes, the entries are sector-aligned, pairwise non-overlapping and
// cover [FirstLBA*512, S) except for a possible sub-sector remainder.
func TestComputeCoversTarget(t *testing.T) {
	t.Parallel()

	sizes := []int64{
		1 * gib,
		2 * gib,
		2*gib + 511, // sub-sector remainder is dropped
		3*gib + 512,
		7919 * mib,
	}
	for _, scheme := range []Scheme{SingleRoot, DualRoot} {
		for _, size := range sizes {
			pl, err := Compute(scheme, size, DefaultParams)
			if err != nil {
				t.Fatalf("Compute(%v, %d): %v", scheme, size, err)
			}
			next := DefaultParams.FirstLBA
			for i, e := range pl.Entries {
				if e.Type == 0 {
					continue
				}
				if e.StartLBA != next {
					t.Errorf("%v/%d: entry %d starts at %d, want %d (gap or overlap)",
						scheme, size, i, e.StartLBA, next)
				}
				next = e.StartLBA + e.Sectors
			}
			if got, want := int64(next)*512, size-size%512; got != want {
				t.Errorf("%v/%d: partitions end at byte %d, want %d", scheme, size, got, want)
			}
		}
	}
}

func TestComputeInsufficientSpace(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		scheme Scheme
		size   int64
	}{
		{SingleRoot, 256 * mib},
		{SingleRoot, 257 * mib}, // fixed slots + table overhead exceed this
		{DualRoot, 768 * mib},
		{DualRoot, 769 * mib},
	} {
		if _, err := Compute(tt.scheme, tt.size, DefaultParams); !errors.Is(err, ErrInsufficientSpace) {
			t.Errorf("Compute(%v, %d) = %v, want ErrInsufficientSpace", tt.scheme, tt.size, err)
		}
	}
}

func TestComputeRejectsOversizedTarget(t *testing.T) {
	t.Parallel()

	// 3 TiB exceeds 32-bit sector addressing (2 TiB at 512-byte
	// sectors); a silently truncated sector count would corrupt the
	// table.
	if _, err := Compute(SingleRoot, 3*1024*gib, DefaultParams); err == nil {
		t.Fatal("expected an error for a target beyond 32-bit sector addressing")
	}
	if _, err := Compute(SingleRoot, 2*1024*gib-512, DefaultParams); err != nil {
		t.Fatalf("target just below the addressing limit rejected: %v", err)
	}
}

func TestWriteTable(t *testing.T) {
	t.Parallel()

	pl, err := Compute(SingleRoot, 2*gib, DefaultParams)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := pl.WriteTable(&buf); err != nil {
		t.Fatal(err)
	}
	sector := buf.Bytes()
	if len(sector) != 512 {
		t.Fatalf("table sector is %d bytes, want 512", len(sector))
	}
	if sector[510] != 0x55 || sector[511] != 0xAA {
		t.Errorf("missing boot signature: got %#x %#x", sector[510], sector[511])
	}
	for _, b := range sector[:446] {
		if b != 0 {
			t.Fatal("boot code area is not zeroed")
		}
	}

	boot := sector[446:462]
	if boot[0] != 0x80 {
		t.Errorf("boot partition not marked active: %#x", boot[0])
	}
	if got, want := boot[1:4], []byte{0xFF, 0xFF, 0xFE}; !bytes.Equal(got, want) {
		t.Errorf("CHS start sentinel: got %x, want %x", got, want)
	}
	if boot[4] != TypeFAT32LBA {
		t.Errorf("boot partition type: got %#x, want %#x", boot[4], TypeFAT32LBA)
	}
	if got := binary.LittleEndian.Uint32(boot[8:12]); got != 2048 {
		t.Errorf("boot start LBA: got %d, want 2048", got)
	}
	if got := binary.LittleEndian.Uint32(boot[12:16]); got != 524288 {
		t.Errorf("boot sectors: got %d, want 524288", got)
	}

	root := sector[446+16 : 446+32]
	if root[0] != 0x00 {
		t.Errorf("root partition marked active: %#x", root[0])
	}
	if root[4] != TypeLinux {
		t.Errorf("root partition type: got %#x, want %#x", root[4], TypeLinux)
	}

	for _, unused := range [][]byte{sector[446+32 : 446+48], sector[446+48 : 446+64]} {
		if !bytes.Equal(unused, make([]byte, 16)) {
			t.Error("unused partition record is not all-zero")
		}
	}
}

func TestCustomSlotSize(t *testing.T) {
	t.Parallel()

	p := Params{SectorSize: 512, FirstLBA: 64, SlotBytes: 1 * mib}
	pl, err := Compute(DualRoot, 16*mib, p)
	if err != nil {
		t.Fatal(err)
	}
	const slotSectors = mib / 512
	if got := pl.Entries[0].Sectors; got != slotSectors {
		t.Errorf("boot sectors: got %d, want %d", got, slotSectors)
	}
	if got, want := pl.Data.End(), int64(16*mib); got != want {
		t.Errorf("data region ends at %d, want %d", got, want)
	}
}
