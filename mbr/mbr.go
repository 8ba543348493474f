// Package mbr configures the stage-1 bootloader written to a Master
// Boot Record.
//
// The stage-1 loader occupies the first 432 bytes of the MBR and is
// followed by two little-endian uint32 logical block addresses: the
// sector holding the kernel image and the sector holding the kernel
// command line. A boot ROM stage reading the MBR locates both purely
// from these two values.
package mbr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// BootCodeSize is the number of MBR bytes available for the
	// stage-1 loader code.
	BootCodeSize = 432

	// PatchSize is the number of leading MBR bytes rewritten by
	// Configure: loader code plus the two LBA parameters. The
	// partition table at byte 446 is never touched.
	PatchSize = 440
)

// ErrNotFound is returned when file content cannot be found verbatim
// inside the boot region. There is no safe fallback LBA in that case.
var ErrNotFound = errors.New("content not found in boot region")

// Configure returns the leading PatchSize bytes of an MBR: the given
// stage-1 loader, zero-padded to BootCodeSize, followed by the two
// LBA parameters. Loaders longer than BootCodeSize are rejected.
func Configure(loader []byte, kernelLBA, cmdlineLBA uint32) ([PatchSize]byte, error) {
	var b [PatchSize]byte
	if len(loader) > BootCodeSize {
		return b, fmt.Errorf("bootloader is %d bytes, must not exceed %d", len(loader), BootCodeSize)
	}
	copy(b[:BootCodeSize], loader)
	binary.LittleEndian.PutUint32(b[432:436], kernelLBA)
	binary.LittleEndian.PutUint32(b[436:440], cmdlineLBA)
	return b, nil
}

// LocateContent returns the sector (relative to the boot volume start)
// holding the first byte of content. region must hold the boot volume
// bytes starting at its second sector: file data inside the volume is
// sector-aligned, and the skipped reserved boot sector accounts for
// the +1.
//
// The first match wins. Content that is empty or absent is fatal;
// patching a guessed address would produce an unbootable image.
func LocateContent(region, content []byte) (uint32, error) {
	if len(content) == 0 {
		return 0, fmt.Errorf("refusing to search for empty content: %w", ErrNotFound)
	}
	idx := bytes.Index(region, content)
	if idx == -1 {
		return 0, ErrNotFound
	}
	return uint32(idx/512) + 1, nil
}

// Params locates kernel and cmdline inside the boot region and returns
// their absolute LBAs. baseLBA is the sector at which the boot volume
// starts on the target.
func Params(region, kernel, cmdline []byte, baseLBA uint32) (kernelLBA, cmdlineLBA uint32, err error) {
	ks, err := LocateContent(region, kernel)
	if err != nil {
		return 0, 0, fmt.Errorf("kernel: %w", err)
	}
	cs, err := LocateContent(region, cmdline)
	if err != nil {
		return 0, 0, fmt.Errorf("cmdline: %w", err)
	}
	return baseLBA + ks, baseLBA + cs, nil
}
