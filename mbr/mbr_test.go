package mbr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestConfigure(t *testing.T) {
	t.Parallel()

	loader := bytes.Repeat([]byte{0xEB}, 100)
	b, err := Configure(loader, 2057, 4105)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b[:100], loader) {
		t.Error("loader code not copied verbatim")
	}
	if !bytes.Equal(b[100:432], make([]byte, 332)) {
		t.Error("short loader not zero-padded to 432 bytes")
	}
	if got := binary.LittleEndian.Uint32(b[432:436]); got != 2057 {
		t.Errorf("kernel LBA: got %d, want 2057", got)
	}
	if got := binary.LittleEndian.Uint32(b[436:440]); got != 4105 {
		t.Errorf("cmdline LBA: got %d, want 4105", got)
	}
}

func TestConfigureRejectsLongLoader(t *testing.T) {
	t.Parallel()

	if _, err := Configure(make([]byte, BootCodeSize+1), 0, 0); err == nil {
		t.Fatal("loader longer than 432 bytes accepted")
	}
	if _, err := Configure(make([]byte, BootCodeSize), 0, 0); err != nil {
		t.Fatalf("432-byte loader rejected: %v", err)
	}
}

func TestLocateContent(t *testing.T) {
	t.Parallel()

	// Content placed at sector 8 of the volume appears at byte
	// (8-1)*512 of a region buffer that starts at sector 1.
	region := make([]byte, 64*512)
	content := []byte("vmlinuz vmlinuz vmlinuz")
	copy(region[7*512:], content)

	sector, err := LocateContent(region, content)
	if err != nil {
		t.Fatal(err)
	}
	if sector != 8 {
		t.Errorf("got sector %d, want 8", sector)
	}
}

func TestLocateContentFirstMatchWins(t *testing.T) {
	t.Parallel()

	region := make([]byte, 64*512)
	content := []byte("root=/dev/mmcblk0p2")
	copy(region[3*512:], content)
	copy(region[9*512:], content)

	sector, err := LocateContent(region, content)
	if err != nil {
		t.Fatal(err)
	}
	if sector != 4 {
		t.Errorf("got sector %d, want 4 (first match)", sector)
	}
}

func TestLocateContentErrors(t *testing.T) {
	t.Parallel()

	region := make([]byte, 16*512)
	if _, err := LocateContent(region, []byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing content: got %v, want ErrNotFound", err)
	}
	if _, err := LocateContent(region, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty content: got %v, want ErrNotFound", err)
	}
}

func TestParams(t *testing.T) {
	t.Parallel()

	region := make([]byte, 64*512)
	kernel := bytes.Repeat([]byte{0xAA, 0x55, 0x42}, 600)
	cmdline := []byte("root=/dev/mmcblk0p2 rootfstype=squashfs")
	copy(region[15*512:], kernel)
	copy(region[31*512:], cmdline)

	kernelLBA, cmdlineLBA, err := Params(region, kernel, cmdline, 2048)
	if err != nil {
		t.Fatal(err)
	}
	if kernelLBA != 2048+16 {
		t.Errorf("kernel LBA: got %d, want %d", kernelLBA, 2048+16)
	}
	if cmdlineLBA != 2048+32 {
		t.Errorf("cmdline LBA: got %d, want %d", cmdlineLBA, 2048+32)
	}

	if _, _, err := Params(region, kernel, []byte("not on the volume"), 2048); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
