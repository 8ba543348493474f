package fat

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// testVolumeSectors is 130 MiB, slightly above the FAT32 minimum.
const testVolumeSectors = 266240

func TestUnmarshalTimeDate(t *testing.T) {
	t.Parallel()

	arbitrary := time.Date(2017, 9, 6, 8, 13, 28, 0, time.UTC)
	arbitraryC := common{modTime: arbitrary}

	for _, entry := range []struct {
		t, d uint16
		want time.Time
	}{
		{
			t:    arbitraryC.Time(),
			d:    arbitraryC.Date(),
			want: arbitrary,
		},
		{
			d:    0x2B14,
			want: time.Date(2001, 8, 20, 0, 0, 0, 0, time.UTC),
		},
		{
			t:    0x5401,
			d:    0x0021, // minimum date
			want: time.Date(1980, 1, 1, 10, 32, 2, 0, time.UTC),
		},
		{
			t:    0x5401,
			d:    0xFC46, // maximum date
			want: time.Date(2106, 2, 6, 10, 32, 2, 0, time.UTC),
		},
	} {
		entry := entry // copy
		t.Run(entry.want.String(), func(t *testing.T) {
			t.Parallel()
			got := unmarshalTimeDate(entry.t, entry.d)
			if !got.Equal(entry.want) {
				t.Fatalf("unexpected time: got %v, want %v", got, entry.want)
			}
		})
	}
}

func TestZeroTimeMapsToEpoch(t *testing.T) {
	t.Parallel()

	c := common{} // zero modTime predates the FAT epoch
	if got, want := c.Date(), uint16(0x0021); got != want {
		t.Errorf("Date() = %#x, want %#x (1980-01-01)", got, want)
	}
	if got := c.Time(); got != 0 {
		t.Errorf("Time() = %#x, want 0", got)
	}
}

func TestExtents(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	fw, err := NewWriter(&buf, testVolumeSectors)
	if err != nil {
		t.Fatal(err)
	}

	w, err := fw.File("/kernel.img", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	bKernel := bytes.Repeat([]byte{0x1F, 0x8B, 0x42}, 3000)
	if _, err := w.Write(bKernel); err != nil {
		t.Fatal(err)
	}

	bCmdline := []byte("root=/dev/xda")
	w, err = fw.File("/cmdline.txt", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(bCmdline); err != nil {
		t.Fatal(err)
	}

	bEntry := []byte("options root=/dev/xda")
	w, err = fw.File("/loader/entries/config.txt", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(bEntry); err != nil {
		t.Fatal(err)
	}

	if err := fw.Flush(); err != nil {
		t.Fatal(err)
	}

	rd, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		path string
		want []byte
	}{
		{"/kernel.img", bKernel},
		{"/cmdline.txt", bCmdline},
		{"/loader/entries/config.txt", bEntry},
	} {
		offset, length, err := rd.Extents(tt.path)
		if err != nil {
			t.Fatal(err)
		}
		if length != int64(len(tt.want)) {
			t.Fatalf("%s: got length %d, want %d", tt.path, length, len(tt.want))
		}
		got := make([]byte, length)
		if _, err := io.ReadFull(io.NewSectionReader(bytes.NewReader(buf.Bytes()), offset, length), got); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Fatalf("unexpected %s contents: diff (-want +got):\n%s", tt.path, diff)
		}
	}
}

// TestExtentsSectorAligned verifies that file content starts on a
// sector boundary: the bootloader patcher depends on it when turning
// byte offsets into sector numbers.
func TestExtentsSectorAligned(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	fw, err := NewWriter(&buf, testVolumeSectors)
	if err != nil {
		t.Fatal(err)
	}
	w, err := fw.File("/a.txt", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("seven b")); err != nil {
		t.Fatal(err)
	}
	w, err = fw.File("/b.txt", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("unaligned neighbour")); err != nil {
		t.Fatal(err)
	}
	if err := fw.Flush(); err != nil {
		t.Fatal(err)
	}

	rd, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{"/a.txt", "/b.txt"} {
		offset, _, err := rd.Extents(path)
		if err != nil {
			t.Fatal(err)
		}
		if offset%512 != 0 {
			t.Errorf("%s starts at byte %d, not sector-aligned", path, offset)
		}
	}
}

func TestTooSmallVolume(t *testing.T) {
	t.Parallel()

	// 64 MiB cannot hold the 65525 clusters FAT32 requires.
	if _, err := NewWriter(io.Discard, 131072); err == nil {
		t.Fatal("expected an error for a volume below the FAT32 minimum")
	}
}
