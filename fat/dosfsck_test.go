package fat_test

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/krazyimg/imgtool/fat"
)

const testVolumeSectors = 266240 // 130 MiB

func TestDosfsck(t *testing.T) {
	fsck, err := exec.LookPath("dosfsck")
	if err != nil {
		if fsck, err = exec.LookPath("fsck.fat"); err != nil {
			t.Skip("neither dosfsck nor fsck.fat found in $PATH")
		}
	}

	tmp, err := os.CreateTemp("", "example")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	fw, err := fat.NewWriter(tmp, testVolumeSectors)
	if err != nil {
		t.Fatal(err)
	}

	w, err := fw.File("/kernel.img", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	vmlinuz := make([]byte, 10*1024*1024)
	if _, err := w.Write(vmlinuz); err != nil {
		t.Fatal(err)
	}

	w, err = fw.File("/cmdline.txt", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("root=/dev/mmcblk0p2")); err != nil {
		t.Fatal(err)
	}

	w, err = fw.File("/overlays/disable.dtb", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("device tree blob goes here")); err != nil {
		t.Fatal(err)
	}

	if err := fw.Flush(); err != nil {
		t.Fatal(err)
	}

	// dosfsck verifies it can access the entire file system, but our FAT writer
	// might not fill up the entire file system, resulting in a too-short file:
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		t.Fatal(err)
	}
	if pad := fw.TotalSectors*512 - size; pad > 0 {
		if _, err := tmp.Write(bytes.Repeat([]byte{0}, int(pad))); err != nil {
			t.Fatal(err)
		}
	}

	if err := tmp.Close(); err != nil {
		t.Fatal(err)
	}

	cmd := exec.Command(fsck, "-v", tmp.Name())
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}
}
