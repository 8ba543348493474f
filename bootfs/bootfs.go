// Package bootfs builds the FAT32 boot volume: the kernel, the kernel
// command line and any architecture-specific firmware, all fetched
// from the blob base URL.
package bootfs

import (
	"fmt"
	"io"
	"time"

	"github.com/krazyimg/imgtool/arch"
	"github.com/krazyimg/imgtool/fat"
	"github.com/krazyimg/imgtool/fetch"
)

const (
	// KernelName is the file name of the kernel on the boot volume.
	KernelName = "kernel.img"

	// CmdlineName is the file name of the kernel command line on the
	// boot volume.
	CmdlineName = "cmdline.txt"
)

// A Manifest maps boot volume file names to their contents. The
// kernel and command line contents are needed again after the volume
// is written, to locate them for the boot loader.
type Manifest map[string][]byte

// Build fetches the boot files for cfg and writes a FAT32 file system
// of volumeSectors sectors to w. All files carry the zero
// modification time so that identical input yields identical volume
// bytes.
func Build(w io.Writer, volumeSectors int64, cfg arch.Config, fetcher fetch.Fetcher) (Manifest, error) {
	manifest := Manifest{}

	kernel, err := fetcher.Fetch(cfg.KernelBlob)
	if err != nil {
		return nil, fmt.Errorf("fetching kernel: %v", err)
	}
	manifest[KernelName] = kernel

	cmdline, err := fetcher.Fetch(CmdlineName)
	if err != nil {
		return nil, fmt.Errorf("fetching kernel command line: %v", err)
	}
	manifest[CmdlineName] = cmdline

	for _, name := range cfg.Firmware {
		blob, err := fetcher.Fetch(name)
		if err != nil {
			return nil, fmt.Errorf("fetching firmware %s: %v", name, err)
		}
		manifest[name] = blob
	}

	fw, err := fat.NewWriter(w, volumeSectors)
	if err != nil {
		return nil, err
	}
	// Write the kernel and command line first; the boot loader finds
	// them by scanning the volume and takes the first match.
	order := append([]string{KernelName, CmdlineName}, cfg.Firmware...)
	for _, name := range order {
		f, err := fw.File("/"+name, time.Time{})
		if err != nil {
			return nil, err
		}
		if _, err := f.Write(manifest[name]); err != nil {
			return nil, err
		}
	}
	if err := fw.Flush(); err != nil {
		return nil, err
	}
	return manifest, nil
}
