// Package arch enumerates the supported target architectures and the
// per-architecture artifacts an image needs: the kernel blob name, the
// compiler target triple and any extra firmware files for the boot
// volume.
package arch

import (
	"fmt"
	"sort"
)

// Config describes one supported target architecture.
type Config struct {
	// Slug is the name used on the command line, e.g. "x86_64".
	Slug string

	// KernelBlob is the file name of the kernel to download,
	// e.g. "vmlinuz-x86_64".
	KernelBlob string

	// Triple is the target triple packages are compiled for.
	Triple string

	// Firmware lists extra blobs which must accompany the kernel on
	// the boot volume, e.g. the Raspberry Pi GPU firmware.
	Firmware []string
}

var configs = map[string]Config{
	"x86_64": {
		Slug:       "x86_64",
		KernelBlob: "vmlinuz-x86_64",
		Triple:     "x86_64-unknown-linux-musl",
	},
	"rpi": {
		Slug:       "rpi",
		KernelBlob: "vmlinuz-rpi",
		Triple:     "aarch64-unknown-linux-musl",
		Firmware: []string{
			"bootcode.bin",
			"start.elf",
			"fixup.dat",
		},
	},
}

// Get returns the configuration for the named architecture.
func Get(slug string) (Config, error) {
	cfg, ok := configs[slug]
	if !ok {
		return Config{}, fmt.Errorf("unknown architecture %q (supported: %v)", slug, Slugs())
	}
	return cfg, nil
}

// Slugs returns the names of all supported architectures, sorted.
func Slugs() []string {
	slugs := make([]string, 0, len(configs))
	for slug := range configs {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}
