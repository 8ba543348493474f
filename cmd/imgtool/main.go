// imgtool writes bootable images for embedded Linux appliances: an
// MBR partition table with a patched stage-1 boot loader, a FAT32
// boot volume holding the kernel, and one or two compressed read-only
// root file systems built from compiled packages.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/krazyimg/imgtool/arch"
	"github.com/krazyimg/imgtool/packer"
	"github.com/krazyimg/imgtool/pkgspec"
)

func logic() error {
	var (
		overwrite = pflag.StringP("overwrite", "o", "",
			"image file or block device to overwrite")
		size = pflag.Int64P("size", "n", 0,
			"target size in bytes (required for image files, ignored for block devices)")
		architecture = pflag.StringP("architecture", "a", "x86_64",
			fmt.Sprintf("target architecture, one of %v", arch.Slugs()))
		packages = pflag.StringSliceP("package", "c", nil,
			"registry package to install (can be repeated)")
		gitPackages = pflag.StringSliceP("git", "g", nil,
			"git package to install, as URL or URL%name (can be repeated)")
		initPkg = pflag.StringP("init", "i", "",
			"package whose binary becomes /bin/init")
		dualRoot = pflag.Bool("dual-root", false,
			"write two redundant root partitions (A/B) plus a data partition")
		kernelBase = pflag.String("kernel-base", "",
			"base URL to fetch kernel and firmware blobs from")
		bootloader = pflag.String("bootloader", "boot.bin",
			"stage-1 boot loader binary to patch into the MBR")
	)
	pflag.Parse()

	if *overwrite == "" {
		return fmt.Errorf("no target specified (use --overwrite)")
	}
	if *initPkg == "" {
		return fmt.Errorf("no init package specified (use --init)")
	}

	var specs []pkgspec.Spec
	for _, name := range *packages {
		specs = append(specs, pkgspec.Registry(name))
	}
	for _, arg := range *gitPackages {
		spec, err := pkgspec.ParseGit(arg)
		if err != nil {
			return err
		}
		specs = append(specs, spec)
	}

	target, err := os.OpenFile(*overwrite, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer target.Close()

	p := &packer.Pack{
		Target:         target,
		Size:           *size,
		Arch:           *architecture,
		Specs:          specs,
		Init:           *initPkg,
		DualRoot:       *dualRoot,
		BootloaderPath: *bootloader,
		KernelBaseURL:  *kernelBase,
		Progress:       true,
	}
	if err := p.Overwrite(context.Background()); err != nil {
		return err
	}
	fmt.Println()
	return target.Close()
}

func main() {
	if err := logic(); err != nil {
		logrus.Fatal(err)
	}
}
