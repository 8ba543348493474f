// Package packer orchestrates writing a complete bootable image:
// partition table, boot volume, boot loader patch and root file
// system(s).
package packer

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/krazyimg/imgtool/arch"
	"github.com/krazyimg/imgtool/blockdev"
	"github.com/krazyimg/imgtool/bootfs"
	"github.com/krazyimg/imgtool/fetch"
	"github.com/krazyimg/imgtool/humanize"
	"github.com/krazyimg/imgtool/layout"
	"github.com/krazyimg/imgtool/mbr"
	"github.com/krazyimg/imgtool/pkgspec"
	"github.com/krazyimg/imgtool/progress"
	"github.com/krazyimg/imgtool/rootfs"
)

// Pack describes one image build.
type Pack struct {
	// Target is the image file or block device to overwrite.
	Target *os.File

	// Size is the target size in bytes for regular file targets.
	// Ignored for block devices, whose size is queried from the
	// kernel.
	Size int64

	// Arch selects the target architecture, e.g. "x86_64".
	Arch string

	// Specs lists the packages to compile into the root file system.
	Specs []pkgspec.Spec

	// Init names the package whose binary becomes /bin/init.
	Init string

	// DualRoot selects the redundant A/B root layout.
	DualRoot bool

	// BootloaderPath is the stage-1 loader binary patched into the
	// MBR.
	BootloaderPath string

	// KernelBaseURL overrides where kernel and firmware blobs are
	// fetched from. Empty means fetch.DefaultBaseURL.
	KernelBaseURL string

	// Fetcher and Compiler can be replaced for testing. Nil means
	// fetching over HTTP and compiling with cargo.
	Fetcher  fetch.Fetcher
	Compiler rootfs.Compiler

	// Progress enables the terminal progress reporter.
	Progress bool

	Log *logrus.Logger
}

// limitWriter fails writes which would exceed the remaining slot
// space instead of overwriting the following partition.
type limitWriter struct {
	w       io.Writer
	remain  int64
	total   int64
	context string
}

func (lw *limitWriter) Write(p []byte) (n int, err error) {
	if int64(len(p)) > lw.remain {
		return 0, fmt.Errorf("%s exceeds its %s slot", lw.context, humanize.Bytes(uint64(lw.total)))
	}
	n, err = lw.w.Write(p)
	lw.remain -= int64(n)
	return n, err
}

func (p *Pack) log() *logrus.Logger {
	if p.Log != nil {
		return p.Log
	}
	return logrus.StandardLogger()
}

// Overwrite builds the image onto p.Target. All validation that can
// fail without touching the target happens before the first write.
func (p *Pack) Overwrite(ctx context.Context) error {
	log := p.log()

	cfg, err := arch.Get(p.Arch)
	if err != nil {
		return err
	}
	if len(p.Specs) == 0 {
		return fmt.Errorf("no packages selected")
	}
	if !pkgspec.ContainsInit(p.Specs, p.Init) {
		return fmt.Errorf("no selected package provides the init binary %q", p.Init)
	}
	loader, err := os.ReadFile(p.BootloaderPath)
	if err != nil {
		return fmt.Errorf("reading bootloader: %v", err)
	}
	if len(loader) > mbr.BootCodeSize {
		return fmt.Errorf("bootloader %s is %d bytes, must not exceed %d",
			p.BootloaderPath, len(loader), mbr.BootCodeSize)
	}

	size, err := blockdev.TargetSize(p.Target, p.Size)
	if err != nil {
		return err
	}
	if dev, err := blockdev.IsDevice(p.Target); err != nil {
		return err
	} else if !dev {
		// Regular file targets take on the requested size right away,
		// so later reads within any partition succeed.
		if err := p.Target.Truncate(size); err != nil {
			return err
		}
	}

	scheme := layout.SingleRoot
	if p.DualRoot {
		scheme = layout.DualRoot
	}
	plan, err := layout.Compute(scheme, size, layout.DefaultParams)
	if err != nil {
		return err
	}
	log.Infof("packing %s image onto %s (%s)", scheme, p.Target.Name(), humanize.Bytes(uint64(size)))

	fetcher := p.Fetcher
	if fetcher == nil {
		fetcher = fetch.NewHTTP(p.KernelBaseURL)
	}
	compiler := p.Compiler
	if compiler == nil {
		compiler = &rootfs.ExecCompiler{Stdout: os.Stdout, Stderr: os.Stderr}
	}

	var reporter progress.Reporter
	if p.Progress {
		ctx, canc := context.WithCancel(ctx)
		defer canc()
		reporter.SetTotal(uint64(size))
		go reporter.Report(ctx)
	}
	counted := func(w io.Writer) io.Writer {
		if !p.Progress {
			return w
		}
		return reporter.Writer(w)
	}

	// All binaries are compiled before the first write so that a
	// compilation failure leaves the target untouched.
	reporter.SetStatus("compiling packages")
	staging, err := rootfs.Compile(compiler, p.Specs, cfg.Triple)
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	reporter.SetStatus("writing boot volume")
	bootWriter := counted(io.NewOffsetWriter(p.Target, plan.Boot.Start))
	manifest, err := bootfs.Build(bootWriter, plan.Boot.Size/plan.Params.SectorSize, cfg, fetcher)
	if err != nil {
		return fmt.Errorf("boot volume: %v", err)
	}
	log.Infof("boot volume written (%s kernel)", humanize.Bytes(uint64(len(manifest[bootfs.KernelName]))))

	// Locate kernel and cmdline by reading back what was just
	// written, from the second boot volume sector on. Searching the
	// written bytes rather than the writer's input keeps the found
	// offsets authoritative.
	reporter.SetStatus("patching boot loader")
	region := make([]byte, plan.Boot.Size-plan.Params.SectorSize)
	if _, err := p.Target.ReadAt(region, plan.Boot.Start+plan.Params.SectorSize); err != nil {
		return fmt.Errorf("reading back boot volume: %v", err)
	}
	baseLBA := uint32(plan.Boot.Start / plan.Params.SectorSize)
	kernelLBA, cmdlineLBA, err := mbr.Params(region,
		manifest[bootfs.KernelName], manifest[bootfs.CmdlineName], baseLBA)
	if err != nil {
		return err
	}
	log.Infof("kernel at LBA %d, cmdline at LBA %d", kernelLBA, cmdlineLBA)

	if err := plan.WriteTable(io.NewOffsetWriter(p.Target, 0)); err != nil {
		return fmt.Errorf("writing partition table: %v", err)
	}
	patch, err := mbr.Configure(loader, kernelLBA, cmdlineLBA)
	if err != nil {
		return err
	}
	if _, err := p.Target.WriteAt(patch[:], 0); err != nil {
		return fmt.Errorf("patching boot loader: %v", err)
	}

	extraDirs := []string{}
	if p.DualRoot {
		extraDirs = []string{"/dev", "/boot"}
	}
	for i, slot := range plan.RootSlots() {
		reporter.SetStatus(fmt.Sprintf("writing root file system %d", i+1))
		lw := &limitWriter{
			w:       counted(io.NewOffsetWriter(p.Target, slot.Start)),
			remain:  slot.Size,
			total:   slot.Size,
			context: "root file system",
		}
		if err := rootfs.Build(lw, staging, p.Init, extraDirs); err != nil {
			return fmt.Errorf("root file system %d: %v", i+1, err)
		}
	}
	log.Infof("%d root file system(s) written", len(plan.RootSlots()))

	if err := p.Target.Sync(); err != nil {
		return err
	}
	log.Infof("image complete")
	return nil
}
