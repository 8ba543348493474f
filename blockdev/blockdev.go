// Package blockdev answers questions about image targets: whether a
// path refers to a block device and how large a block device is.
package blockdev

import (
	"fmt"
	"os"
)

// IsDevice reports whether f refers to a block (or character) device
// rather than a regular file.
func IsDevice(f *os.File) (bool, error) {
	fi, err := f.Stat()
	if err != nil {
		return false, err
	}
	return fi.Mode()&os.ModeDevice != 0, nil
}

// TargetSize returns the number of usable bytes of the image target
// f: the device size for block devices, otherwise sizeFlag. Regular
// file targets need an explicit size.
func TargetSize(f *os.File, sizeFlag int64) (int64, error) {
	dev, err := IsDevice(f)
	if err != nil {
		return 0, err
	}
	if dev {
		return deviceSize(f)
	}
	if sizeFlag <= 0 {
		return 0, fmt.Errorf("%s is a regular file, its size must be specified", f.Name())
	}
	return sizeFlag, nil
}
