//go:build !linux

package blockdev

import (
	"fmt"
	"os"
	"runtime"
)

func deviceSize(f *os.File) (int64, error) {
	return 0, fmt.Errorf("querying block device sizes is not implemented on %s", runtime.GOOS)
}
