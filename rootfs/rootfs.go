// Package rootfs compiles the selected packages and packs the
// resulting binaries into a read-only squashfs root file system.
package rootfs

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/krazyimg/imgtool/pkgspec"
	"github.com/krazyimg/imgtool/squashfs"
)

// InitName is the path the init binary takes on in the root file
// system, regardless of the name it was compiled under.
const InitName = "init"

// A Compiler installs one package into the staging directory, placing
// its binary in staging/bin.
type Compiler interface {
	Compile(staging string, spec pkgspec.Spec, triple string) error
}

// ExecCompiler compiles packages by invoking an installer command,
// e.g. cargo install.
type ExecCompiler struct {
	// Command is the installer to run. Empty means "cargo".
	Command string

	// Stdout and Stderr receive the installer's output. Nil means
	// the output is discarded.
	Stdout io.Writer
	Stderr io.Writer
}

func (c *ExecCompiler) Compile(staging string, spec pkgspec.Spec, triple string) error {
	command := c.Command
	if command == "" {
		command = "cargo"
	}
	args := []string{"install", "--root", staging, "--target", triple}
	if spec.URL != "" {
		args = append(args, "--git", spec.URL)
	}
	args = append(args, spec.Name)

	cmd := exec.Command(command, args...)
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v: %v", command, args, err)
	}
	return nil
}

// Compile installs all specs into a fresh staging directory and
// returns its path. The caller removes the directory when done with
// it; both root slots of a redundant layout are packed from the same
// staging directory.
func Compile(compiler Compiler, specs []pkgspec.Spec, triple string) (string, error) {
	staging, err := os.MkdirTemp("", "imgtool-staging")
	if err != nil {
		return "", err
	}
	for _, spec := range specs {
		if err := compiler.Compile(staging, spec, triple); err != nil {
			os.RemoveAll(staging)
			return "", fmt.Errorf("compiling %s: %v", spec.Name, err)
		}
	}
	return staging, nil
}

// Build packs the binaries under staging/bin into a squashfs image
// written to w. The binary named initName is stored as /bin/init; the
// directories in extraDirs are created empty.
func Build(w io.Writer, staging, initName string, extraDirs []string) error {
	fw, err := squashfs.NewWriter(w)
	if err != nil {
		return err
	}

	binDir := filepath.Join(staging, "bin")
	entries, err := os.ReadDir(binDir)
	if err != nil {
		return fmt.Errorf("reading compiled binaries: %v", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	found := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == initName {
			name = InitName
			found = true
		}
		f, err := fw.File("/bin/" + name)
		if err != nil {
			return err
		}
		src, err := os.Open(filepath.Join(binDir, entry.Name()))
		if err != nil {
			return err
		}
		_, err = io.Copy(f, src)
		src.Close()
		if err != nil {
			return err
		}
	}
	if !found {
		return fmt.Errorf("no binary named %q among the compiled packages", initName)
	}

	for _, dir := range extraDirs {
		if err := fw.Mkdir(dir); err != nil {
			return err
		}
	}

	return fw.Flush()
}
