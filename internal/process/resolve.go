package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrSidecarNotFound reports that no executable matched the sidecar spec.
var ErrSidecarNotFound = errors.New("sidecar executable not found")

// Resolve locates the executable to launch.
//
// Lookup order: Path; the Command's program via $PATH; then for the logical
// Name, the configured Dir, the directory of the running executable and
// finally $PATH. In each directory both "<name>" and the bundler's
// "<name>-<target triple>" are accepted, with ".exe" appended on Windows.
func (s Spec) Resolve() (string, error) {
	if s.Path != "" {
		if isExecutable(s.Path) {
			return filepath.Abs(s.Path)
		}
		return "", fmt.Errorf("%w: %s", ErrSidecarNotFound, s.Path)
	}
	if strings.TrimSpace(s.Command) != "" {
		prog := commandExecutable(s.Command)
		p, err := exec.LookPath(prog)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrSidecarNotFound, prog, err)
		}
		return p, nil
	}

	name := s.DisplayName()
	for _, dir := range s.searchDirs() {
		for _, cand := range candidateNames(name) {
			p := filepath.Join(dir, cand)
			if isExecutable(p) {
				return p, nil
			}
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSidecarNotFound, name)
}

func (s Spec) searchDirs() []string {
	dirs := make([]string, 0, 2)
	if s.Dir != "" {
		dirs = append(dirs, s.Dir)
	}
	if exe, err := os.Executable(); err == nil {
		if real, err := filepath.EvalSymlinks(exe); err == nil {
			exe = real
		}
		dirs = append(dirs, filepath.Dir(exe))
	}
	return dirs
}

func candidateNames(name string) []string {
	return []string{
		name + exeSuffix,
		name + "-" + TargetTriple() + exeSuffix,
	}
}

// TargetTriple returns the platform triple appended to bundled sidecar
// binaries, e.g. "x86_64-unknown-linux-gnu".
func TargetTriple() string {
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	case "386":
		arch = "i686"
	}
	switch runtime.GOOS {
	case "linux":
		return arch + "-unknown-linux-gnu"
	case "darwin":
		return arch + "-apple-darwin"
	case "windows":
		return arch + "-pc-windows-msvc"
	default:
		return arch + "-unknown-" + runtime.GOOS
	}
}
