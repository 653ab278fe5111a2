package process

import (
	"errors"
	"os"
	"os/exec"
	"strings"
)

// DefaultName is the logical name of the bundled backend sidecar.
const DefaultName = "dmx-backend"

// Spec describes the sidecar to launch.
//
// By default the executable is located by Name (see Resolve). Path pins an
// explicit executable. Command replaces both with a shell-like command line,
// which is convenient when running the backend from source during development.
type Spec struct {
	Name    string   `json:"name" mapstructure:"name"`
	Path    string   `json:"path" mapstructure:"path"`         // explicit executable, skips lookup
	Dir     string   `json:"dir" mapstructure:"dir"`           // searched before the shell's own directory
	Command string   `json:"command" mapstructure:"command"`   // optional command line override
	Args    []string `json:"args" mapstructure:"args"`         // arguments when launching by name or path
	WorkDir string   `json:"work_dir" mapstructure:"work_dir"` // optional working dir
	Env     []string `json:"env" mapstructure:"env"`           // extra env appended to the shell's environment
}

// DisplayName returns Name or DefaultName when empty.
func (s Spec) DisplayName() string {
	if strings.TrimSpace(s.Name) == "" {
		return DefaultName
	}
	return s.Name
}

func (s Spec) Validate() error {
	if strings.ContainsAny(s.DisplayName(), `/\`) {
		return errors.New("sidecar name must not contain path separators")
	}
	if s.Path != "" && strings.TrimSpace(s.Command) != "" {
		return errors.New("sidecar path and command are mutually exclusive")
	}
	return nil
}

// DeepCopy returns a copy that shares no slices with s.
func (s Spec) DeepCopy() Spec {
	out := s
	if s.Args != nil {
		out.Args = append([]string(nil), s.Args...)
	}
	if s.Env != nil {
		out.Env = append([]string(nil), s.Env...)
	}
	return out
}

// BuildCommand constructs the *exec.Cmd for the resolved executable path.
// When Command is set the path is ignored and the command line is used instead.
func (s Spec) BuildCommand(path string) *exec.Cmd {
	var cmd *exec.Cmd
	if strings.TrimSpace(s.Command) != "" {
		cmd = buildCommandLine(s.Command)
	} else {
		// #nosec G204
		cmd = exec.Command(path, s.Args...)
	}
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	configureSysProcAttr(cmd)
	return cmd
}

// buildCommandLine avoids invoking a shell when not necessary, and it also
// respects an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func buildCommandLine(line string) *exec.Cmd {
	cmdStr := strings.TrimSpace(line)
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command(shellPath, shellFlag, afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command(shellPath, shellFlag, cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// commandExecutable returns the program a command line will execute.
func commandExecutable(line string) string {
	cmdStr := strings.TrimSpace(line)
	if _, _, ok := parseExplicitShell(cmdStr); ok || strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellPath
	}
	fields := strings.Fields(cmdStr)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// strip one pair of wrapping quotes so the shell sees the script itself
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
