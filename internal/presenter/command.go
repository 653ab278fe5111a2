package presenter

import (
	"errors"
	"fmt"
	"strings"
)

// Command is a user action from the tray menu, the window or the control API.
type Command string

const (
	CommandOpen          Command = "open"
	CommandRestart       Command = "restart-backend"
	CommandRunOnboarding Command = "run-onboarding"
	CommandQuit          Command = "quit"
)

// Commands lists every command in menu order.
var Commands = []Command{CommandOpen, CommandRestart, CommandRunOnboarding, CommandQuit}

var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand accepts the command names plus the short aliases "restart"
// and "onboarding".
func ParseCommand(s string) (Command, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return CommandOpen, nil
	case "restart-backend", "restart":
		return CommandRestart, nil
	case "run-onboarding", "onboarding":
		return CommandRunOnboarding, nil
	case "quit", "exit":
		return CommandQuit, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}
