package process

import (
	"errors"
	"fmt"
)

// SpawnError is returned when the sidecar could not be started, either
// because its executable is missing or because the OS refused to run it.
// The message is suitable for showing to the user as is.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	if errors.Is(e.Err, ErrSidecarNotFound) {
		return fmt.Sprintf("%s sidecar not found. Build it via scripts\\build-server-exe.bat", e.Name)
	}
	return fmt.Sprintf("Failed to spawn %s: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// IsSpawnError reports whether err is or wraps a *SpawnError.
func IsSpawnError(err error) bool {
	var se *SpawnError
	return errors.As(err, &se)
}
