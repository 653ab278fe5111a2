package process

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpawnError_Message(t *testing.T) {
	notFound := &SpawnError{Name: "dmx-backend", Err: fmt.Errorf("%w: dmx-backend", ErrSidecarNotFound)}
	assert.Equal(t, `dmx-backend sidecar not found. Build it via scripts\build-server-exe.bat`, notFound.Error())

	denied := &SpawnError{Name: "dmx-backend", Err: errors.New("permission denied")}
	assert.Equal(t, "Failed to spawn dmx-backend: permission denied", denied.Error())
}

func TestIsSpawnError(t *testing.T) {
	base := &SpawnError{Name: "x", Err: ErrSidecarNotFound}
	wrapped := fmt.Errorf("spawn: %w", base)

	assert.True(t, IsSpawnError(base))
	assert.True(t, IsSpawnError(wrapped))
	assert.False(t, IsSpawnError(errors.New("other")))
	assert.ErrorIs(t, wrapped, ErrSidecarNotFound)
}
