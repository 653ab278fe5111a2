package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/dmxshell/internal/history"
)

type captured struct {
	method string
	path   string
	doc    map[string]any
}

func newIndex(t *testing.T, status int, reply string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.method = r.Method
		c.path = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &c.doc)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestSend_PutsByRunAndEvent(t *testing.T) {
	srv, got := newIndex(t, http.StatusCreated, `{"result":"created"}`)
	sink := New(srv.URL+"/", "dmx-history")

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err := sink.Send(context.Background(), history.Event{
		Type:       history.EventReady,
		OccurredAt: at,
		Record: history.Record{
			RunID: "run-1", Generation: 3, Name: "dmx-backend", PID: 12345, Attempt: 4,
			StartedAt: at.Add(-time.Minute),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, "/dmx-history/_doc/run-1-ready", got.path)
	assert.Equal(t, "ready", got.doc["event"])
	assert.Equal(t, "dmx-backend", got.doc["sidecar"])
	assert.Equal(t, float64(3), got.doc["generation"])
	assert.Equal(t, float64(4), got.doc["attempt"])
	assert.Equal(t, float64(12345), got.doc["pid"])
	assert.Equal(t, "2026-03-01T10:00:00Z", got.doc["@timestamp"])
	assert.NotContains(t, got.doc, "exited_at")
}

func TestSend_PostsWithoutRunID(t *testing.T) {
	srv, got := newIndex(t, http.StatusCreated, `{}`)
	err := New(srv.URL, "dmx-history").Send(context.Background(), history.Event{
		Type:       history.EventSpawnFailed,
		OccurredAt: time.Now(),
		Record:     history.Record{Name: "dmx-backend", Message: "dmx-backend sidecar not found"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/dmx-history/_doc", got.path)
	assert.Equal(t, "dmx-backend sidecar not found", got.doc["message"])
}

func TestSend_ErrorIncludesBody(t *testing.T) {
	srv, _ := newIndex(t, http.StatusBadRequest, `{"error":"mapper_parsing_exception"}`)
	err := New(srv.URL, "dmx-history").Send(context.Background(), history.Event{
		Type: history.EventExit, OccurredAt: time.Now(), Record: history.Record{RunID: "x"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}
