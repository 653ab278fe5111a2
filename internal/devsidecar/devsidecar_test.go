package devsidecar

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth_FailFirst(t *testing.T) {
	var out syncBuffer
	s := New(Options{FailFirst: 3, Stdout: &out, Stderr: &out})
	h := s.Handler()

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/healthz").Code)
	}
	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.EqualValues(t, 4, s.Checks())
	assert.Contains(t, out.String(), "GET /healthz 503\n")
	assert.Contains(t, out.String(), "GET /healthz 200\n")
}

func TestHealth_ReadyAfter(t *testing.T) {
	s := New(Options{ReadyAfter: time.Hour, Stdout: &syncBuffer{}})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/healthz").Code)
	assert.False(t, s.Ready())
}

func TestInfo(t *testing.T) {
	s := New(Options{Stdout: &syncBuffer{}})
	rec := get(t, s.Handler(), "/api/info")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"dmx-backend (dev)"`)

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/nope").Code)
}

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestRun_ServesUntilCancelled(t *testing.T) {
	var out, errOut syncBuffer
	addr := freePort(t)
	s := New(Options{Listen: addr, Heartbeat: 10 * time.Millisecond, Stdout: &out, Stderr: &errOut})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return bytes.Contains([]byte(errOut.String()), []byte("heartbeat")) }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Contains(t, out.String(), "dev sidecar listening on "+addr)
}
