// Package opensearch indexes sidecar lifecycle events as OpenSearch documents.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/dmxshell/internal/history"
)

// document is the flattened shape stored in the index, one per run and
// event type.
type document struct {
	Timestamp  time.Time `json:"@timestamp"`
	Event      string    `json:"event"`
	RunID      string    `json:"run_id,omitempty"`
	Generation uint64    `json:"generation"`
	Sidecar    string    `json:"sidecar"`
	PID        int       `json:"pid,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Message    string    `json:"message,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	ExitedAt   time.Time `json:"exited_at,omitzero"`
	ExitErr    string    `json:"exit_err,omitempty"`
}

type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
}

// Send writes e. Events of a known run are PUT under "<run_id>-<event>" so a
// redelivered event overwrites instead of duplicating; the rest are POSTed.
func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Record
	doc := document{
		Timestamp:  e.OccurredAt,
		Event:      string(e.Type),
		RunID:      r.RunID,
		Generation: r.Generation,
		Sidecar:    r.Name,
		PID:        r.PID,
		Attempt:    r.Attempt,
		Message:    r.Message,
		StartedAt:  r.StartedAt,
		ExitedAt:   r.ExitedAt,
		ExitErr:    r.ExitErr,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}

	method, u := http.MethodPost, s.baseURL+"/"+s.index+"/_doc"
	if r.RunID != "" {
		method = http.MethodPut
		u += "/" + url.PathEscape(r.RunID+"-"+string(e.Type))
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch %s: %w", s.index, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch %s: status %d: %s", s.index, resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
