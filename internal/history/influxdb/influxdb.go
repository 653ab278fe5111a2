package influxdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/loykin/dmxshell/internal/history"
)

const (
	defaultConnectTimeout = 10 * time.Second
	measurement           = "sidecar_lifecycle"
)

// Options select the InfluxDB v2 server and bucket.
type Options struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Sink writes one point per lifecycle event using the blocking write API,
// so Send reports write failures to the caller.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func New(opts Options) (*Sink, error) {
	if opts.URL == "" {
		return nil, errors.New("empty InfluxDB URL")
	}
	if opts.Bucket == "" {
		return nil, errors.New("InfluxDB bucket is required")
	}
	client := influxdb2.NewClientWithOptions(opts.URL, opts.Token, influxdb2.DefaultOptions())

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, errors.New("influxdb server not healthy")
	}
	return &Sink{client: client, writeAPI: client.WriteAPIBlocking(opts.Org, opts.Bucket)}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if err := s.writeAPI.WritePoint(ctx, Point(e)); err != nil {
		return fmt.Errorf("influxdb write: %w", err)
	}
	return nil
}

// Point converts e into a line-protocol point. Low-cardinality values are
// tags, everything else fields.
func Point(e history.Event) *write.Point {
	rec := e.Record
	fields := map[string]interface{}{
		"run_id":     rec.RunID,
		"generation": int64(rec.Generation),
		"pid":        int64(rec.PID),
		"attempt":    int64(rec.Attempt),
	}
	if rec.Message != "" {
		fields["message"] = rec.Message
	}
	if rec.ExitErr != "" {
		fields["exit_err"] = rec.ExitErr
	}
	ts := e.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(
		measurement,
		map[string]string{
			"event": string(e.Type),
			"name":  rec.Name,
		},
		fields,
		ts,
	)
}

func (s *Sink) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
