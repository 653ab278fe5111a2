package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/loykin/dmxshell/internal/history"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultQuiesce        = 250 // milliseconds
	defaultTopicPrefix    = "dmxshell/sidecar"
)

// Options configure the broker connection.
type Options struct {
	Broker      string // e.g. tcp://localhost:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Publisher is the subset of the paho client used by Sink.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Sink publishes each event as JSON on <prefix>/<event type>.
type Sink struct {
	client Publisher
	prefix string
	qos    byte
}

func New(opts Options) (*Sink, error) {
	if opts.Broker == "" {
		return nil, errors.New("empty MQTT broker URL")
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("invalid MQTT QoS %d", opts.QoS)
	}
	po := pahomqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(defaultConnectTimeout)
	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}
	client := pahomqtt.NewClient(po)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect: timeout after %v", defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return NewWithClient(client, opts.TopicPrefix, opts.QoS), nil
}

// NewWithClient wraps an already connected client.
func NewWithClient(client Publisher, prefix string, qos byte) *Sink {
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	return &Sink{client: client, prefix: strings.TrimRight(prefix, "/"), qos: qos}
}

// Topic returns the topic events of type t are published on.
func (s *Sink) Topic(t history.EventType) string { return s.prefix + "/" + string(t) }

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	token := s.client.Publish(s.Topic(e.Type), s.qos, false, payload)

	timeout := defaultPublishTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("mqtt publish: timeout after %v", timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.client.Disconnect(defaultQuiesce)
	return nil
}
