package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ErrNotConnected is returned by Publish while the NATS connection is down.
var ErrNotConnected = errors.New("nats: not connected")

// NATSConfig holds NATS client configuration
type NATSConfig struct {
	URL           string
	StreamName    string
	Subject       string
	RetryAttempts int
	RetryDelay    time.Duration
}

// NATSPublisher publishes progress to a JetStream stream.
type NATSPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config NATSConfig
}

// NewNATSPublisher connects and makes sure the progress stream exists.
func NewNATSPublisher(ctx context.Context, cfg NATSConfig) (*NATSPublisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.RetryAttempts),
		nats.ReconnectWait(cfg.RetryDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &NATSPublisher{nc: nc, js: js, config: cfg}
	if err := p.createStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

// createStream creates a JetStream stream holding progress for a day.
func (p *NATSPublisher) createStream(ctx context.Context) error {
	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      p.config.StreamName,
		Subjects:  []string{p.config.Subject},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish sends p to the progress subject. The run id is used as the message
// id suffix so redeliveries of the same step deduplicate.
func (p *NATSPublisher) Publish(ctx context.Context, prog Progress) error {
	// fail fast instead of waiting out the JetStream ack timeout
	if !p.IsConnected() {
		return ErrNotConnected
	}
	data, err := Encode(prog)
	if err != nil {
		return err
	}
	msgID := fmt.Sprintf("%s.%s.%d", prog.RunID, prog.Step, prog.Percent)
	if _, err := p.js.Publish(ctx, p.config.Subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the NATS connection
func (p *NATSPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// IsConnected returns true if connected to NATS
func (p *NATSPublisher) IsConnected() bool {
	return p.nc != nil && p.nc.IsConnected()
}
