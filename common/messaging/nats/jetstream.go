// Package nats connects the boxoffice bus to a NATS server. Notices and
// collaborator requests go out as core publishes; dead letters go through
// JetStream so they survive until an operator drains them.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ticketdesk/boxoffice/common/messaging"
)

// Config holds connection settings.
type Config struct {
	URL  string
	Name string

	// MaxReconnects of -1 retries forever.
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	Token         string

	// Logger receives connection state changes. Defaults to slog.Default().
	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "boxoffice",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

func (c Config) options() []nats.Option {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name(c.Name),
		nats.MaxReconnects(c.MaxReconnects),
		nats.ReconnectWait(c.ReconnectWait),
		nats.Timeout(c.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", conn.ConnectedUrl()))
		}),
	}
	if c.Token != "" {
		opts = append(opts, nats.Token(c.Token))
	}
	return opts
}

// JetStreamClient is a NATS connection with a JetStream context. It
// implements messaging.Publisher.
type JetStreamClient struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewJetStreamClient connects and opens a JetStream context.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	conn, err := nats.Connect(cfg.URL, cfg.options()...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &JetStreamClient{conn: conn, js: js}, nil
}

// PublishMsg is a core publish. It returns once the message is buffered.
func (c *JetStreamClient) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.PublishMsg(toNATS(msg))
}

// PublishSync publishes into a stream and waits for its acknowledgment.
func (c *JetStreamClient) PublishSync(ctx context.Context, msg *messaging.Message) (*jetstream.PubAck, error) {
	return c.js.PublishMsg(ctx, toNATS(msg))
}

// CreateOrUpdateStream makes sure cfg exists on the server.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

func (c *JetStreamClient) IsConnected() bool {
	return c.conn.IsConnected()
}

// Drain flushes pending publishes, then closes.
func (c *JetStreamClient) Drain() error {
	return c.conn.Drain()
}

func (c *JetStreamClient) Close() error {
	c.conn.Close()
	return nil
}

func toNATS(msg *messaging.Message) *nats.Msg {
	out := &nats.Msg{Subject: msg.Subject, Data: msg.Data}
	if len(msg.Header) > 0 {
		out.Header = make(nats.Header, len(msg.Header))
		for k, v := range msg.Header {
			out.Header.Set(k, v)
		}
	}
	return out
}

// DLQStream captures webhook events whose handlers failed or were rejected.
// Entries are kept as long as processed-event records.
var DLQStream = jetstream.StreamConfig{
	Name:       "BOXOFFICE_DLQ",
	Subjects:   []string{messaging.SubjectDLQPrefix + ".>"},
	MaxAge:     14 * 24 * time.Hour,
	MaxBytes:   512 * 1024 * 1024,
	Duplicates: 10 * time.Minute,
	Retention:  jetstream.LimitsPolicy,
	Storage:    jetstream.FileStorage,
}
