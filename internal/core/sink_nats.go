package core

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSSinkConfig holds NATS sink settings. With Embedded set, an
// in-process JetStream server is started so external tooling can tail
// the audit stream without separate infrastructure.
type NATSSinkConfig struct {
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	Port     int    `yaml:"port"`
	DataDir  string `yaml:"data_dir"`
}

// DefaultNATSSinkConfig returns the standard NATS sink settings.
func DefaultNATSSinkConfig() NATSSinkConfig {
	return NATSSinkConfig{
		URL:      nats.DefaultURL,
		Embedded: false,
		Port:     4222,
		DataDir:  "./data/nats",
	}
}

// NATSSink publishes audit events to the LANEGUARD_AUDIT JetStream
// stream under audit.events.<type>.
type NATSSink struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger
}

// NewNATSSink connects to NATS (starting an embedded server first when
// configured) and ensures the audit stream exists.
func NewNATSSink(cfg NATSSinkConfig, logger zerolog.Logger) (*NATSSink, error) {
	sink := &NATSSink{
		logger: logger.With().Str("component", "nats_sink").Logger(),
	}

	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}
		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}
		sink.ns = ns
		sink.logger.Info().Int("port", cfg.Port).Msg("embedded NATS server started")
	}

	url := cfg.URL
	if cfg.Embedded {
		url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.Port)
	}
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				sink.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			sink.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		if sink.ns != nil {
			sink.ns.Shutdown()
		}
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	sink.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	sink.js = js

	streamCfg := &nats.StreamConfig{
		Name:      "LANEGUARD_AUDIT",
		Subjects:  []string{"audit.events.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 30,
		MaxBytes:  512 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	if _, err := js.AddStream(streamCfg); err != nil {
		// Stream may exist with a config from a previous version.
		if _, updateErr := js.UpdateStream(streamCfg); updateErr != nil {
			nc.Close()
			return nil, fmt.Errorf("creating/updating audit stream: %w (original: %v)", updateErr, err)
		}
	}

	sink.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return sink, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Append(ctx context.Context, event AuditEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	subject := fmt.Sprintf("audit.events.%s", event.Type)
	if _, err := s.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	if s.ns != nil {
		s.ns.Shutdown()
		s.ns.WaitForShutdown()
		s.logger.Info().Msg("embedded NATS server stopped")
	}
	return nil
}
