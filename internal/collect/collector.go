// Package collect tails log files already present on the host and
// turns security-relevant lines into audit events. Collectors cover
// the parts of a deployment that cannot call the ingest API: the
// reverse proxy in front of the application, the host's SSH daemon,
// or batch jobs that write NDJSON security records. Lines that carry
// no security signal are skipped, so a busy access log does not flood
// the audit buffer.
package collect

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/laneguard-project/laneguard/internal/core"
)

// Collector is one log source feeding the audit log.
type Collector interface {
	Name() string
	Start(ctx context.Context, log *core.EventLog, logger zerolog.Logger) error
	Stop() error
}

// Manager owns the running collectors for a daemon.
type Manager struct {
	mu         sync.Mutex
	collectors []Collector
	logger     zerolog.Logger
}

// NewManager creates a collector manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		logger: logger.With().Str("component", "collectors").Logger(),
	}
}

// StartAll creates and starts the collectors named in cfg. A source
// that fails to start (usually a missing file) is logged and skipped;
// the remaining sources still run.
func (m *Manager) StartAll(ctx context.Context, cfg core.CollectorsConfig, log *core.EventLog) error {
	if !cfg.Enabled {
		return nil
	}
	for _, src := range cfg.Sources {
		var c Collector
		switch src.Type {
		case "access":
			c = NewAccessLogCollector(src.Path, src.Tag)
		case "authlog":
			c = NewAuthLogCollector(src.Path, src.Tag)
		case "ndjson":
			c = NewNDJSONCollector(src.Path, src.Tag)
		case "syslog":
			c = NewSyslogCollector(src.Listen, src.Protocol, src.Tag)
		default:
			m.logger.Warn().Str("type", src.Type).Msg("unknown collector type, skipping")
			continue
		}

		if err := c.Start(ctx, log, m.logger); err != nil {
			m.logger.Error().Err(err).Str("collector", c.Name()).Msg("failed to start collector")
			continue
		}

		m.mu.Lock()
		m.collectors = append(m.collectors, c)
		m.mu.Unlock()

		m.logger.Info().Str("collector", c.Name()).Msg("collector started")
	}
	return nil
}

// StopAll stops every running collector.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.collectors {
		if err := c.Stop(); err != nil {
			m.logger.Error().Err(err).Str("collector", c.Name()).Msg("error stopping collector")
		}
	}
	m.collectors = nil
}

// Count returns the number of running collectors.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collectors)
}

// Names lists the running collectors for the status API.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.collectors))
	for _, c := range m.collectors {
		names = append(names, c.Name())
	}
	return names
}

// tailFile follows a log file from its current end, calling handler
// for every new line. Truncation (copytruncate rotation) and file
// replacement are detected by a shrinking size, after which the file
// is reopened from the start.
func tailFile(ctx context.Context, path string, handler func(line string), logger zerolog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return fmt.Errorf("seeking to end of %s: %w", path, err)
	}

	go func() {
		defer f.Close()
		reader := bufio.NewReader(f)
		var lastSize int64
		if info, err := f.Stat(); err == nil {
			lastSize = info.Size()
		}

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					if info, statErr := os.Stat(path); statErr == nil {
						if info.Size() < lastSize {
							logger.Info().Str("path", path).Msg("log rotation detected, reopening")
							f.Close()
							time.Sleep(100 * time.Millisecond)
							newF, openErr := os.Open(path)
							if openErr != nil {
								logger.Error().Err(openErr).Str("path", path).Msg("failed to reopen after rotation")
								return
							}
							f = newF
							reader = bufio.NewReader(f)
							lastSize = 0
							continue
						}
						lastSize = info.Size()
					}
					select {
					case <-ctx.Done():
						return
					case <-time.After(500 * time.Millisecond):
					}
					continue
				}
				if ctx.Err() == nil {
					logger.Error().Err(err).Str("path", path).Msg("read error while tailing")
				}
				return
			}

			if line = trimLine(line); line != "" {
				handler(line)
			}
		}
	}()

	return nil
}

func trimLine(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
