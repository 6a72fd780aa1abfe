package core

import (
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sink is a durable destination for audit events. Delivery runs on the
// event log's background workers, never on the request path; a failing
// sink is logged and counted but never surfaces to callers of Record.
type Sink interface {
	Name() string
	Append(ctx context.Context, event AuditEvent) error
	Close() error
}

// FileSinkConfig holds NDJSON file sink settings.
type FileSinkConfig struct {
	Dir            string `yaml:"dir"`
	RotateBytes    int64  `yaml:"rotate_bytes"`
	RotateInterval string `yaml:"rotate_interval"`
	Compress       bool   `yaml:"compress"`
}

// DefaultFileSinkConfig returns the standard file sink settings.
func DefaultFileSinkConfig() FileSinkConfig {
	return FileSinkConfig{
		Dir:            "./data/audit",
		RotateBytes:    64 * 1024 * 1024,
		RotateInterval: "1h",
		Compress:       true,
	}
}

// FileSink appends audit events as NDJSON, rotating files by size and
// age. Rotated files are gzip-compressed when Compress is set.
type FileSink struct {
	cfg    FileSinkConfig
	logger zerolog.Logger

	mu             sync.Mutex
	currentFile    *os.File
	currentGz      *gzip.Writer
	currentPath    string
	currentBytes   int64
	rotateInterval time.Duration
	fileOpenedAt   time.Time
	filesRotated   int64
	bytesWritten   int64
}

// NewFileSink creates the audit file sink, creating the directory if
// needed.
func NewFileSink(cfg FileSinkConfig, logger zerolog.Logger) (*FileSink, error) {
	if cfg.Dir == "" {
		cfg.Dir = DefaultFileSinkConfig().Dir
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating audit dir %s: %w", cfg.Dir, err)
	}
	if cfg.RotateBytes <= 0 {
		cfg.RotateBytes = DefaultFileSinkConfig().RotateBytes
	}
	interval := time.Hour
	if d, err := time.ParseDuration(cfg.RotateInterval); err == nil && d > 0 {
		interval = d
	}
	return &FileSink{
		cfg:            cfg,
		logger:         logger.With().Str("component", "file_sink").Logger(),
		rotateInterval: interval,
	}, nil
}

func (s *FileSink) Name() string { return "file" }

// Append writes one event as an NDJSON line.
func (s *FileSink) Append(_ context.Context, event AuditEvent) error {
	line, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentFile != nil && time.Since(s.fileOpenedAt) >= s.rotateInterval {
		s.rotateLocked()
	}
	if s.currentFile == nil {
		if err := s.openFileLocked(); err != nil {
			return err
		}
	}

	var n int
	if s.cfg.Compress && s.currentGz != nil {
		n, err = s.currentGz.Write(line)
	} else {
		n, err = s.currentFile.Write(line)
	}
	if err != nil {
		return fmt.Errorf("writing audit record: %w", err)
	}

	s.currentBytes += int64(n)
	s.bytesWritten += int64(n)

	if s.currentBytes >= s.cfg.RotateBytes {
		s.rotateLocked()
	}
	return nil
}

func (s *FileSink) openFileLocked() error {
	ts := time.Now().UTC().Format("20060102T150405Z")
	ext := ".ndjson"
	if s.cfg.Compress {
		ext = ".ndjson.gz"
	}
	path := filepath.Join(s.cfg.Dir, fmt.Sprintf("laneguard-audit-%s%s", ts, ext))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening audit file: %w", err)
	}

	s.currentFile = f
	s.currentPath = path
	s.currentBytes = 0
	s.fileOpenedAt = time.Now()
	if s.cfg.Compress {
		s.currentGz, _ = gzip.NewWriterLevel(f, gzip.BestSpeed)
	}

	s.logger.Debug().Str("file", filepath.Base(path)).Msg("opened audit file")
	return nil
}

func (s *FileSink) rotateLocked() {
	s.closeLocked()
	s.filesRotated++
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *FileSink) closeLocked() {
	if s.currentGz != nil {
		s.currentGz.Close()
		s.currentGz = nil
	}
	if s.currentFile != nil {
		s.currentFile.Close()
		s.currentFile = nil
	}
}
