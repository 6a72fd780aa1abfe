package collect

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/laneguard-project/laneguard/internal/core"
)

// NDJSONCollector tails a newline-delimited JSON file of audit events,
// one event per line in the same shape the file sink writes. It lets a
// batch job or a second laneguard instance hand records over through
// the filesystem. Events keep their own id and timestamp; the risk
// score is recomputed on record as always.
type NDJSONCollector struct {
	path   string
	tag    string
	cancel context.CancelFunc
}

// NewNDJSONCollector creates a collector for an NDJSON audit file.
func NewNDJSONCollector(path, tag string) *NDJSONCollector {
	if tag == "" {
		tag = "ndjson"
	}
	return &NDJSONCollector{path: path, tag: tag}
}

func (c *NDJSONCollector) Name() string { return "ndjson:" + c.path }

func (c *NDJSONCollector) Start(ctx context.Context, log *core.EventLog, logger zerolog.Logger) error {
	ctx, c.cancel = context.WithCancel(ctx)
	lg := logger.With().Str("collector", c.Name()).Logger()

	return tailFile(ctx, c.path, func(line string) {
		ev, err := core.UnmarshalAuditEvent([]byte(line))
		if err != nil {
			lg.Debug().Err(err).Msg("skipping malformed NDJSON line")
			return
		}
		if ev.Type == "" {
			lg.Debug().Msg("skipping NDJSON line without eventType")
			return
		}
		if ev.Details == nil {
			ev.Details = make(map[string]any)
		}
		ev.Details["source"] = "collector:" + c.tag
		log.Record(*ev)
	}, logger)
}

func (c *NDJSONCollector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}
