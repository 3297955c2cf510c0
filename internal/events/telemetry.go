package events

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/tonimelisma/notesync/internal/queue"
)

// TelemetryLog writes telemetry records as structured log lines, throttled
// by a token bucket. Records over the limit are counted, not logged. The
// next logged record carries the number suppressed since the last one.
type TelemetryLog struct {
	limiter *rate.Limiter
	logger  *slog.Logger

	suppressed atomic.Int64
	total      atomic.Int64
}

// NewTelemetryLog creates a sink allowing perSecond records with the given
// burst. perSecond <= 0 disables throttling.
func NewTelemetryLog(perSecond float64, burst int, logger *slog.Logger) *TelemetryLog {
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}

	if burst < 1 {
		burst = 1
	}

	return &TelemetryLog{limiter: rate.NewLimiter(limit, burst), logger: logger}
}

// Telemetry implements TelemetryHandler.
func (t *TelemetryLog) Telemetry(rec queue.Telemetry) {
	t.total.Add(1)

	if !t.limiter.Allow() {
		t.suppressed.Add(1)
		return
	}

	attrs := []slog.Attr{
		slog.String("account", rec.Account),
		slog.Uint64("seq", rec.Seq),
		slog.String("correlation_id", rec.CorrelationID),
		slog.String("op", rec.Op.String()),
		slog.String("outcome", rec.Outcome),
		slog.String("action", rec.Action),
		slog.Int("attempt", rec.Attempt),
	}

	if rec.Failure != 0 {
		attrs = append(attrs, slog.String("failure", rec.Failure.String()))
	}

	if n := t.suppressed.Swap(0); n > 0 {
		attrs = append(attrs, slog.Int64("suppressed", n))
	}

	t.logger.LogAttrs(context.Background(), slog.LevelInfo, "telemetry", attrs...)
}

// Total returns the number of records received, logged or not.
func (t *TelemetryLog) Total() int64 {
	return t.total.Load()
}

// Suppressed returns the number of records dropped since the last logged
// one.
func (t *TelemetryLog) Suppressed() int64 {
	return t.suppressed.Load()
}
