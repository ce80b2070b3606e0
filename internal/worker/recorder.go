package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/moria/internal"
	"github.com/eugener/moria/internal/storage"
	"github.com/eugener/moria/internal/telemetry"
)

const (
	logChanSize   = 1000
	logBatchSize  = 100
	logFlushEvery = 5 * time.Second
	logDrainTime  = 30 * time.Second
)

// LogRecorder buffers request-log rows and batch-flushes them to the store.
// Rows are dropped if the channel is full (back-pressure on slow DB).
type LogRecorder struct {
	ch      chan gateway.RequestLog
	store   storage.RequestLogStore
	metrics *telemetry.Metrics // nilable
}

// NewLogRecorder creates a LogRecorder backed by store.
func NewLogRecorder(store storage.RequestLogStore, metrics *telemetry.Metrics) *LogRecorder {
	return &LogRecorder{
		ch:      make(chan gateway.RequestLog, logChanSize),
		store:   store,
		metrics: metrics,
	}
}

// Record enqueues a request-log row. It never blocks; drops on full channel.
func (l *LogRecorder) Record(row gateway.RequestLog) {
	select {
	case l.ch <- row:
		if l.metrics != nil {
			l.metrics.LogQueueLength.Set(float64(len(l.ch)))
		}
	default:
		slog.Warn("request log dropped, channel full")
	}
}

// Run processes rows until ctx is cancelled, then drains remaining rows.
func (l *LogRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(logFlushEvery)
	defer ticker.Stop()

	buf := make([]gateway.RequestLog, 0, logBatchSize)

	for {
		select {
		case r := <-l.ch:
			buf = append(buf, r)
			if len(buf) >= logBatchSize {
				l.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				l.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			// Drain remaining rows with a timeout.
			l.drain(buf)
			return nil
		}
	}
}

func (l *LogRecorder) drain(buf []gateway.RequestLog) {
	ctx, cancel := context.WithTimeout(context.Background(), logDrainTime)
	defer cancel()

	for {
		select {
		case r := <-l.ch:
			buf = append(buf, r)
			if len(buf) >= logBatchSize {
				l.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			// Channel empty, flush remaining.
			if len(buf) > 0 {
				l.flush(ctx, buf)
			}
			return
		}
	}
}

func (l *LogRecorder) flush(ctx context.Context, buf []gateway.RequestLog) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]gateway.RequestLog, len(buf))
	copy(batch, buf)

	// Assign IDs off the hot path; callers may leave ID empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := l.store.InsertLogs(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "request log flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
	if l.metrics != nil {
		l.metrics.LogQueueLength.Set(float64(len(l.ch)))
	}
}
