package worker

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	gateway "github.com/eugener/moria/internal"
)

type fakeLogStore struct {
	mu      sync.Mutex
	batches [][]gateway.RequestLog
}

func (s *fakeLogStore) InsertLogs(_ context.Context, rows []gateway.RequestLog) error {
	s.mu.Lock()
	s.batches = append(s.batches, rows)
	s.mu.Unlock()
	return nil
}

func (s *fakeLogStore) PruneLogsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *fakeLogStore) totalRows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *fakeLogStore) firstRow() gateway.RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[0][0]
}

func TestLogRecorderBatchOnSize(t *testing.T) {
	t.Parallel()
	store := &fakeLogStore{}
	rec := NewLogRecorder(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	for i := range logBatchSize {
		rec.Record(gateway.RequestLog{UserID: "u" + strconv.Itoa(i)})
	}

	deadline := time.After(2 * time.Second)
	for store.totalRows() < logBatchSize {
		select {
		case <-deadline:
			t.Fatalf("batch not flushed; got %d rows", store.totalRows())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	<-done
}

func TestLogRecorderDropOnFull(t *testing.T) {
	t.Parallel()
	store := &fakeLogStore{}
	rec := &LogRecorder{
		ch:    make(chan gateway.RequestLog, 2), // tiny buffer
		store: store,
	}

	rec.Record(gateway.RequestLog{ID: "1"})
	rec.Record(gateway.RequestLog{ID: "2"})
	// This one is dropped silently.
	rec.Record(gateway.RequestLog{ID: "3"})

	if len(rec.ch) != 2 {
		t.Errorf("channel len = %d, want 2", len(rec.ch))
	}
}

func TestLogRecorderDrainOnShutdown(t *testing.T) {
	t.Parallel()
	store := &fakeLogStore{}
	rec := NewLogRecorder(store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	rec.Record(gateway.RequestLog{UserID: "drain-1"})
	rec.Record(gateway.RequestLog{UserID: "drain-2"})

	time.Sleep(50 * time.Millisecond) // let the goroutine start
	cancel()
	<-done

	if store.totalRows() < 2 {
		t.Errorf("expected at least 2 drained rows, got %d", store.totalRows())
	}
	// Flushed rows get IDs assigned off the hot path.
	if store.firstRow().ID == "" {
		t.Error("flushed row has empty ID")
	}
}
