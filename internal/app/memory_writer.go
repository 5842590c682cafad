// internal/app/memory_writer.go
package app

import (
	"context"
	"sync"
	"time"

	"companion_bot/internal/domain/memory"

	"github.com/sirupsen/logrus"
)

const memoryWriteTimeout = 10 * time.Second

type writeOp struct {
	subjectID string
	texts     []string
}

// MemoryWriter is the asynchronous durable-write queue for advisory state:
// activity timestamps, counters and markers. Callers enqueue and move on;
// a single worker drains the queue so synchronous call sites never block on
// the store. Failures are logged and dropped; advisory writes are best-effort
// by contract. Flush gives tests and shutdown an observable completion signal.
type MemoryWriter struct {
	store  memory.Store
	logger *logrus.Logger
	queue  chan writeOp

	pending sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewMemoryWriter(store memory.Store, logger *logrus.Logger) *MemoryWriter {
	w := &MemoryWriter{
		store:  store,
		logger: logger,
		queue:  make(chan writeOp, 256),
	}
	go w.run()
	return w
}

// Enqueue schedules a durable append. Never blocks: if the queue is full the
// write is dropped with a warning, which degrades restart recovery but keeps
// the scheduler running.
func (w *MemoryWriter) Enqueue(subjectID string, texts ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.logger.WithField("subject_id", subjectID).Warn("Memory writer closed, dropping write")
		return
	}
	w.pending.Add(1)
	select {
	case w.queue <- writeOp{subjectID: subjectID, texts: texts}:
	default:
		w.pending.Done()
		w.logger.WithField("subject_id", subjectID).Warn("Memory write queue full, dropping write")
	}
}

// Flush blocks until every write enqueued so far has been attempted, or the
// context expires.
func (w *MemoryWriter) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains outstanding writes and stops the worker. Enqueue after Close
// is a logged no-op.
func (w *MemoryWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	w.pending.Wait()
	close(w.queue)
}

func (w *MemoryWriter) run() {
	for op := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), memoryWriteTimeout)
		if err := w.store.Add(ctx, op.texts, op.subjectID); err != nil {
			w.logger.WithError(err).WithField("subject_id", op.subjectID).Error("Durable memory write failed")
		}
		cancel()
		w.pending.Done()
	}
}
