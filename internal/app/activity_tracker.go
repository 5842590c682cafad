// internal/app/activity_tracker.go
package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"companion_bot/internal/domain/memory"

	"github.com/sirupsen/logrus"
)

const (
	// A conversation counts as active while the last inbound message is
	// younger than this; proactive sends are suppressed meanwhile.
	conversationTimeout = 30 * time.Minute
	// In-memory entries older than this are dropped by Cleanup. Durable
	// records are left to the store's own retention.
	activityRetention = 24 * time.Hour

	activityRecordPrefix = "Last user message timestamp:"
)

// ActivityTracker remembers when each user last sent an inbound message, in
// a fast in-memory map mirrored to the persistent store so the signal
// survives restarts. Tracking is advisory: store failures are logged and
// treated as "no data", never propagated.
type ActivityTracker struct {
	store  memory.Store
	writer *MemoryWriter
	logger *logrus.Logger

	mu          sync.Mutex
	lastMessage map[string]time.Time

	now func() time.Time
}

func NewActivityTracker(store memory.Store, writer *MemoryWriter, logger *logrus.Logger) *ActivityTracker {
	return &ActivityTracker{
		store:       store,
		writer:      writer,
		logger:      logger,
		lastMessage: make(map[string]time.Time),
		now:         time.Now,
	}
}

// RecordActivity marks the user as active right now, in memory immediately
// and durably via the async writer.
func (t *ActivityTracker) RecordActivity(userID string) {
	now := t.now()
	t.mu.Lock()
	t.lastMessage[userID] = now
	t.mu.Unlock()

	t.writer.Enqueue(userID, activityRecordPrefix+" "+now.UTC().Format(time.RFC3339))
}

// IsConversationActive reports whether the user sent a message within the
// conversation timeout. The in-memory map is consulted first; on a miss the
// durable mirror is searched so the answer survives restarts.
func (t *ActivityTracker) IsConversationActive(ctx context.Context, userID string) bool {
	since, ok := t.TimeSinceLastMessage(ctx, userID)
	return ok && since < conversationTimeout
}

// TimeSinceLastMessage returns how long ago the user last wrote, or ok=false
// if no activity was ever recorded.
func (t *ActivityTracker) TimeSinceLastMessage(ctx context.Context, userID string) (time.Duration, bool) {
	t.mu.Lock()
	last, ok := t.lastMessage[userID]
	t.mu.Unlock()
	if ok {
		return t.now().Sub(last), true
	}

	records, err := t.store.Search(ctx, activityRecordPrefix, userID, 3)
	if err != nil {
		t.logger.WithError(err).WithField("user_id", userID).Error("Error reading activity records")
		return 0, false
	}
	rec := memory.Latest(records, func(text string) bool {
		return strings.Contains(text, "timestamp:")
	})
	if rec == nil {
		return 0, false
	}
	raw := strings.TrimSpace(rec.Text[strings.LastIndex(rec.Text, "timestamp:")+len("timestamp:"):])
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		t.logger.WithField("user_id", userID).Warnf("Unparsable activity timestamp %q, ignoring", raw)
		return 0, false
	}
	return t.now().Sub(ts), true
}

// Cleanup drops in-memory entries older than the retention window to bound
// memory growth. Wired as a recurring job.
func (t *ActivityTracker) Cleanup() {
	cutoff := t.now().Add(-activityRetention)
	t.mu.Lock()
	defer t.mu.Unlock()
	for userID, last := range t.lastMessage {
		if last.Before(cutoff) {
			delete(t.lastMessage, userID)
		}
	}
}
