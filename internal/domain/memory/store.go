// internal/domain/memory/store.go
package memory

import (
	"context"
	"time"
)

// Record is a single free-text memory returned by a search, ranked by the
// backend's own notion of relevance. Because ranking is similarity-based,
// callers that need exactness must verify their token appears in Text.
type Record struct {
	ID        string
	Text      string
	CreatedAt time.Time
}

// Store defines the operations the engine needs from the persistent state
// store. The store is append-oriented: there is no update, writers append a
// new record and readers take the most recent matching one.
type Store interface {
	// Add durably appends one record per text under the given subject.
	Add(ctx context.Context, texts []string, subjectID string) error
	// Search returns up to limit records for the subject, most relevant
	// first. May return false positives.
	Search(ctx context.Context, query string, subjectID string, limit int) ([]Record, error)
	// Delete removes a single record by its ID.
	Delete(ctx context.Context, recordID string) error
}

// Latest returns the most recently created record among records whose text
// satisfies match, or nil if none do. Search results are relevance-ranked,
// not time-ranked, so "latest wins" has to be applied by the reader.
func Latest(records []Record, match func(text string) bool) *Record {
	var latest *Record
	for i := range records {
		r := &records[i]
		if !match(r.Text) {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	return latest
}
