package app

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"companion_bot/internal/domain/memory"
	"companion_bot/internal/domain/schedule"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeStore is an in-memory memory.Store. Search mimics the similarity
// backend: a record matches when it shares any word with the query, so
// results contain false positives the same way the real store does.
type fakeStore struct {
	mu      sync.Mutex
	records map[string][]memory.Record // by subject
	nextID  int
	clock   time.Time

	addErr    error
	searchErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string][]memory.Record),
		clock:   time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) Add(_ context.Context, texts []string, subjectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	for _, text := range texts {
		f.nextID++
		f.clock = f.clock.Add(time.Second)
		f.records[subjectID] = append(f.records[subjectID], memory.Record{
			ID:        strconv.Itoa(f.nextID),
			Text:      text,
			CreatedAt: f.clock,
		})
	}
	return nil
}

func (f *fakeStore) Search(_ context.Context, query, subjectID string, limit int) ([]memory.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	queryTokens := tokenize(query)
	var matches []memory.Record
	for _, rec := range f.records[subjectID] {
		recTokens := tokenize(rec.Text)
		for tok := range queryTokens {
			if recTokens[tok] {
				matches = append(matches, rec)
				break
			}
		}
	}
	// Newest first, like the real backend's rank-then-recency ordering.
	for i, j := 0, len(matches)-1; i < j; i, j = i+1, j-1 {
		matches[i], matches[j] = matches[j], matches[i]
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// tokenize splits on every non-alphanumeric rune, so a record sharing any
// word fragment with the query counts as a match. That is deliberately
// sloppy: readers must survive lookalike results.
func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		out[tok] = true
	}
	return out
}

func (f *fakeStore) Delete(_ context.Context, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for subject, recs := range f.records {
		for i, rec := range recs {
			if rec.ID == recordID {
				f.records[subject] = append(recs[:i], recs[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (f *fakeStore) all(subjectID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, rec := range f.records[subjectID] {
		out = append(out, rec.Text)
	}
	return out
}

// fakeGenerator returns a canned message or error.
type fakeGenerator struct {
	mu         sync.Mutex
	text       string
	err        error
	categories []schedule.Category
}

func (g *fakeGenerator) Generate(_ context.Context, _ string, category schedule.Category, _ schedule.Prompt) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.categories = append(g.categories, category)
	if g.err != nil {
		return "", g.err
	}
	return g.text, nil
}

type sentMessage struct {
	chatID int64
	text   string
}

// fakeTransport records deliveries and can be told to fail.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (t *fakeTransport) SendMessage(recipientChatID int64, text string, _ *telebot.SendOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, sentMessage{chatID: recipientChatID, text: text})
	return nil
}

func (t *fakeTransport) messages() []sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]sentMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

func flush(t interface{ Fatalf(string, ...interface{}) }, w *MemoryWriter) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("flushing memory writer: %v", err)
	}
}
