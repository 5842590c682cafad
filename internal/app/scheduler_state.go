// internal/app/scheduler_state.go
package app

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"companion_bot/internal/domain/memory"
	"companion_bot/internal/domain/schedule"

	"github.com/sirupsen/logrus"
)

// Number of consecutive unanswered proactive sends after which the engine
// switches to the "ignored" category and stops scheduling until the user
// responds.
const ignoreThreshold = 2

const (
	lastProactivePrefix = "Last proactive message sent at"
	timezonePrefix      = "User timezone is"
)

var ignoredCountRe = regexp.MustCompile(`ignored (\d+) consecutive`)

// SchedulerState reads and writes the per-user scheduling facts that live in
// the persistent store: the ignore counter, daily and interval send markers,
// the last-proactive timestamp, the user's timezone and their frequency
// preference. The store is append-oriented and similarity-ranked, so every
// reader takes the most recent record and verifies exact tokens where
// exactness matters. All store errors degrade to "no data".
type SchedulerState struct {
	store  memory.Store
	writer *MemoryWriter
	logger *logrus.Logger
	now    func() time.Time
}

func NewSchedulerState(store memory.Store, writer *MemoryWriter, logger *logrus.Logger) *SchedulerState {
	return &SchedulerState{store: store, writer: writer, logger: logger, now: time.Now}
}

// LastProactive returns when the last proactive message was sent to the
// user, or nil if never recorded.
func (s *SchedulerState) LastProactive(ctx context.Context, userID string) *time.Time {
	records, err := s.store.Search(ctx, lastProactivePrefix, userID, 3)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Error reading last proactive timestamp")
		return nil
	}
	rec := memory.Latest(records, func(text string) bool {
		return strings.Contains(text, "sent at")
	})
	if rec == nil {
		return nil
	}
	raw := strings.TrimSpace(rec.Text[strings.LastIndex(rec.Text, "sent at")+len("sent at"):])
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &ts
}

// MarkProactiveSent records that a proactive message went out just now.
func (s *SchedulerState) MarkProactiveSent(userID string) {
	s.writer.Enqueue(userID, fmt.Sprintf("%s %s", lastProactivePrefix, s.now().UTC().Format(time.RFC3339)))
}

// IgnoredCount returns the current consecutive-ignore counter. The store
// keeps every historical value; the newest record wins.
func (s *SchedulerState) IgnoredCount(ctx context.Context, userID string) int {
	records, err := s.store.Search(ctx, "consecutive ignored proactive messages", userID, 5)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Error reading ignored count")
		return 0
	}
	rec := memory.Latest(records, func(text string) bool {
		return ignoredCountRe.MatchString(text)
	})
	if rec == nil {
		return 0
	}
	n, err := strconv.Atoi(ignoredCountRe.FindStringSubmatch(rec.Text)[1])
	if err != nil {
		return 0
	}
	return n
}

// IncrementIgnored bumps the counter by appending a new record.
func (s *SchedulerState) IncrementIgnored(ctx context.Context, userID string) {
	next := s.IgnoredCount(ctx, userID) + 1
	s.writer.Enqueue(userID, fmt.Sprintf("User has ignored %d consecutive proactive messages without responding", next))
	s.logger.WithFields(logrus.Fields{"user_id": userID, "count": next}).Info("Ignored count increased")
}

// ResetIgnored zeroes the counter; called when any inbound message arrives.
func (s *SchedulerState) ResetIgnored(userID string) {
	s.writer.Enqueue(userID, "User has ignored 0 consecutive proactive messages - they are responsive")
	s.logger.WithField("user_id", userID).Debug("Ignored count reset")
}

// ShouldSendIgnoreMessage reports whether the ignore threshold is met.
func (s *SchedulerState) ShouldSendIgnoreMessage(ctx context.Context, userID string) bool {
	return s.IgnoredCount(ctx, userID) >= ignoreThreshold
}

func dailyMarker(category schedule.Category, day string) string {
	return fmt.Sprintf("DAILY_MESSAGE_SENT_%s_%s", strings.ToUpper(string(category)), day)
}

func intervalMarker(intervalName, day string) string {
	return fmt.Sprintf("SPONTANEOUS_INTERVAL_SENT_%s_%s", intervalName, day)
}

// HasSentToday reports whether a message of this category already went out
// today. The marker token must appear verbatim in a record: the search
// backend ranks by similarity and may return lookalikes from other days or
// categories.
func (s *SchedulerState) HasSentToday(ctx context.Context, userID string, category schedule.Category) bool {
	return s.hasMarker(ctx, userID, dailyMarker(category, s.today()))
}

// MarkSentToday sets the daily idempotency marker for the category.
func (s *SchedulerState) MarkSentToday(userID string, category schedule.Category) {
	marker := dailyMarker(category, s.today())
	s.writer.Enqueue(userID, fmt.Sprintf("%s - Daily message '%s' completed for %s", marker, category, s.today()))
}

// HasSentInInterval reports whether a spontaneous message already went out
// in the named interval today.
func (s *SchedulerState) HasSentInInterval(ctx context.Context, userID, intervalName string) bool {
	return s.hasMarker(ctx, userID, intervalMarker(intervalName, s.today()))
}

// MarkSentInInterval sets the interval idempotency marker.
func (s *SchedulerState) MarkSentInInterval(userID, intervalName string) {
	marker := intervalMarker(intervalName, s.today())
	s.writer.Enqueue(userID, fmt.Sprintf("%s - Spontaneous message completed for %s interval on %s", marker, intervalName, s.today()))
}

func (s *SchedulerState) hasMarker(ctx context.Context, userID, marker string) bool {
	records, err := s.store.Search(ctx, marker, userID, 3)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Error checking send marker")
		return false
	}
	for _, rec := range records {
		if strings.Contains(rec.Text, marker) {
			return true
		}
	}
	return false
}

// UserTimezone returns the user's persisted IANA timezone, or "" if unknown.
func (s *SchedulerState) UserTimezone(ctx context.Context, userID string) string {
	records, err := s.store.Search(ctx, timezonePrefix, userID, 3)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Error reading user timezone")
		return ""
	}
	rec := memory.Latest(records, func(text string) bool {
		return strings.Contains(text, "timezone is")
	})
	if rec == nil {
		return ""
	}
	return strings.TrimSpace(rec.Text[strings.LastIndex(rec.Text, "timezone is")+len("timezone is"):])
}

// SaveUserTimezone persists the user's timezone.
func (s *SchedulerState) SaveUserTimezone(userID, tz string) {
	s.writer.Enqueue(userID, fmt.Sprintf("%s %s", timezonePrefix, tz))
	s.logger.WithFields(logrus.Fields{"user_id": userID, "timezone": tz}).Info("Saved user timezone")
}

var (
	morePhrases = []string{"more often", "more frequently", "contact me more"}
	lessPhrases = []string{"less often", "less frequently", "too many", "contact me less"}
)

// FrequencyPreference infers whether the user asked for more or fewer
// proactive messages from their free-text memories. Empty means no stated
// preference.
func (s *SchedulerState) FrequencyPreference(ctx context.Context, userID string) schedule.FrequencyPreference {
	queries := []string{
		"message me more often",
		"message me less often",
		"too many messages",
		"message frequency",
	}
	for _, q := range queries {
		records, err := s.store.Search(ctx, q, userID, 5)
		if err != nil {
			s.logger.WithError(err).WithField("user_id", userID).Error("Error reading frequency preference")
			return ""
		}
		for _, rec := range records {
			text := strings.ToLower(rec.Text)
			for _, phrase := range morePhrases {
				if strings.Contains(text, phrase) {
					return schedule.FrequencyMore
				}
			}
			for _, phrase := range lessPhrases {
				if strings.Contains(text, phrase) {
					return schedule.FrequencyLess
				}
			}
		}
	}
	return ""
}

func (s *SchedulerState) today() string {
	return s.now().Format("2006-01-02")
}
