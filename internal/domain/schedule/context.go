// internal/domain/schedule/context.go
package schedule

import "time"

// Category identifies what kind of proactive message to request from the
// generation collaborator.
type Category string

const (
	CategoryMorningCheck      Category = "morning_check"
	CategoryAfternoonThought  Category = "afternoon_thought"
	CategoryEveningReflection Category = "evening_reflection"
	CategorySpontaneous       Category = "spontaneous"
	CategoryIgnored           Category = "ignored"
)

// FrequencyPreference is the user's expressed wish for more or fewer
// proactive messages. Empty means no preference.
type FrequencyPreference string

const (
	FrequencyMore FrequencyPreference = "more"
	FrequencyLess FrequencyPreference = "less"
)

// Context is an immutable snapshot of the facts a scheduling decision needs.
// A fresh Context is built for every decision point; policy methods never
// mutate it.
type Context struct {
	UserID               string
	LastProactiveMessage *time.Time
	LastUserResponse     *time.Time // part of the contract, unused by current policy
	CurrentTime          time.Time
	UserTimezone         string // IANA name; empty or invalid falls back to UTC
	FrequencyPreference  FrequencyPreference
}

// at returns a copy of the context re-anchored at t, used to simulate a
// decision at a future candidate time.
func (c Context) at(t time.Time) Context {
	c.CurrentTime = t
	return c
}
