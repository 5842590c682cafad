// internal/domain/schedule/policy.go
package schedule

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Quiet-hours boundary: proactive messages are allowed while the user's
// local hour is in [7, 23).
const (
	sendWindowStartHour = 7
	sendWindowEndHour   = 23
)

// Policy decides whether, what, and when to send. It is stateless per call:
// everything it needs arrives in the Context or in its immutable Config.
type Policy struct {
	cfg *Config
	rng *rand.Rand
	log *logrus.Logger
}

func NewPolicy(cfg *Config, rng *rand.Rand, log *logrus.Logger) *Policy {
	return &Policy{cfg: cfg, rng: rng, log: log}
}

// Decide reports whether a proactive send is allowed right now and, if so,
// which category fits the user's local time of day.
func (p *Policy) Decide(c Context) (bool, Category) {
	if p.cfg == nil {
		return false, ""
	}
	local := c.CurrentTime.In(p.location(c))
	hour := local.Hour()
	if hour < sendWindowStartHour || hour >= sendWindowEndHour {
		p.log.WithFields(logrus.Fields{
			"user_id":    c.UserID,
			"timezone":   c.UserTimezone,
			"local_hour": hour,
		}).Debug("Skipping proactive message: outside send window")
		return false, ""
	}
	if !p.meetsFrequency(c) {
		return false, ""
	}
	return true, p.categoryForHour(hour)
}

// MinHoursBetween is the effective minimum gap between proactive sends for
// the given preference: base 4h, "more" subtracts 2h (floored at 1h), "less"
// adds 4h.
func (p *Policy) MinHoursBetween(pref FrequencyPreference) int {
	min := defaultMinHoursBetween
	if p.cfg != nil && p.cfg.DefaultFrequency.MinHoursBetween > 0 {
		min = p.cfg.DefaultFrequency.MinHoursBetween
	}
	switch pref {
	case FrequencyMore:
		min -= 2
		if min < 1 {
			min = 1
		}
	case FrequencyLess:
		min += 4
	}
	return min
}

func (p *Policy) meetsFrequency(c Context) bool {
	if c.LastProactiveMessage == nil {
		return true
	}
	elapsed := c.CurrentTime.Sub(*c.LastProactiveMessage).Hours()
	return elapsed >= float64(p.MinHoursBetween(c.FrequencyPreference))
}

func (p *Policy) categoryForHour(hour int) Category {
	switch {
	case hour >= 7 && hour < 12:
		return CategoryMorningCheck
	case hour >= 12 && hour < 17:
		return CategoryAfternoonThought
	case hour >= 17 && hour <= 22:
		return CategoryEveningReflection
	default:
		return CategorySpontaneous
	}
}

// NextTime computes when the next check for this user should fire.
// Spontaneous sends are placed at a random offset clamped into the send
// window; scheduled categories walk the persona's preferred times and take
// the first candidate that would itself pass the frequency check.
func (p *Policy) NextTime(c Context, category Category) time.Time {
	if category == CategorySpontaneous {
		return p.nextSpontaneousTime(c)
	}

	loc := p.location(c)
	now := c.CurrentTime
	for _, pt := range p.preferredTimes() {
		hour, minute, err := parseHHMM(pt.Time)
		if err != nil {
			continue
		}
		local := now.In(loc)
		candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		candidate = candidate.Add(p.jitter())
		if !candidate.After(now) {
			candidate = time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc).
				AddDate(0, 0, 1).
				Add(p.jitter())
		}
		if p.meetsFrequency(c.at(candidate)) {
			return candidate
		}
	}

	// No preferred time qualifies: fall back to the bare frequency gap.
	base := now
	if c.LastProactiveMessage != nil {
		base = *c.LastProactiveMessage
	}
	return base.Add(time.Duration(p.MinHoursBetween(c.FrequencyPreference)) * time.Hour)
}

func (p *Policy) nextSpontaneousTime(c Context) time.Time {
	minHours, maxHours := 1.0, 8.0
	switch c.FrequencyPreference {
	case FrequencyMore:
		maxHours = 4
	case FrequencyLess:
		minHours, maxHours = 4, 12
	}
	offset := minHours + p.rng.Float64()*(maxHours-minHours)
	proposed := c.CurrentTime.Add(time.Duration(offset * float64(time.Hour)))

	loc := p.location(c)
	local := proposed.In(loc)
	switch {
	case local.Hour() < sendWindowStartHour:
		// Too early: snap to a random morning hour the same day.
		local = time.Date(local.Year(), local.Month(), local.Day(), p.morningHour(), local.Minute(), 0, 0, loc)
	case local.Hour() >= sendWindowEndHour:
		// Too late: snap to a random morning hour the next day.
		local = time.Date(local.Year(), local.Month(), local.Day(), p.morningHour(), local.Minute(), 0, 0, loc).
			AddDate(0, 0, 1)
	}
	return local
}

// CurrentInterval resolves which named spontaneous interval contains the
// given time's hour, if any. Intervals are validated non-overlapping, so the
// first match is the only match.
func (p *Policy) CurrentInterval(t time.Time) (string, bool) {
	if p.cfg == nil {
		return "", false
	}
	hour := t.Hour()
	for _, iv := range p.cfg.SpontaneousIntervals {
		if hour >= iv.StartHour && hour < iv.EndHour {
			return iv.Name, true
		}
	}
	return "", false
}

// SpontaneityFactor is the probability that an interval check actually sends.
func (p *Policy) SpontaneityFactor() float64 {
	if p.cfg == nil {
		return 0
	}
	return p.cfg.Personality.SpontaneityFactor
}

func (p *Policy) Intervals() []SpontaneousInterval {
	if p.cfg == nil {
		return nil
	}
	return p.cfg.SpontaneousIntervals
}

func (p *Policy) PromptFor(category Category) Prompt {
	return p.cfg.PromptFor(category)
}

// Loaded reports whether a schedule configuration is present at all.
func (p *Policy) Loaded() bool { return p.cfg != nil }

func (p *Policy) preferredTimes() []PreferredTime {
	if p.cfg == nil {
		return nil
	}
	return p.cfg.PreferredTimes
}

// jitter spreads a preferred time by up to ±30 minutes so sends don't land
// on the exact same minute every day.
func (p *Policy) jitter() time.Duration {
	return time.Duration(p.rng.Intn(61)-30) * time.Minute
}

// morningHour picks a random hour in [7, 11].
func (p *Policy) morningHour() int {
	return sendWindowStartHour + p.rng.Intn(5)
}

func (p *Policy) location(c Context) *time.Location {
	tz := strings.TrimSpace(c.UserTimezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		p.log.WithFields(logrus.Fields{
			"user_id":  c.UserID,
			"timezone": tz,
		}).Warn("Unknown timezone, defaulting to UTC")
		return time.UTC
	}
	return loc
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
