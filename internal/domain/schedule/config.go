// internal/domain/schedule/config.go
package schedule

import (
	"fmt"
	"sort"
)

// Config is the scheduling section of a persona file. A nil Config makes the
// policy engine decline every send, which is the degraded-but-alive behavior
// for a missing or unparsable persona.
type Config struct {
	PreferredTimes       []PreferredTime       `json:"preferred_times"`
	DefaultFrequency     Frequency             `json:"default_frequency"`
	SpontaneousIntervals []SpontaneousInterval `json:"spontaneous_intervals"`
	Personality          Personality           `json:"scheduling_personality"`
	ConversationPrompts  map[string]Prompt     `json:"conversation_prompts"`
}

// PreferredTime is a local time-of-day the persona likes to reach out at.
type PreferredTime struct {
	Time  string `json:"time"` // "HH:MM"
	Label string `json:"label,omitempty"`
}

// Frequency bounds the gap between proactive sends, in hours.
type Frequency struct {
	MinHoursBetween int `json:"min_hours_between"`
	MaxHoursBetween int `json:"max_hours_between"`
}

// SpontaneousInterval is a named [StartHour, EndHour) window of the day in
// which at most one spontaneous message may randomly occur.
type SpontaneousInterval struct {
	Name      string `json:"name"`
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
}

type Personality struct {
	SpontaneityFactor float64 `json:"spontaneity_factor"`
}

// Prompt is the opaque hint bundle handed to the generation collaborator.
type Prompt struct {
	Prompt string `json:"prompt"`
	Tone   string `json:"tone"`
	Length string `json:"length"`
}

const (
	defaultMinHoursBetween   = 4
	defaultMaxHoursBetween   = 12
	defaultSpontaneityFactor = 0.4
)

// Normalize fills in defaults for absent fields.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	if c.DefaultFrequency.MinHoursBetween <= 0 {
		c.DefaultFrequency.MinHoursBetween = defaultMinHoursBetween
	}
	if c.DefaultFrequency.MaxHoursBetween <= 0 {
		c.DefaultFrequency.MaxHoursBetween = defaultMaxHoursBetween
	}
	if c.Personality.SpontaneityFactor <= 0 {
		c.Personality.SpontaneityFactor = defaultSpontaneityFactor
	}
}

// Validate rejects configurations the engine cannot schedule against.
// Overlapping spontaneous intervals would make interval resolution ambiguous,
// so they are a hard configuration error.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	intervals := make([]SpontaneousInterval, len(c.SpontaneousIntervals))
	copy(intervals, c.SpontaneousIntervals)
	sort.Slice(intervals, func(i, j int) bool { return intervals[i].StartHour < intervals[j].StartHour })
	for i, iv := range intervals {
		if iv.Name == "" {
			return fmt.Errorf("spontaneous interval %d has no name", i)
		}
		if iv.StartHour < 0 || iv.StartHour > 23 || iv.EndHour < 1 || iv.EndHour > 24 || iv.StartHour >= iv.EndHour {
			return fmt.Errorf("spontaneous interval %q has invalid bounds [%d,%d)", iv.Name, iv.StartHour, iv.EndHour)
		}
		if i > 0 && iv.StartHour < intervals[i-1].EndHour {
			return fmt.Errorf("spontaneous intervals %q and %q overlap", intervals[i-1].Name, iv.Name)
		}
	}
	return nil
}

// PromptFor returns the prompt hints for a category, falling back to the
// spontaneous prompt and finally to a generic check-in.
func (c *Config) PromptFor(category Category) Prompt {
	if c != nil {
		if p, ok := c.ConversationPrompts[string(category)]; ok {
			return p
		}
		if p, ok := c.ConversationPrompts[string(CategorySpontaneous)]; ok {
			return p
		}
	}
	return Prompt{
		Prompt: "Generate a friendly, natural message to check in with the user. Be genuine and caring.",
		Tone:   "friendly, genuine",
		Length: "1-2 sentences",
	}
}
