package registration

import (
	"testing"
	"time"
)

func TestParseV1RoundTrip(t *testing.T) {
	reg := Registration{
		UserID:       "123456",
		ChatID:       123456,
		RegisteredAt: time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC),
	}

	got, ok := Parse(reg.EncodeV1())
	if !ok {
		t.Fatal("Parse failed on freshly encoded V1 record")
	}
	if got.UserID != reg.UserID || got.ChatID != reg.ChatID || !got.RegisteredAt.Equal(reg.RegisteredAt) {
		t.Errorf("Parse = %+v, want %+v", got, reg)
	}
}

func TestParseLegacyStructured(t *testing.T) {
	got, ok := Parse("PROACTIVE_SCHEDULER_REGISTRATION user_id:789 chat_id:789 registered_at:2024-01-01T00:00:00")
	if !ok {
		t.Fatal("Parse failed on legacy structured record")
	}
	if got.UserID != "789" || got.ChatID != 789 {
		t.Errorf("Parse = %+v, want user 789, chat 789", got)
	}
	// Legacy timestamps are not RFC3339; they are dropped, not fatal.
	if !got.RegisteredAt.IsZero() {
		t.Errorf("RegisteredAt = %v, want zero for unparsable legacy timestamp", got.RegisteredAt)
	}
}

func TestParseNarrativeLegacy(t *testing.T) {
	got, ok := Parse("Registered proactive scheduler with user_id 42 and chat_id 42 at some point")
	if !ok {
		t.Fatal("Parse failed on narrative legacy record")
	}
	if got.UserID != "42" || got.ChatID != 42 {
		t.Errorf("Parse = %+v, want user 42, chat 42", got)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"completely unrelated memory text",
		"user_id: chat_id:",
		"SCHEDULER_REGISTRATION_V1 user_id:1", // no chat id
		"SCHEDULER_REGISTRATION_V1 user_id:1 chat_id:notanumber",
	}
	for _, text := range cases {
		if _, ok := Parse(text); ok {
			t.Errorf("Parse(%q) = ok, want rejection", text)
		}
	}
}

func TestSplitFactParsers(t *testing.T) {
	if id, ok := ParseSplitUserFact("User ID is 555 for the proactive scheduler"); !ok || id != "555" {
		t.Errorf("ParseSplitUserFact = (%q, %v), want (555, true)", id, ok)
	}
	if id, ok := ParseSplitChatFact("Chat ID is 555 for the proactive scheduler"); !ok || id != 555 {
		t.Errorf("ParseSplitChatFact = (%d, %v), want (555, true)", id, ok)
	}
	if _, ok := ParseSplitUserFact("no ids here"); ok {
		t.Error("ParseSplitUserFact matched text without an id")
	}
}

func TestMatchSplitFacts(t *testing.T) {
	regs := MatchSplitFacts([]string{"100", "200", "100"}, []int64{100, 300})
	if len(regs) != 1 {
		t.Fatalf("MatchSplitFacts returned %d registrations, want 1", len(regs))
	}
	if regs[0].UserID != "100" || regs[0].ChatID != 100 {
		t.Errorf("MatchSplitFacts[0] = %+v, want user 100, chat 100", regs[0])
	}
}
