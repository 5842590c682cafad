// internal/domain/registration/parse.go
package registration

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Parse decodes a persisted registration record. The current V1 schema is
// tried first; on a miss the deprecated legacy parsers run in order. Records
// none of them understand return ok=false and are skipped by the caller.
func Parse(text string) (Registration, bool) {
	if r, ok := parseStructured(text); ok {
		return r, true
	}
	return parseNarrativeLegacy(text)
}

// parseStructured handles both the V1 format and the unversioned legacy
// key:value format; the two differ only in the leading tag.
//
//	SCHEDULER_REGISTRATION_V1 user_id:123 chat_id:123 registered_at:<RFC3339>
//	PROACTIVE_SCHEDULER_REGISTRATION user_id:123 chat_id:123 registered_at:<ts>
func parseStructured(text string) (Registration, bool) {
	if !strings.Contains(text, "user_id:") || !strings.Contains(text, "chat_id:") {
		return Registration{}, false
	}
	var r Registration
	for _, part := range strings.Fields(text) {
		switch {
		case strings.HasPrefix(part, "user_id:"):
			r.UserID = strings.TrimPrefix(part, "user_id:")
		case strings.HasPrefix(part, "chat_id:"):
			id, err := strconv.ParseInt(strings.TrimPrefix(part, "chat_id:"), 10, 64)
			if err != nil {
				return Registration{}, false
			}
			r.ChatID = id
		case strings.HasPrefix(part, "registered_at:"):
			if ts, err := time.Parse(time.RFC3339, strings.TrimPrefix(part, "registered_at:")); err == nil {
				r.RegisteredAt = ts
			}
		}
	}
	if r.UserID == "" || r.ChatID == 0 {
		return Registration{}, false
	}
	return r, true
}

var (
	narrativeUserRe = regexp.MustCompile(`user_id\s+(\d+)`)
	narrativeChatRe = regexp.MustCompile(`chat_id\s+(\d+)`)
)

// parseNarrativeLegacy handles records the old store backend rewrote into
// prose, e.g. "Registered proactive scheduler with user_id 123 and chat_id
// 123 at 2024-01-01T00:00:00".
//
// Deprecated: migration reader for records written before the V1 schema.
func parseNarrativeLegacy(text string) (Registration, bool) {
	userMatch := narrativeUserRe.FindStringSubmatch(text)
	chatMatch := narrativeChatRe.FindStringSubmatch(text)
	if userMatch == nil || chatMatch == nil {
		return Registration{}, false
	}
	chatID, err := strconv.ParseInt(chatMatch[1], 10, 64)
	if err != nil {
		return Registration{}, false
	}
	return Registration{UserID: userMatch[1], ChatID: chatID}, true
}

var (
	splitUserRe = regexp.MustCompile(`User ID is\s+(\d+)`)
	splitChatRe = regexp.MustCompile(`Chat ID is\s+(\d+)`)
)

// ParseSplitUserFact extracts a user id from a standalone "User ID is X"
// record.
//
// Deprecated: migration reader for split-fact records; see MatchSplitFacts.
func ParseSplitUserFact(text string) (string, bool) {
	m := splitUserRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ParseSplitChatFact extracts a chat id from a standalone "Chat ID is Y"
// record.
//
// Deprecated: migration reader for split-fact records; see MatchSplitFacts.
func ParseSplitChatFact(text string) (int64, bool) {
	m := splitChatRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// MatchSplitFacts reconciles registrations that old builds persisted as two
// separate records, "User ID is X" and "Chat ID is Y". The pairing rule is
// textual equality of the two values, which only holds for direct one-to-one
// chats where the chat id equals the user id. This is a compatibility shim
// for old data, not load-bearing logic; V1 records never take this path.
//
// Deprecated: migration reader for split-fact records.
func MatchSplitFacts(userIDs []string, chatIDs []int64) []Registration {
	chats := make(map[string]int64, len(chatIDs))
	for _, c := range chatIDs {
		chats[strconv.FormatInt(c, 10)] = c
	}
	var out []Registration
	seen := make(map[string]bool, len(userIDs))
	for _, u := range userIDs {
		if seen[u] {
			continue
		}
		seen[u] = true
		if c, ok := chats[u]; ok {
			out = append(out, Registration{UserID: u, ChatID: c})
		}
	}
	return out
}
