// internal/domain/registration/registration.go
package registration

import (
	"fmt"
	"time"
)

// SystemSubjectID is the store subject under which all registration records
// live, so a single search can recover every registered user after a restart.
const SystemSubjectID = "PROACTIVE_SCHEDULER_SYSTEM"

// RecordQuery is the search query that matches both the current and the
// legacy structured registration records.
const RecordQuery = "SCHEDULER_REGISTRATION"

// Registration marks a user as eligible for proactive messages. At most one
// registration exists per user; it is persisted on creation and deleted on
// unregistration so the set survives restarts.
type Registration struct {
	UserID       string
	ChatID       int64
	RegisteredAt time.Time
}

// EncodeV1 renders the current, versioned record format. This is the only
// format new writes use; everything else in parse.go is a migration reader.
func (r Registration) EncodeV1() string {
	return fmt.Sprintf("SCHEDULER_REGISTRATION_V1 user_id:%s chat_id:%d registered_at:%s",
		r.UserID, r.ChatID, r.RegisteredAt.UTC().Format(time.RFC3339))
}
