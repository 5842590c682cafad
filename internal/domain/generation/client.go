// internal/domain/generation/client.go
package generation

import (
	"context"

	"companion_bot/internal/domain/schedule"
)

// Client is the message-generation collaborator: given a user, a message
// category and the persona's prompt hints, it produces the text of a
// proactive message. The engine treats it as a black box and never inspects
// how the text was produced.
type Client interface {
	Generate(ctx context.Context, userID string, category schedule.Category, hints schedule.Prompt) (string, error)
}
