// internal/infra/generation/openai_client.go
package generation

import (
	"context"
	"fmt"

	"companion_bot/internal/domain/schedule"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// OpenAIClient implements the generation.Client port with the OpenAI chat
// completion API. Prompt construction stays deliberately thin: the persona's
// configured hints are passed through, nothing is synthesized here.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	personaName string
	logger      *logrus.Logger
}

func NewOpenAIClient(apiKey, model, personaName string, logger *logrus.Logger) *OpenAIClient {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIClient{
		client:      openai.NewClient(apiKey),
		model:       model,
		personaName: personaName,
		logger:      logger,
	}
}

// Generate produces the text of a proactive message for the given category.
func (c *OpenAIClient) Generate(ctx context.Context, userID string, category schedule.Category, hints schedule.Prompt) (string, error) {
	system := fmt.Sprintf(
		"You are %s, a companion reaching out to a friend on your own initiative. %s Tone: %s. Length: %s.",
		c.personaName, hints.Prompt, hints.Tone, hints.Length,
	)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0.8,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed for user %s: %w", userID, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices for user %s", userID)
	}

	text := resp.Choices[0].Message.Content
	c.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"category": category,
		"length":   len(text),
	}).Debug("Generated proactive message")
	return text, nil
}
