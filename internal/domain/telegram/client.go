package telegram

import (
	"errors"

	"gopkg.in/telebot.v3"
)

// Client defines an interface for sending messages via a Telegram bot.
// This helps in decoupling the engine from the specific bot library.
type Client interface {
	SendMessage(recipientChatID int64, text string, options *telebot.SendOptions) error
}

// IsPermanentDeliveryError reports whether a send failure means the chat is
// gone for good (user blocked the bot, deleted their account, or the chat no
// longer exists). Permanent failures unregister the user; everything else is
// transient and only fails the current attempt.
func IsPermanentDeliveryError(err error) bool {
	return errors.Is(err, telebot.ErrBlockedByUser) ||
		errors.Is(err, telebot.ErrUserIsDeactivated) ||
		errors.Is(err, telebot.ErrChatNotFound) ||
		errors.Is(err, telebot.ErrNotStartedByUser)
}
