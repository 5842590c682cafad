// internal/infra/telegram/chat_handlers.go
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"companion_bot/internal/app"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// RegisterChatHandlers wires the inbound side of the bot: every message a
// user sends feeds the engagement engine (activity tracking, ignore-counter
// reset, registration), and a couple of commands let users manage their own
// scheduling.
func RegisterChatHandlers(
	ctx context.Context,
	b *telebot.Bot,
	engagement *app.EngagementService,
	state *app.SchedulerState,
	baseLogger *logrus.Entry,
) {
	chatLogger := baseLogger.WithField("handler_group", "chat")

	b.Handle("/start", func(c telebot.Context) error {
		senderID := c.Sender().ID
		userID := strconv.FormatInt(senderID, 10)
		logCtx := chatLogger.WithField("command", "/start").WithField("sender_id", senderID)
		logCtx.Info("Processing /start command")

		alreadyKnown := engagement.Registered(userID)
		engagement.HandleInboundMessage(ctx, userID, c.Chat().ID)

		if alreadyKnown {
			return c.Send("Welcome back! I'll keep checking in with you from time to time.")
		}
		return c.Send("Hi! I'm your companion. I'll message you on my own sometimes, just to check in. Use /timezone to tell me where you are so I don't wake you up, and /stop if you'd rather I didn't write first.")
	})

	b.Handle("/stop", func(c telebot.Context) error {
		senderID := c.Sender().ID
		userID := strconv.FormatInt(senderID, 10)
		chatLogger.WithField("command", "/stop").WithField("sender_id", senderID).Info("Processing /stop command")

		engagement.Unregister(userID)
		return c.Send("Okay, I won't message you first anymore. Write me anytime and I'll start again.")
	})

	b.Handle("/timezone", func(c telebot.Context) error {
		senderID := c.Sender().ID
		userID := strconv.FormatInt(senderID, 10)
		logCtx := chatLogger.WithField("command", "/timezone").WithField("sender_id", senderID)

		arg := strings.TrimSpace(c.Message().Payload)
		if arg == "" {
			return c.Send("Tell me your timezone as an IANA name, e.g. `/timezone Europe/Berlin`.", &telebot.SendOptions{ParseMode: telebot.ModeMarkdown})
		}
		if _, err := time.LoadLocation(arg); err != nil {
			logCtx.WithField("timezone", arg).Info("Rejected unknown timezone")
			return c.Send(fmt.Sprintf("I don't know the timezone %q. It should look like Europe/Berlin or America/New_York.", arg))
		}

		state.SaveUserTimezone(userID, arg)
		logCtx.WithField("timezone", arg).Info("User timezone updated")
		return c.Send(fmt.Sprintf("Got it, I'll use %s for your schedule.", arg))
	})

	// Every plain text message counts as conversation activity and implicitly
	// (re-)registers the user for proactive messaging.
	b.Handle(telebot.OnText, func(c telebot.Context) error {
		senderID := c.Sender().ID
		userID := strconv.FormatInt(senderID, 10)
		chatLogger.WithField("sender_id", senderID).Debug("Inbound message received")

		engagement.HandleInboundMessage(ctx, userID, c.Chat().ID)
		return nil
	})
}
