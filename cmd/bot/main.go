package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"companion_bot/internal/app"
	"companion_bot/internal/domain/schedule"
	"companion_bot/internal/infra/config"
	idb "companion_bot/internal/infra/database"
	"companion_bot/internal/infra/generation"
	"companion_bot/internal/infra/logger"
	"companion_bot/internal/infra/scheduler"
	"companion_bot/internal/infra/telegram"

	"gopkg.in/telebot.v3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatalf("FATAL: Could not load application configuration: %v", err)
	}

	logger.Init(cfg)
	log := logger.Get()
	log.Infof("Configuration loaded. LogLevel: %s, Environment: %s, Persona file: %s", cfg.LogLevel, cfg.Environment, cfg.PersonalityFile)

	// Persona: a broken file degrades to a never-send schedule instead of
	// refusing to start.
	var scheduleCfg *schedule.Config
	personaName := "Companion"
	persona, err := config.LoadPersona(cfg.PersonalityFile)
	if err != nil {
		log.WithError(err).Error("Could not load persona, proactive messaging disabled")
	} else {
		personaName = persona.Name
		scheduleCfg = persona.DailySchedule
		log.Infof("Persona %q loaded.", persona.Name)
	}

	// Database
	db, err := idb.NewPostgresConnection(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: Could not connect to database: %v", err)
	}
	defer db.Close()
	log.Info("Database connection established successfully.")

	memoryRepo := idb.NewPostgresMemoryRepository(db)
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if err := memoryRepo.EnsureSchema(startupCtx); err != nil {
		cancelStartup()
		log.Fatalf("FATAL: Could not prepare database schema: %v", err)
	}
	cancelStartup()
	log.Info("Memory repository initialized.")

	// App services
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	writer := app.NewMemoryWriter(memoryRepo, log)
	tracker := app.NewActivityTracker(memoryRepo, writer, log)
	state := app.NewSchedulerState(memoryRepo, writer, log)
	policy := schedule.NewPolicy(scheduleCfg, rng, log)
	jobs := scheduler.NewJobScheduler(log)
	generator := generation.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, personaName, log)

	// Telegram bot
	pref := telebot.Settings{
		Token:  cfg.TelegramToken,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c telebot.Context) {
			entry := log.WithError(err)
			if c != nil && c.Sender() != nil && c.Chat() != nil {
				entry = entry.WithFields(map[string]interface{}{
					"sender_id": c.Sender().ID,
					"chat_id":   c.Chat().ID,
				})
			}
			entry.Error("Telegram handler error")
		},
	}
	bot, err := telebot.NewBot(pref)
	if err != nil {
		log.Fatalf("FATAL: Could not create Telegram bot: %v", err)
	}
	transport := telegram.NewTelebotAdapter(bot)

	engagement := app.NewEngagementService(jobs, tracker, state, policy, generator, transport, memoryRepo, log, rng)

	handlerCtx, cancelHandlers := context.WithCancel(context.Background())
	defer cancelHandlers()
	telegram.RegisterChatHandlers(handlerCtx, bot, engagement, state, log.WithField("component", "telegram"))
	log.Info("Chat handlers registered.")

	if err := engagement.Start(context.Background()); err != nil {
		log.Fatalf("FATAL: Could not start engagement scheduler: %v", err)
	}

	log.Info("Application setup complete. Bot and scheduler are starting...")
	go bot.Start()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down application...")
	bot.Stop()
	engagement.Stop()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 15*time.Second)
	if err := writer.Flush(flushCtx); err != nil {
		log.WithError(err).Warn("Timed out flushing pending memory writes")
	}
	cancelFlush()
	writer.Close()

	log.Info("Application shut down gracefully.")
}
