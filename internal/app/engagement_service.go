// internal/app/engagement_service.go
package app

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"companion_bot/internal/domain/generation"
	"companion_bot/internal/domain/memory"
	"companion_bot/internal/domain/registration"
	"companion_bot/internal/domain/schedule"
	domainTelegram "companion_bot/internal/domain/telegram"
	"companion_bot/internal/infra/scheduler"

	"github.com/sirupsen/logrus"
)

const (
	periodicSweepInterval   = 30 * time.Minute
	activityCleanupInterval = time.Hour
	initialCheckDelay       = time.Hour // avoid sending immediately on every restart
	activePostponeDelay     = 15 * time.Minute
	ignoreCheckDelay        = 2 * time.Hour
	maxParagraphDelay       = 8 * time.Second
	restoreSearchLimit      = 100
	collaboratorTimeout     = 2 * time.Minute
)

// EngagementService is the background scheduler: it owns the registration
// lifecycle, restores schedules from the persistent store on startup, runs
// the per-user check handlers, and drives the generation and transport
// collaborators when a decision says send. No handler error is fatal: every
// failure is logged, the attempt abandoned, and the next timer continues
// independently.
type EngagementService struct {
	jobs      *scheduler.JobScheduler
	tracker   *ActivityTracker
	state     *SchedulerState
	policy    *schedule.Policy
	generator generation.Client
	transport domainTelegram.Client
	store     memory.Store
	logger    *logrus.Logger

	mu            sync.Mutex
	registrations map[string]registration.Registration

	// injected for tests
	now   func() time.Time
	sleep func(time.Duration)
	rng   *rand.Rand
}

func NewEngagementService(
	jobs *scheduler.JobScheduler,
	tracker *ActivityTracker,
	state *SchedulerState,
	policy *schedule.Policy,
	generator generation.Client,
	transport domainTelegram.Client,
	store memory.Store,
	logger *logrus.Logger,
	rng *rand.Rand,
) *EngagementService {
	return &EngagementService{
		jobs:          jobs,
		tracker:       tracker,
		state:         state,
		policy:        policy,
		generator:     generator,
		transport:     transport,
		store:         store,
		logger:        logger,
		registrations: make(map[string]registration.Registration),
		now:           time.Now,
		sleep:         time.Sleep,
		rng:           rng,
	}
}

// Start restores persisted registrations, schedules their checks, and begins
// the recurring jobs.
func (s *EngagementService) Start(ctx context.Context) error {
	restored := s.restoreRegistrations(ctx)

	if err := s.jobs.AddInterval("periodic_proactive_check", periodicSweepInterval, s.periodicCheck); err != nil {
		return fmt.Errorf("could not register periodic check job: %w", err)
	}
	if err := s.jobs.AddInterval("activity_cleanup", activityCleanupInterval, s.tracker.Cleanup); err != nil {
		return fmt.Errorf("could not register activity cleanup job: %w", err)
	}
	s.jobs.Start()

	s.logger.WithField("restored_users", restored).Info("Background scheduler started")
	return nil
}

// Stop halts all timers. Pending durable writes are the MemoryWriter
// owner's concern.
func (s *EngagementService) Stop() {
	s.jobs.Stop()
	s.logger.Info("Background scheduler stopped")
}

// Register makes the user eligible for proactive messages. Idempotent: a
// second call for the same user is a no-op. The durable write happens
// synchronously, since losing it would lose the user across restarts.
func (s *EngagementService) Register(ctx context.Context, userID string, chatID int64) {
	s.mu.Lock()
	if _, exists := s.registrations[userID]; exists {
		s.mu.Unlock()
		s.logger.WithField("user_id", userID).Debug("User already registered for proactive messaging")
		return
	}
	reg := registration.Registration{UserID: userID, ChatID: chatID, RegisteredAt: s.now()}
	s.registrations[userID] = reg
	s.mu.Unlock()

	s.persistRegistration(ctx, reg)
	s.scheduleRegularCheck(userID, s.now().Add(initialCheckDelay))
	s.scheduleSpontaneousChecks(userID)
	s.logger.WithFields(logrus.Fields{"user_id": userID, "chat_id": chatID}).Info("Registered user for proactive messaging")
}

// Unregister removes the user from scheduling, deletes the durable
// registration record, and best-effort-cancels pending jobs. A job firing
// just after unregistration is tolerated: its handler finds no registration
// and does nothing.
func (s *EngagementService) Unregister(userID string) {
	s.mu.Lock()
	delete(s.registrations, userID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
	defer cancel()
	s.deleteRegistrationRecord(ctx, userID)

	s.jobs.Cancel(regularCheckKey(userID))
	for _, iv := range s.policy.Intervals() {
		s.jobs.Cancel(spontaneousCheckKey(userID, iv.Name))
	}
	s.logger.WithField("user_id", userID).Info("Unregistered user from proactive messaging")
}

// Registered reports whether the user currently has an active registration.
func (s *EngagementService) Registered(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.registrations[userID]
	return ok
}

// HandleInboundMessage feeds an inbound user message into the engine:
// records activity, clears a non-zero ignore counter, and ensures the user
// is registered.
func (s *EngagementService) HandleInboundMessage(ctx context.Context, userID string, chatID int64) {
	s.tracker.RecordActivity(userID)
	if s.state.IgnoredCount(ctx, userID) > 0 {
		s.state.ResetIgnored(userID)
	}
	s.Register(ctx, userID, chatID)
}

// --- job keys ---

func regularCheckKey(userID string) string {
	return "regular_check:" + userID
}

func spontaneousCheckKey(userID, intervalName string) string {
	return "spontaneous_interval_check:" + intervalName + ":" + userID
}

func ignoreCheckKey(userID string, sentAt time.Time) string {
	// Unique per send so multiple observation windows can coexist.
	return fmt.Sprintf("ignore_check:%s:%d", userID, sentAt.UnixNano())
}

// --- startup restoration ---

// restoreRegistrations rebuilds the in-memory registration set from the
// store after a restart, tolerating every historical record format.
func (s *EngagementService) restoreRegistrations(ctx context.Context) int {
	restored := 0

	records, err := s.store.Search(ctx, registration.RecordQuery, registration.SystemSubjectID, restoreSearchLimit)
	if err != nil {
		s.logger.WithError(err).Error("Error searching for persisted registrations")
	}
	for _, rec := range records {
		reg, ok := registration.Parse(rec.Text)
		if !ok {
			s.logger.WithField("record", rec.Text).Warn("Skipping unparsable registration record")
			continue
		}
		if s.addRestored(reg) {
			restored++
		}
	}

	restored += s.restoreSplitFactRegistrations(ctx)

	if restored > 0 {
		s.logger.WithField("count", restored).Info("Restored user registrations from persistent storage")
	} else {
		s.logger.Info("No previous user registrations found")
	}
	return restored
}

// restoreSplitFactRegistrations recovers registrations old builds persisted
// as separate "User ID is X" / "Chat ID is Y" records. Compatibility shim;
// see registration.MatchSplitFacts.
func (s *EngagementService) restoreSplitFactRegistrations(ctx context.Context) int {
	userRecords, err := s.store.Search(ctx, "User ID is", registration.SystemSubjectID, restoreSearchLimit/2)
	if err != nil {
		s.logger.WithError(err).Warn("Error searching split-fact user records")
		return 0
	}
	chatRecords, err := s.store.Search(ctx, "Chat ID is", registration.SystemSubjectID, restoreSearchLimit/2)
	if err != nil {
		s.logger.WithError(err).Warn("Error searching split-fact chat records")
		return 0
	}

	var userIDs []string
	for _, rec := range userRecords {
		if id, ok := registration.ParseSplitUserFact(rec.Text); ok {
			userIDs = append(userIDs, id)
		}
	}
	var chatIDs []int64
	for _, rec := range chatRecords {
		if id, ok := registration.ParseSplitChatFact(rec.Text); ok {
			chatIDs = append(chatIDs, id)
		}
	}

	restored := 0
	for _, reg := range registration.MatchSplitFacts(userIDs, chatIDs) {
		if s.addRestored(reg) {
			restored++
		}
	}
	return restored
}

// addRestored registers a restored user in memory and schedules their
// checks. Returns false if the user was already present.
func (s *EngagementService) addRestored(reg registration.Registration) bool {
	s.mu.Lock()
	if _, exists := s.registrations[reg.UserID]; exists {
		s.mu.Unlock()
		return false
	}
	s.registrations[reg.UserID] = reg
	s.mu.Unlock()

	s.scheduleRegularCheck(reg.UserID, s.now().Add(initialCheckDelay))
	s.scheduleSpontaneousChecks(reg.UserID)
	s.logger.WithFields(logrus.Fields{"user_id": reg.UserID, "chat_id": reg.ChatID}).Debug("Restored user registration")
	return true
}

// --- durable registration records ---

func (s *EngagementService) persistRegistration(ctx context.Context, reg registration.Registration) {
	// Drop a stale record for this user first so restarts don't restore
	// duplicates.
	s.deleteRegistrationRecord(ctx, reg.UserID)

	if err := s.store.Add(ctx, []string{reg.EncodeV1()}, registration.SystemSubjectID); err != nil {
		s.logger.WithError(err).WithField("user_id", reg.UserID).Error("Error saving user registration")
		return
	}
	s.logger.WithField("user_id", reg.UserID).Info("Saved user registration to persistent storage")
}

func (s *EngagementService) deleteRegistrationRecord(ctx context.Context, userID string) {
	records, err := s.store.Search(ctx, registration.RecordQuery+" user_id:"+userID, registration.SystemSubjectID, 10)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Debug("Could not search for existing registration record")
		return
	}
	token := "user_id:" + userID
	for _, rec := range records {
		if strings.Contains(rec.Text, token) && strings.Contains(rec.Text, registration.RecordQuery) {
			if err := s.store.Delete(ctx, rec.ID); err != nil {
				s.logger.WithError(err).WithField("user_id", userID).Debug("Could not delete registration record")
			}
			return
		}
	}
}

// --- check scheduling ---

func (s *EngagementService) scheduleRegularCheck(userID string, at time.Time) {
	s.jobs.ScheduleAt(regularCheckKey(userID), at, func() {
		s.runRegularCheck(userID, false)
	})
}

// scheduleSpontaneousChecks arranges one check per configured interval: at a
// random moment inside the interval's next occurrence, or within the next
// half hour if the interval is already underway.
func (s *EngagementService) scheduleSpontaneousChecks(userID string) {
	now := s.now()
	for _, iv := range s.policy.Intervals() {
		at := s.intervalCheckTime(iv, now)
		name := iv.Name
		s.jobs.ScheduleAt(spontaneousCheckKey(userID, name), at, func() {
			s.runSpontaneousCheck(userID, name)
		})
	}
}

func (s *EngagementService) intervalCheckTime(iv schedule.SpontaneousInterval, now time.Time) time.Time {
	start := time.Date(now.Year(), now.Month(), now.Day(), iv.StartHour, 0, 0, 0, now.Location())
	end := time.Date(now.Year(), now.Month(), now.Day(), iv.EndHour, 0, 0, 0, now.Location())
	if !end.After(now) {
		start = start.AddDate(0, 0, 1)
		end = end.AddDate(0, 0, 1)
	}
	if !start.After(now) {
		// Already inside the interval: check soon.
		return now.Add(time.Duration(5+s.rng.Intn(26)) * time.Minute)
	}
	window := int(end.Sub(start) / time.Minute)
	return start.Add(time.Duration(s.rng.Intn(window+1)) * time.Minute)
}

// --- job handlers ---

// periodicCheck sweeps every registered user through the regular decision
// path. Marked periodic so a negative decision does not reschedule anything
// (only explicit checks do, to avoid duplicate timers).
func (s *EngagementService) periodicCheck() {
	s.mu.Lock()
	userIDs := make([]string, 0, len(s.registrations))
	for id := range s.registrations {
		userIDs = append(userIDs, id)
	}
	s.mu.Unlock()

	s.logger.WithField("users", len(userIDs)).Debug("Running periodic proactive check")
	for _, userID := range userIDs {
		s.runRegularCheck(userID, true)
	}
}

func (s *EngagementService) runRegularCheck(userID string, periodic bool) {
	ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
	defer cancel()

	if !s.Registered(userID) {
		return // fired after unregistration; tolerate as no-op
	}

	if s.tracker.IsConversationActive(ctx, userID) {
		s.logger.WithField("user_id", userID).Info("Conversation active, postponing proactive message")
		s.scheduleRegularCheck(userID, s.now().Add(activePostponeDelay))
		return
	}

	if s.state.ShouldSendIgnoreMessage(ctx, userID) {
		// At most one ignored-category message per day, then silence until
		// the user responds.
		if s.state.HasSentToday(ctx, userID, schedule.CategoryIgnored) {
			return
		}
		s.logger.WithField("user_id", userID).Info("User has been ignoring messages, sending ignore message")
		if s.sendProactive(ctx, userID, schedule.CategoryIgnored) {
			s.state.MarkSentToday(userID, schedule.CategoryIgnored)
		}
		return
	}

	sctx := s.buildContext(ctx, userID)
	shouldSend, category := s.policy.Decide(sctx)

	if shouldSend {
		if s.state.HasSentToday(ctx, userID, category) {
			s.logger.WithFields(logrus.Fields{"user_id": userID, "category": category}).Info("Already sent category today, skipping")
			s.scheduleRegularCheck(userID, s.policy.NextTime(sctx, ""))
			return
		}
		if s.sendProactive(ctx, userID, category) {
			s.state.MarkSentToday(userID, category)
			s.logger.WithFields(logrus.Fields{"user_id": userID, "category": category}).Info("Proactive message sent and marked")
		} else {
			s.logger.WithFields(logrus.Fields{"user_id": userID, "category": category}).Warn("Proactive send failed, not marking")
		}
		s.scheduleRegularCheck(userID, s.policy.NextTime(sctx, ""))
	} else if !periodic {
		s.scheduleRegularCheck(userID, s.policy.NextTime(sctx, ""))
	}
}

// runIgnoreCheck fires two hours after a send: if the user has not written
// since, the ignore counter grows; otherwise it resets.
func (s *EngagementService) runIgnoreCheck(userID string, sentAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
	defer cancel()

	since, ok := s.tracker.TimeSinceLastMessage(ctx, userID)
	if !ok || s.now().Sub(sentAt) <= since {
		s.state.IncrementIgnored(ctx, userID)
		s.logger.WithFields(logrus.Fields{"user_id": userID, "sent_at": sentAt.Format(time.RFC3339)}).Info("User ignored proactive message")
	} else {
		s.state.ResetIgnored(userID)
	}
}

func (s *EngagementService) runSpontaneousCheck(userID, intervalName string) {
	ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
	defer cancel()

	// The timer may fire late; re-validate every precondition instead of
	// trusting the schedule.
	defer s.rescheduleSpontaneousCheck(userID, intervalName)

	if !s.Registered(userID) {
		return
	}
	if current, ok := s.policy.CurrentInterval(s.now()); !ok || current != intervalName {
		s.logger.WithFields(logrus.Fields{"user_id": userID, "interval": intervalName}).Debug("No longer in interval, skipping")
		return
	}
	if s.tracker.IsConversationActive(ctx, userID) {
		return
	}
	if s.state.ShouldSendIgnoreMessage(ctx, userID) {
		return
	}
	if s.state.HasSentInInterval(ctx, userID, intervalName) {
		return
	}

	if s.rng.Float64() >= s.policy.SpontaneityFactor() {
		s.logger.WithFields(logrus.Fields{"user_id": userID, "interval": intervalName}).Debug("Spontaneity roll failed, no message")
		return
	}

	if s.sendProactive(ctx, userID, schedule.CategorySpontaneous) {
		s.state.MarkSentInInterval(userID, intervalName)
		s.logger.WithFields(logrus.Fields{"user_id": userID, "interval": intervalName}).Info("Spontaneous message sent")
	}
}

// rescheduleSpontaneousCheck books the interval's next occurrence so the
// window stays live on following days.
func (s *EngagementService) rescheduleSpontaneousCheck(userID, intervalName string) {
	if !s.Registered(userID) {
		return
	}
	for _, iv := range s.policy.Intervals() {
		if iv.Name != intervalName {
			continue
		}
		now := s.now()
		next := time.Date(now.Year(), now.Month(), now.Day(), iv.StartHour, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
		window := (iv.EndHour - iv.StartHour) * 60
		at := next.Add(time.Duration(s.rng.Intn(window+1)) * time.Minute)
		s.jobs.ScheduleAt(spontaneousCheckKey(userID, intervalName), at, func() {
			s.runSpontaneousCheck(userID, intervalName)
		})
		return
	}
}

func (s *EngagementService) buildContext(ctx context.Context, userID string) schedule.Context {
	tz := s.state.UserTimezone(ctx, userID)
	if tz == "" {
		s.logger.WithField("user_id", userID).Warn("No timezone found for user, defaulting to UTC")
		tz = "UTC"
	}
	return schedule.Context{
		UserID:               userID,
		LastProactiveMessage: s.state.LastProactive(ctx, userID),
		CurrentTime:          s.now(),
		UserTimezone:         tz,
		FrequencyPreference:  s.state.FrequencyPreference(ctx, userID),
	}
}

// --- send execution ---

// sendProactive generates and delivers a message of the given category.
// Returns true only if delivery succeeded; callers use this to gate marker
// writes. A permanent transport failure unregisters the user.
func (s *EngagementService) sendProactive(ctx context.Context, userID string, category schedule.Category) bool {
	s.mu.Lock()
	reg, ok := s.registrations[userID]
	s.mu.Unlock()
	if !ok {
		s.logger.WithField("user_id", userID).Warn("No registration found for proactive send")
		return false
	}

	text, err := s.generator.Generate(ctx, userID, category, s.policy.PromptFor(category))
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"user_id": userID, "category": category}).Error("Message generation failed")
		return false
	}

	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		s.logger.WithField("user_id", userID).Warn("Generated empty proactive message")
		return false
	}

	for i, para := range paragraphs {
		if err := s.transport.SendMessage(reg.ChatID, para, nil); err != nil {
			if domainTelegram.IsPermanentDeliveryError(err) {
				s.logger.WithError(err).WithField("user_id", userID).Warn("Permanent delivery failure, unregistering user")
				s.Unregister(userID)
			} else {
				s.logger.WithError(err).WithField("user_id", userID).Error("Error sending proactive message")
			}
			return false
		}
		if i < len(paragraphs)-1 {
			s.sleep(s.paragraphDelay(len(para)))
		}
	}

	s.logger.WithFields(logrus.Fields{"user_id": userID, "category": category}).Info("Sent proactive message")
	s.state.MarkProactiveSent(userID)

	if category != schedule.CategoryIgnored {
		sentAt := s.now()
		s.jobs.ScheduleAt(ignoreCheckKey(userID, sentAt), sentAt.Add(ignoreCheckDelay), func() {
			s.runIgnoreCheck(userID, sentAt)
		})
	}
	return true
}

// splitParagraphs breaks generated text into paragraphs on blank lines so
// delivery reads like a person typing several messages.
func splitParagraphs(text string) []string {
	normalized := strings.ReplaceAll(strings.TrimSpace(text), "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(normalized, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// paragraphDelay computes the pause before the next paragraph: a 2-4s base
// plus a length factor, capped at 8s.
func (s *EngagementService) paragraphDelay(textLen int) time.Duration {
	base := 2 + s.rng.Float64()*2
	lengthFactor := float64(textLen/100) * (0.5 + s.rng.Float64())
	total := base + lengthFactor
	d := time.Duration(total * float64(time.Second))
	if d > maxParagraphDelay {
		return maxParagraphDelay
	}
	return d
}
