package app

import (
	"context"
	"math/rand"
	"strings"
	"testing"
	"time"

	"companion_bot/internal/domain/registration"
	"companion_bot/internal/domain/schedule"
	"companion_bot/internal/infra/scheduler"

	"gopkg.in/telebot.v3"
)

func engagementConfig() *schedule.Config {
	return &schedule.Config{
		PreferredTimes:   []schedule.PreferredTime{{Time: "09:30"}, {Time: "20:00"}},
		DefaultFrequency: schedule.Frequency{MinHoursBetween: 4, MaxHoursBetween: 12},
		SpontaneousIntervals: []schedule.SpontaneousInterval{
			{Name: "morning", StartHour: 8, EndHour: 12},
			{Name: "evening", StartHour: 18, EndHour: 22},
		},
		// Deterministic: every spontaneity roll succeeds.
		Personality: schedule.Personality{SpontaneityFactor: 1.0},
	}
}

type engagementEnv struct {
	store     *fakeStore
	writer    *MemoryWriter
	tracker   *ActivityTracker
	state     *SchedulerState
	jobs      *scheduler.JobScheduler
	generator *fakeGenerator
	transport *fakeTransport
	svc       *EngagementService
	now       *time.Time
}

func newEngagementEnv(t *testing.T, cfg *schedule.Config) *engagementEnv {
	t.Helper()
	log := testLogger()
	store := newFakeStore()
	writer := NewMemoryWriter(store, log)
	tracker := NewActivityTracker(store, writer, log)
	state := NewSchedulerState(store, writer, log)
	jobs := scheduler.NewJobScheduler(log)
	rng := rand.New(rand.NewSource(1))
	generator := &fakeGenerator{text: "Hey! I was just thinking of you."}
	transport := &fakeTransport{}
	svc := NewEngagementService(jobs, tracker, state, schedule.NewPolicy(cfg, rng, log), generator, transport, store, log, rng)

	// Must stay in the real-time future: JobScheduler timers use wall-clock
	// delays, so a past date makes every scheduled job fire immediately.
	now := time.Date(2031, 6, 15, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc.now = clock
	svc.sleep = func(time.Duration) {}
	tracker.now = clock
	state.now = clock

	env := &engagementEnv{
		store: store, writer: writer, tracker: tracker, state: state,
		jobs: jobs, generator: generator, transport: transport, svc: svc, now: &now,
	}
	t.Cleanup(func() {
		jobs.Stop()
		writer.Close()
	})
	return env
}

func (e *engagementEnv) generatedCategories() []schedule.Category {
	e.generator.mu.Lock()
	defer e.generator.mu.Unlock()
	out := make([]schedule.Category, len(e.generator.categories))
	copy(out, e.generator.categories)
	return out
}

func TestRegisterIsIdempotentAndPersisted(t *testing.T) {
	env := newEngagementEnv(t, engagementConfig())
	ctx := context.Background()

	env.svc.Register(ctx, "111", 111)
	env.svc.Register(ctx, "111", 111)

	if !env.svc.Registered("111") {
		t.Fatal("user not registered after Register")
	}

	var count int
	for _, text := range env.store.all(registration.SystemSubjectID) {
		if strings.Contains(text, "user_id:111") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("found %d registration records, want exactly 1", count)
	}

	if !env.jobs.Pending(regularCheckKey("111")) {
		t.Error("no regular check scheduled after registration")
	}
	for _, iv := range []string{"morning", "evening"} {
		if !env.jobs.Pending(spontaneousCheckKey("111", iv)) {
			t.Errorf("no spontaneous check scheduled for interval %q", iv)
		}
	}
}

func TestRepersistingReplacesOldRecord(t *testing.T) {
	env := newEngagementEnv(t, engagementConfig())
	ctx := context.Background()

	reg := registration.Registration{UserID: "111", ChatID: 111, RegisteredAt: *env.now}
	env.svc.persistRegistration(ctx, reg)
	env.svc.persistRegistration(ctx, reg)

	var count int
	for _, text := range env.store.all(registration.SystemSubjectID) {
		if strings.Contains(text, "user_id:111") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("found %d registration records after double persist, want 1", count)
	}
}

func TestRegistrationsSurviveRestart(t *testing.T) {
	env := newEngagementEnv(t, engagementConfig())
	ctx := context.Background()

	env.svc.Register(ctx, "111", 111)
	env.svc.Register(ctx, "222", 222)

	// A second service sharing the store plays the restarted process.
	restarted := newEngagementEnv(t, engagementConfig())
	restarted.svc.store = env.store
	restarted.svc.restoreRegistrations(ctx)

	for _, userID := range []string{"111", "222"} {
		if !restarted.svc.Registered(userID) {
			t.Errorf("user %s not restored after restart", userID)
		}
		if !restarted.jobs.Pending(regularCheckKey(userID)) {
			t.Errorf("no regular check scheduled for restored user %s", userID)
		}
	}
}

func TestRestoreRecoversSplitFactRecords(t *testing.T) {
	env := newEngagementEnv(t, engagementConfig())
	ctx := context.Background()

	seed := []string{
		"User ID is 777 for the proactive scheduler",
		"Chat ID is 777 for the proactive scheduler",
		"User ID is 888 for the proactive scheduler", // no matching chat record
	}
	if err := env.store.Add(ctx, seed, registration.SystemSubjectID); err != nil {
		t.Fatal(err)
	}

	env.svc.restoreRegistrations(ctx)

	if !env.svc.Registered("777") {
		t.Error("split-fact registration for 777 not recovered")
	}
	if env.svc.Registered("888") {
		t.Error("unpairable split-fact record for 888 was restored")
	}
}

func TestUnregisterRemovesUserAndRecord(t *testing.T) {
	env := newEngagementEnv(t, engagementConfig())
	ctx := context.Background()

	env.svc.Register(ctx, "111", 111)
	env.svc.Unregister("111")

	if env.svc.Registered("111") {
		t.Error("user still registered after Unregister")
	}
	for _, text := range env.store.all(registration.SystemSubjectID) {
		if strings.Contains(text, "user_id:111") {
			t.Error("registration record still in store after Unregister")
		}
	}
	if env.jobs.Pending(regularCheckKey("111")) {
		t.Error("regular check still pending after Unregister")
	}
}

func TestRegularCheckSendsInWindowAndMarks(t *testing.T) {
	env := newEngagementEnv(t, engagementConfig())
	ctx := context.Background()
	env.generator.text = "Good morning!\n\nHow did you sleep?"

	env.svc.Register(ctx, "111", 42)
	env.svc.runRegularCheck("111", false)

	msgs := env.transport.messages()
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2 paragraphs", len(msgs))
	}
	for _, m := range msgs {
		if m.chatID != 42 {
			t.Errorf("message sent to chat %d, want 42", m.chatID)
		}
	}
	if cats := env.generatedCategories(); len(cats) != 1 || cats[0] != schedule.CategoryMorningCheck {
		t.Errorf("generated categories = %v, want [morning_check]", cats)
	}

	flush(t, env.writer)
	if !env.state.HasSentToday(ctx, "111", schedule.CategoryMorningCheck) {
		t.Error("daily marker missing after successful send")
	}
	if env.state.LastProactive(ctx, "111") == nil {
		t.Error("last-proactive timestamp missing after successful send")
	}

	// The daily marker now blocks a second morning send.
	env.svc.runRegularCheck("111", false)
	if got := len(env.transport.messages()); got != 2 {
		t.Errorf("second check sent more messages, total %d, want still 2", got)
	}
}

func TestRegularCheckOutsideWindowSendsNothing(t *testing.T) {
	env := newEngagementEnv(t, engagementConfig())
	ctx := context.Background()
	*env.now = time.Date(2031, 6, 15, 2, 0, 0, 0, time.UTC)

	env.svc.Register(ctx, "111", 42)
	env.svc.runRegularCheck("111", false)

	if got := len(env.transport.messages()); got != 0 {
		t.Errorf("sent %d messages at 02:00, want 0", got)
	}
	flush(t, env.writer)
	if env.state.LastProactive(ctx, "111") != nil {
		t.Error("last-proactive timestamp written without a send")
	}
	// The check reschedules itself for a better time.
	if !env.jobs.Pending(regularCheckKey("111")) {
		t.Error("no follow-up check scheduled after negative decision")
	}
}

func TestRegularCheckPostponesDuringConversation(t *testing.T) {
	env := newEngagementEnv(t, engagementConfig())
	ctx := context.Background()

	env.svc.Register(ctx, "111", 42)
	env.tracker.RecordActivity("111")

	env.svc.runRegularCheck("111", false)

	if got := len(env.transport.messages()); got != 0 {
		t.Errorf("sent %d messages during active conversation, want 0", got)
	}
	if !env.jobs.Pending(regularCheckKey("111")) {
		t.Error("check not postponed during active conversation")
	}
}

func TestIgnoreLifecycle(t *testing.T) {
	env := newEngagementEnv(t, engagementConfig())
	ctx := context.Background()

	env.svc.Register(ctx, "111", 42)

	// Two sends with no reply push the counter to the threshold.
	sentAt := env.now.Add(-2 * time.Hour)
	env.svc.runIgnoreCheck("111", sentAt)
	flush(t, env.writer)
	env.svc.runIgnoreCheck("111", sentAt)
	flush(t, env.writer)

	if !env.state.ShouldSendIgnoreMessage(ctx, "111") {
		t.Fatal("threshold not met after two unanswered sends")
	}

	// At the threshold the check sends the ignored category and no more.
	env.svc.runRegularCheck("111", false)
	cats := env.generatedCategories()
	if len(cats) != 1 || cats[0] != schedule.CategoryIgnored {
		t.Fatalf("generated categories = %v, want [ignored]", cats)
	}

	// Any inbound message clears the counter.
	env.svc.HandleInboundMessage(ctx, "111", 42)
	flush(t, env.writer)
	if env.state.ShouldSendIgnoreMessage(ctx, "111") {
		t.Error("threshold still met after user responded")
	}
}

func TestIgnoreCheckResetsWhenUserResponded(t *testing.T) {
	env := newEngagementEnv(t, engagementConfig())
	ctx := context.Background()

	env.svc.Register(ctx, "111", 42)
	env.state.IncrementIgnored(ctx, "111")
	flush(t, env.writer)

	// The user wrote after the send went out.
	env.tracker.RecordActivity("111")
	env.svc.runIgnoreCheck("111", env.now.Add(-2*time.Hour))
	flush(t, env.writer)

	if got := env.state.IgnoredCount(ctx, "111"); got != 0 {
		t.Errorf("IgnoredCount = %d after user responded, want 0", got)
	}
}

func TestSuccessfulSendSchedulesIgnoreCheck(t *testing.T) {
	env := newEngagementEnv(t, engagementConfig())
	ctx := context.Background()

	env.svc.Register(ctx, "111", 42)
	if !env.svc.sendProactive(ctx, "111", schedule.CategoryMorningCheck) {
		t.Fatal("sendProactive failed")
	}
	if !env.jobs.Pending(ignoreCheckKey("111", *env.now)) {
		t.Error("no ignore check scheduled after successful send")
	}
}

func TestGenerationFailureMeansNoSendNoMarker(t *testing.T) {
	env := newEngagementEnv(t, engagementConfig())
	ctx := context.Background()
	env.generator.err = context.DeadlineExceeded

	env.svc.Register(ctx, "111", 42)
	env.svc.runRegularCheck("111", false)

	if got := len(env.transport.messages()); got != 0 {
		t.Errorf("sent %d messages despite generation failure, want 0", got)
	}
	flush(t, env.writer)
	if env.state.HasSentToday(ctx, "111", schedule.CategoryMorningCheck) {
		t.Error("daily marker written despite failed send")
	}
}

func TestPermanentDeliveryFailureUnregisters(t *testing.T) {
	env := newEngagementEnv(t, engagementConfig())
	ctx := context.Background()
	env.transport.err = telebot.ErrBlockedByUser

	env.svc.Register(ctx, "111", 42)
	env.svc.runRegularCheck("111", false)

	if env.svc.Registered("111") {
		t.Error("user still registered after being blocked")
	}
}

func TestSpontaneousCheckSendsOncePerInterval(t *testing.T) {
	env := newEngagementEnv(t, engagementConfig())
	ctx := context.Background()

	env.svc.Register(ctx, "111", 42)
	env.svc.runSpontaneousCheck("111", "morning") // 10:00 is inside [8, 12)

	if got := len(env.transport.messages()); got != 1 {
		t.Fatalf("sent %d messages, want 1", got)
	}
	if cats := env.generatedCategories(); cats[len(cats)-1] != schedule.CategorySpontaneous {
		t.Errorf("category = %v, want spontaneous", cats[len(cats)-1])
	}

	flush(t, env.writer)
	env.svc.runSpontaneousCheck("111", "morning")
	if got := len(env.transport.messages()); got != 1 {
		t.Errorf("second check in same interval sent again, total %d, want 1", got)
	}

	// The window is re-armed for the next day.
	if !env.jobs.Pending(spontaneousCheckKey("111", "morning")) {
		t.Error("spontaneous check not rescheduled for the next occurrence")
	}
}

func TestSpontaneousCheckSkipsOutsideInterval(t *testing.T) {
	env := newEngagementEnv(t, engagementConfig())

	env.svc.Register(context.Background(), "111", 42)
	env.svc.runSpontaneousCheck("111", "evening") // 10:00 is outside [18, 22)

	if got := len(env.transport.messages()); got != 0 {
		t.Errorf("sent %d messages outside the interval, want 0", got)
	}
}

func TestSplitParagraphs(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"single", "hello", []string{"hello"}},
		{"two paragraphs", "one\n\ntwo", []string{"one", "two"}},
		{"windows newlines", "one\r\n\r\ntwo", []string{"one", "two"}},
		{"blank chunks dropped", "one\n\n   \n\ntwo\n\n", []string{"one", "two"}},
		{"empty", "   ", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := splitParagraphs(tc.in)
			if len(got) != len(tc.want) {
				t.Fatalf("splitParagraphs(%q) = %v, want %v", tc.in, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("paragraph %d = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestParagraphDelayCapped(t *testing.T) {
	env := newEngagementEnv(t, engagementConfig())
	for i := 0; i < 100; i++ {
		if d := env.svc.paragraphDelay(5000); d > 8*time.Second {
			t.Fatalf("paragraphDelay = %v, want at most 8s", d)
		}
		if d := env.svc.paragraphDelay(10); d < 2*time.Second {
			t.Fatalf("paragraphDelay for short text = %v, want at least 2s", d)
		}
	}
}
