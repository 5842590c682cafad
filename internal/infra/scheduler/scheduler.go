package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// JobScheduler owns the engine's timers: a cron engine for recurring jobs
// (the periodic sweep, activity cleanup) and a keyed set of one-shot timers
// for per-user checks. One-shot jobs are keyed by (kind, user[, interval]);
// scheduling under an existing key replaces the pending timer, which is how
// the engine guarantees at most one pending check per key. Jobs that must
// accumulate (ignore checks) simply use unique keys.
//
// Scheduler state lives only for the process lifetime; the orchestrator
// rebuilds it from the persistent store on startup.
type JobScheduler struct {
	cronEngine *cron.Cron
	logger     *logrus.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewJobScheduler(logger *logrus.Logger) *JobScheduler {
	return &JobScheduler{
		cronEngine: cron.New(cron.WithLocation(time.Local)),
		logger:     logger,
		timers:     make(map[string]*time.Timer),
	}
}

// Start begins dispatching recurring jobs. One-shot jobs fire whether or not
// Start has been called; Stop cancels everything.
func (s *JobScheduler) Start() {
	s.logger.Info("Job scheduler starting")
	s.cronEngine.Start()
}

// Stop halts the cron engine (waiting for running jobs) and cancels all
// pending one-shot timers.
func (s *JobScheduler) Stop() {
	s.logger.Info("Job scheduler stopping")
	ctx := s.cronEngine.Stop()
	<-ctx.Done()

	s.mu.Lock()
	s.stopped = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()
	s.logger.Info("Job scheduler stopped")
}

// AddInterval registers a recurring job that fires every interval.
func (s *JobScheduler) AddInterval(name string, every time.Duration, job func()) error {
	_, err := s.cronEngine.AddFunc("@every "+every.String(), func() {
		s.logger.WithField("job", name).Debug("Recurring job fired")
		job()
	})
	return err
}

// ScheduleAt arranges for job to run at the given wall-clock time, replacing
// any pending job with the same key. Times in the past fire immediately.
func (s *JobScheduler) ScheduleAt(key string, at time.Time, job func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[key]; ok {
		old.Stop()
	}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		// Drop the map entry only if it is still ours: the handler may have
		// been replaced between firing and acquiring the lock.
		s.mu.Lock()
		if cur, ok := s.timers[key]; ok && cur == timer {
			delete(s.timers, key)
		}
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		job()
	})
	s.timers[key] = timer
	s.logger.WithFields(logrus.Fields{"key": key, "at": at.Format(time.RFC3339)}).Debug("One-shot job scheduled")
}

// Cancel removes a pending one-shot job. Cancelling a key that does not
// exist (never scheduled, already fired, or already cancelled) is a no-op:
// handlers re-validate their own preconditions, so a timer that slips
// through mid-flight is tolerated.
func (s *JobScheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// Pending reports whether a one-shot job is currently scheduled for key.
func (s *JobScheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// PendingCount returns the number of scheduled one-shot jobs.
func (s *JobScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
