package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/webtimer/internal/detector"
	"github.com/t77yq/webtimer/internal/executor"
	"github.com/t77yq/webtimer/internal/model"
	"github.com/t77yq/webtimer/internal/monitor"
	"github.com/t77yq/webtimer/internal/notify"
	"github.com/t77yq/webtimer/internal/registry"
	"github.com/t77yq/webtimer/internal/storage"
)

// defaultTick is how often due times are checked.
const defaultTick = time.Second

// Dispatcher emits classified notification events.
type Dispatcher interface {
	Dispatch(event *model.NotificationEvent)
}

// jobState is the per-schedule runtime state. It lives from
// registration to removal and is only touched under the scheduler's
// lock. The inFlight flag is the per-job mutex guaranteeing at most one
// concurrent execution per schedule.
type jobState struct {
	nextDue      time.Time
	lastRun      time.Time
	inFlight     bool
	lastHash     string
	failing      bool
	lastError    string
	runCount     int
	errorCount   int
	overlapDrops int
}

// Scheduler owns the per-job due-time tracking and orchestrates each
// firing: retry sequence, change detection, history persistence,
// classification and dispatch. It is also the synchronous control
// surface consumed by external shells.
type Scheduler struct {
	logger     *zap.Logger
	registry   *registry.Registry
	runner     *executor.RetryRunner
	detector   *detector.ChangeDetector
	history    storage.HistoryStore
	dispatcher Dispatcher
	monitor    *monitor.Collector
	tick       time.Duration

	mu      sync.Mutex
	states  map[string]*jobState
	running bool
	ctx     context.Context
	stop    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// Options configures optional scheduler collaborators.
type Options struct {
	Tick    time.Duration
	Monitor *monitor.Collector
}

// New assembles a scheduler. The registry starts empty; schedules are
// added through the control surface.
func New(logger *zap.Logger, reg *registry.Registry, runner *executor.RetryRunner,
	det *detector.ChangeDetector, history storage.HistoryStore, dispatcher Dispatcher, opts Options) *Scheduler {

	tick := opts.Tick
	if tick <= 0 {
		tick = defaultTick
	}
	return &Scheduler{
		logger:     logger.Named("scheduler"),
		registry:   reg,
		runner:     runner,
		detector:   det,
		history:    history,
		dispatcher: dispatcher,
		monitor:    opts.Monitor,
		tick:       tick,
		states:     make(map[string]*jobState),
	}
}

// AddSchedule validates and registers a new schedule and creates its
// runtime state. If the scheduler is running and the schedule is
// enabled, its first due time is computed immediately.
func (s *Scheduler) AddSchedule(schedule *model.Schedule) error {
	if err := s.registry.Add(schedule); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := &jobState{}
	if s.running && schedule.Enabled {
		if next, err := schedule.NextRun(time.Now()); err == nil {
			state.nextDue = next
		}
	}
	s.states[schedule.ID] = state
	return nil
}

// UpdateSchedule applies a partial update. A firing already in flight
// finishes with the definition it was fired with; the updated one is
// adopted for the next firing, whose due time is recomputed from now.
func (s *Scheduler) UpdateSchedule(id string, update *model.ScheduleUpdate) error {
	if err := s.registry.Update(id, update); err != nil {
		return err
	}

	updated, err := s.registry.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[id]
	if !ok {
		state = &jobState{}
		s.states[id] = state
	}
	state.nextDue = time.Time{}
	if s.running && updated.Enabled {
		if next, err := updated.NextRun(time.Now()); err == nil {
			state.nextDue = next
		}
	}
	return nil
}

// RemoveSchedule deletes the schedule and destroys its runtime state.
func (s *Scheduler) RemoveSchedule(id string) error {
	if err := s.registry.Remove(id); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.states, id)
	s.mu.Unlock()
	return nil
}

// SetEnabled toggles a schedule without removing its runtime state, so
// change detection and failure tracking survive a disable/enable cycle.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	if err := s.registry.SetEnabled(id, enabled); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[id]
	if !ok {
		return nil
	}
	if enabled {
		state.nextDue = time.Time{}
		if s.running {
			if schedule, err := s.registry.Get(id); err == nil {
				if next, err := schedule.NextRun(time.Now()); err == nil {
					state.nextDue = next
				}
			}
		}
	}
	return nil
}

// ListSchedules returns a snapshot of all definitions ordered by id.
func (s *Scheduler) ListSchedules() []*model.Schedule {
	return s.registry.List()
}

// History queries persisted attempt records.
func (s *Scheduler) History(ctx context.Context, filter model.HistoryFilter) ([]*model.HistoryRecord, error) {
	return s.history.List(ctx, filter)
}

// Stats computes aggregate statistics, for one schedule or all.
func (s *Scheduler) Stats(ctx context.Context, scheduleID string) ([]*model.ScheduleStats, error) {
	return s.history.Stats(ctx, scheduleID)
}

// Start activates timers for all enabled schedules and begins the tick
// loop. The context bounds in-flight HTTP attempts; Stop itself never
// cancels them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.ctx = ctx
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	now := time.Now()
	for _, schedule := range s.registry.List() {
		state, ok := s.states[schedule.ID]
		if !ok {
			state = &jobState{}
			s.states[schedule.ID] = state
		}
		state.nextDue = time.Time{}
		if schedule.Enabled {
			if next, err := schedule.NextRun(now); err == nil {
				state.nextDue = next
			}
		}
	}
	jobCount := len(s.states)
	s.mu.Unlock()

	go s.loop(ctx)

	s.logger.Info("Scheduler started",
		zap.Int("schedules", jobCount),
		zap.Duration("tick", s.tick))
	return nil
}

// Stop deactivates the timers and drains: it returns only after every
// in-flight firing has completed its full retry sequence and its
// history writes.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	stop := s.stop
	done := s.done
	s.mu.Unlock()

	close(stop)
	<-done
	s.wg.Wait()

	s.logger.Info("Scheduler stopped")
	return nil
}

// JobStatus describes one schedule's runtime state.
type JobStatus struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Enabled      bool       `json:"enabled"`
	InFlight     bool       `json:"in_flight"`
	Failing      bool       `json:"failing"`
	NextDue      *time.Time `json:"next_due,omitempty"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	RunCount     int        `json:"run_count"`
	ErrorCount   int        `json:"error_count"`
	OverlapDrops int        `json:"overlap_drops"`
}

// Status summarizes the engine for external shells.
type Status struct {
	Running  bool                 `json:"running"`
	JobCount int                  `json:"job_count"`
	Jobs     []JobStatus          `json:"jobs"`
	System   *monitor.SystemStats `json:"system,omitempty"`
}

// Status returns the running flag, job count and per-job runtime state.
func (s *Scheduler) Status() Status {
	schedules := s.registry.List()

	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Running:  s.running,
		JobCount: len(schedules),
		Jobs:     make([]JobStatus, 0, len(schedules)),
	}
	for _, schedule := range schedules {
		js := JobStatus{
			ID:      schedule.ID,
			Name:    schedule.Name,
			Enabled: schedule.Enabled,
		}
		if state, ok := s.states[schedule.ID]; ok {
			js.InFlight = state.inFlight
			js.Failing = state.failing
			js.RunCount = state.runCount
			js.ErrorCount = state.errorCount
			js.OverlapDrops = state.overlapDrops
			if !state.nextDue.IsZero() {
				due := state.nextDue
				js.NextDue = &due
			}
			if !state.lastRun.IsZero() {
				last := state.lastRun
				js.LastRun = &last
			}
		}
		status.Jobs = append(status.Jobs, js)
	}
	if s.monitor != nil {
		status.System = s.monitor.Latest()
	}
	return status
}

// loop is the due-time checker. A single ticker drives all schedules;
// each due schedule fires on its own goroutine.
func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.checkDue(now)
		}
	}
}

// checkDue fires every enabled schedule whose due time has passed. A
// due event arriving while the previous firing is still in flight is
// dropped, not queued.
func (s *Scheduler) checkDue(now time.Time) {
	schedules := s.registry.List()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, schedule := range schedules {
		if !schedule.Enabled {
			continue
		}
		state, ok := s.states[schedule.ID]
		if !ok {
			continue
		}
		if state.nextDue.IsZero() {
			if next, err := schedule.NextRun(now); err == nil {
				state.nextDue = next
			}
			continue
		}
		if now.Before(state.nextDue) {
			continue
		}

		if state.inFlight {
			state.overlapDrops++
			s.advanceDue(schedule, state, now)
			s.logger.Warn("Dropped due event, previous firing still in flight",
				zap.String("schedule_id", schedule.ID),
				zap.Int("overlap_drops", state.overlapDrops),
				zap.Time("next_due", state.nextDue))
			continue
		}

		state.inFlight = true
		s.advanceDue(schedule, state, now)

		s.wg.Add(1)
		go s.fire(schedule, state)
	}
}

// advanceDue computes the next due time. Interval schedules advance
// from the previous due time, not from completion, so late firings do
// not accumulate drift; if more than one period has elapsed the due
// time jumps to the nearest future boundary and missed firings are
// skipped, never replayed. Cron schedules take the earliest match
// strictly after now.
func (s *Scheduler) advanceDue(schedule *model.Schedule, state *jobState, now time.Time) {
	switch schedule.Trigger {
	case model.TriggerInterval:
		state.nextDue = state.nextDue.Add(schedule.Interval)
		for !state.nextDue.After(now) {
			state.nextDue = state.nextDue.Add(schedule.Interval)
		}
	default:
		next, err := schedule.NextRun(now)
		if err != nil {
			s.logger.Error("Failed to compute next due time",
				zap.String("schedule_id", schedule.ID),
				zap.Error(err))
			state.nextDue = time.Time{}
			return
		}
		state.nextDue = next
	}
}

// fire runs one complete firing: retry sequence, change detection,
// history persistence, classification, state update and dispatch.
// Every runtime error in here is absorbed; nothing may crash the
// scheduler or halt other jobs.
func (s *Scheduler) fire(schedule *model.Schedule, state *jobState) {
	defer s.wg.Done()

	s.logger.Info("Firing schedule",
		zap.String("schedule_id", schedule.ID),
		zap.String("name", schedule.Name))

	attempts, final := s.runner.Run(s.ctx, schedule)

	s.mu.Lock()
	previousHash := state.lastHash
	wasFailing := state.failing
	s.mu.Unlock()

	var change *model.ChangeResult
	if final.Success {
		change = s.detector.Inspect(final.Body, previousHash)
		final.BodyHash = change.CurrentHash
	}

	for _, attempt := range attempts {
		record := recordFromAttempt(attempt, schedule)
		if err := s.history.Append(s.ctx, record); err != nil {
			// Persistence failures never stop scheduling; the entry is lost.
			s.logger.Error("Failed to persist attempt",
				zap.String("schedule_id", schedule.ID),
				zap.String("request_id", attempt.RequestID),
				zap.Int("attempt", attempt.Attempt),
				zap.Error(err))
		}
	}

	eventType := notify.Classify(final, change, wasFailing)

	s.mu.Lock()
	state.runCount++
	state.lastRun = time.Now()
	suppress := false
	if eventType == model.NotificationFailure {
		state.errorCount++
		state.failing = true
		// Repeated identical failures notify once until the next success.
		if state.lastError == final.Error {
			suppress = true
		} else {
			state.lastError = final.Error
		}
	} else {
		state.failing = false
		state.lastError = ""
		state.lastHash = change.CurrentHash
	}
	state.inFlight = false
	s.mu.Unlock()

	s.logger.Info("Firing completed",
		zap.String("schedule_id", schedule.ID),
		zap.String("request_id", final.RequestID),
		zap.Bool("success", final.Success),
		zap.Int("attempts", len(attempts)),
		zap.String("event", string(eventType)))

	if suppress {
		s.logger.Debug("Suppressing duplicate failure notification",
			zap.String("schedule_id", schedule.ID),
			zap.String("error", final.Error))
		return
	}

	s.dispatcher.Dispatch(&model.NotificationEvent{
		Type:     eventType,
		Schedule: schedule,
		Result:   final,
		Change:   change,
	})
}

// recordFromAttempt projects an attempt onto its persisted form.
func recordFromAttempt(attempt *model.AttemptResult, schedule *model.Schedule) *model.HistoryRecord {
	return &model.HistoryRecord{
		RequestID:    attempt.RequestID,
		ScheduleID:   schedule.ID,
		ScheduleName: schedule.Name,
		Timestamp:    attempt.Timestamp,
		URL:          schedule.URL,
		Method:       schedule.Method,
		Success:      attempt.Success,
		StatusCode:   attempt.StatusCode,
		ResponseTime: attempt.ResponseTime,
		Attempt:      attempt.Attempt,
		Error:        attempt.Error,
		Body:         string(attempt.Body),
		BodyHash:     attempt.BodyHash,
	}
}
