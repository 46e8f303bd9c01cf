package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/webtimer/internal/model"
)

// Registry is the in-memory table of schedule definitions. It owns the
// definitions exclusively: callers always receive copies, so a job whose
// definition is updated mid-execution finishes its current retry
// sequence with the snapshot it was fired with.
type Registry struct {
	logger *zap.Logger
	mu     sync.RWMutex
	items  map[string]*model.Schedule
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.Named("registry"),
		items:  make(map[string]*model.Schedule),
	}
}

// Add registers a new schedule. It fails with ErrDuplicateSchedule if
// the id is already taken and ErrInvalidSchedule if validation fails.
func (r *Registry) Add(schedule *model.Schedule) error {
	if err := schedule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[schedule.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSchedule, schedule.ID)
	}
	r.items[schedule.ID] = schedule.Clone()

	r.logger.Info("Added schedule",
		zap.String("id", schedule.ID),
		zap.String("name", schedule.Name),
		zap.String("url", schedule.URL),
		zap.String("trigger", string(schedule.Trigger)))
	return nil
}

// Update applies a partial update to an existing schedule. The merged
// definition is validated before it replaces the stored one.
func (r *Registry) Update(id string, update *model.ScheduleUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}

	merged := update.Apply(current)
	if err := merged.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	r.items[id] = merged

	r.logger.Info("Updated schedule", zap.String("id", id))
	return nil
}

// Remove deletes a schedule.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[id]; !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	delete(r.items, id)

	r.logger.Info("Removed schedule", zap.String("id", id))
	return nil
}

// SetEnabled toggles the enabled flag without touching anything else.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	current.Enabled = enabled

	r.logger.Info("Toggled schedule",
		zap.String("id", id),
		zap.Bool("enabled", enabled))
	return nil
}

// Get returns a copy of the schedule with the given id.
func (r *Registry) Get(id string) (*model.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	current, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return current.Clone(), nil
}

// List returns a snapshot of all schedules ordered by id. The snapshot
// is safe to read while the scheduler keeps mutating the registry.
func (r *Registry) List() []*model.Schedule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schedules := make([]*model.Schedule, 0, len(r.items))
	for _, s := range r.items {
		schedules = append(schedules, s.Clone())
	}
	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].ID < schedules[j].ID
	})
	return schedules
}

// Len returns the number of registered schedules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
