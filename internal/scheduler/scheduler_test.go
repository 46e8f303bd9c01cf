package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/webtimer/internal/detector"
	"github.com/t77yq/webtimer/internal/executor"
	"github.com/t77yq/webtimer/internal/model"
	"github.com/t77yq/webtimer/internal/registry"
	"github.com/t77yq/webtimer/internal/storage"
)

// eventRecorder captures dispatched events in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []*model.NotificationEvent
}

func (r *eventRecorder) Dispatch(event *model.NotificationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) snapshot() []*model.NotificationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*model.NotificationEvent(nil), r.events...)
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestScheduler(t *testing.T, recorder *eventRecorder) (*Scheduler, storage.HistoryStore) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	history, err := storage.NewSQLiteHistory(logger, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	httpExecutor := executor.NewHTTPExecutor(logger, executor.Config{})
	runner := executor.NewRetryRunner(logger, httpExecutor)

	s := New(logger, registry.New(logger), runner, detector.New(0), history, recorder,
		Options{Tick: 10 * time.Millisecond})
	return s, history
}

func intervalSchedule(id, url string, interval time.Duration) *model.Schedule {
	return &model.Schedule{
		ID:       id,
		Name:     "Schedule " + id,
		Enabled:  true,
		URL:      url,
		Method:   "GET",
		Trigger:  model.TriggerInterval,
		Interval: interval,
		Timeout:  time.Second,
	}
}

func TestScheduler_IntervalFiring(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	recorder := &eventRecorder{}
	s, history := newTestScheduler(t, recorder)
	require.NoError(t, s.AddSchedule(intervalSchedule("api_check", server.URL, 100*time.Millisecond)))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return hits.Load() >= 3 },
		2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())

	fired := int(hits.Load())

	records, err := history.List(context.Background(), model.HistoryFilter{ScheduleID: "api_check"})
	require.NoError(t, err)
	assert.Len(t, records, fired)

	// Successive firings stay roughly one period apart; the schedule
	// does not drift toward back-to-back executions.
	require.GreaterOrEqual(t, len(records), 3)
	for i := 0; i < len(records)-1; i++ {
		gap := records[i].Timestamp.Sub(records[i+1].Timestamp)
		assert.Greater(t, gap, 50*time.Millisecond)
		assert.Less(t, gap, 250*time.Millisecond)
	}
}

func TestScheduler_NoOverlap(t *testing.T) {
	var concurrent, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := concurrent.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(250 * time.Millisecond)
		concurrent.Add(-1)
		w.Write([]byte("slow"))
	}))
	defer server.Close()

	recorder := &eventRecorder{}
	s, _ := newTestScheduler(t, recorder)
	require.NoError(t, s.AddSchedule(intervalSchedule("slow_job", server.URL, 50*time.Millisecond)))

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(600 * time.Millisecond)
	require.NoError(t, s.Stop())

	assert.Equal(t, int32(1), peak.Load(), "no two executions of one schedule may overlap")

	status := s.Status()
	require.Len(t, status.Jobs, 1)
	assert.Greater(t, status.Jobs[0].OverlapDrops, 0, "due events during a slow firing are dropped")
}

func TestScheduler_ClassificationSequence(t *testing.T) {
	responses := []struct {
		code int
		body string
	}{
		{200, `{"version":"1"}`},
		{200, `{"version":"1"}`},
		{200, `{"version":"2"}`},
		{500, `boom`},
		{200, `{"version":"2"}`},
	}
	var call atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(call.Add(1)) - 1
		if i >= len(responses) {
			i = len(responses) - 1
		}
		w.WriteHeader(responses[i].code)
		w.Write([]byte(responses[i].body))
	}))
	defer server.Close()

	recorder := &eventRecorder{}
	s, _ := newTestScheduler(t, recorder)
	require.NoError(t, s.AddSchedule(intervalSchedule("seq", server.URL, 60*time.Millisecond)))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return recorder.count() >= 5 },
		3*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())

	events := recorder.snapshot()
	require.GreaterOrEqual(t, len(events), 5)

	assert.Equal(t, model.NotificationFirstSuccess, events[0].Type)
	assert.Equal(t, model.NotificationSuccessNoChange, events[1].Type)
	assert.Equal(t, model.NotificationResponseChanged, events[2].Type)
	assert.Equal(t, model.NotificationFailure, events[3].Type)
	assert.Equal(t, model.NotificationRecovery, events[4].Type)

	// first_success reports a change with no previous hash.
	require.NotNil(t, events[0].Change)
	assert.True(t, events[0].Change.Changed)
	assert.Empty(t, events[0].Change.PreviousHash)

	// response_changed carries both hashes.
	require.NotNil(t, events[2].Change)
	assert.True(t, events[2].Change.Changed)
	assert.NotEmpty(t, events[2].Change.PreviousHash)
	assert.NotEqual(t, events[2].Change.PreviousHash, events[2].Change.CurrentHash)

	// The failed firing carries no change data.
	assert.Nil(t, events[3].Change)
}

func TestScheduler_RetrySequencePersisted(t *testing.T) {
	var call atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if call.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	recorder := &eventRecorder{}
	s, history := newTestScheduler(t, recorder)

	schedule := intervalSchedule("api_check", server.URL, 100*time.Millisecond)
	schedule.RetryCount = 2
	schedule.RetryDelay = 10 * time.Millisecond
	require.NoError(t, s.AddSchedule(schedule))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return recorder.count() >= 1 },
		2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())

	// One firing produced three attempt records: two failures, then the success.
	records, err := history.List(context.Background(), model.HistoryFilter{ScheduleID: "api_check", Limit: 3})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.True(t, records[0].Success)
	assert.Equal(t, 3, records[0].Attempt)
	assert.False(t, records[1].Success)
	assert.False(t, records[2].Success)
	assert.Equal(t, records[0].RequestID, records[1].RequestID)
	assert.Equal(t, records[0].RequestID, records[2].RequestID)

	events := recorder.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, model.NotificationFirstSuccess, events[0].Type)
	assert.Equal(t, 3, events[0].Result.Attempt)
}

func TestScheduler_DuplicateFailureSuppressed(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	recorder := &eventRecorder{}
	s, _ := newTestScheduler(t, recorder)
	require.NoError(t, s.AddSchedule(intervalSchedule("failing", server.URL, 50*time.Millisecond)))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return hits.Load() >= 4 },
		2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())

	// Every firing fails identically but only the first one notifies.
	events := recorder.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, model.NotificationFailure, events[0].Type)
}

func TestScheduler_StopDrainsInFlight(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started.Store(true)
		<-release
		w.Write([]byte("done"))
	}))
	defer server.Close()

	recorder := &eventRecorder{}
	s, history := newTestScheduler(t, recorder)
	require.NoError(t, s.AddSchedule(intervalSchedule("slow_job", server.URL, 50*time.Millisecond)))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return started.Load() },
		2*time.Second, 5*time.Millisecond)

	stopDone := make(chan struct{})
	go func() {
		s.Stop()
		close(stopDone)
	}()

	// Stop must wait for the in-flight attempt.
	select {
	case <-stopDone:
		t.Fatal("Stop returned while an attempt was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the attempt completed")
	}

	// The drained firing's history write completed before Stop returned.
	records, err := history.List(context.Background(), model.HistoryFilter{ScheduleID: "slow_job"})
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.True(t, records[0].Success)
}

func TestScheduler_DisableSuppressesFiring(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	recorder := &eventRecorder{}
	s, _ := newTestScheduler(t, recorder)
	require.NoError(t, s.AddSchedule(intervalSchedule("toggle", server.URL, 50*time.Millisecond)))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return hits.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.SetEnabled("toggle", false))
	settled := hits.Load()
	time.Sleep(200 * time.Millisecond)
	assert.LessOrEqual(t, hits.Load(), settled+1, "a disabled schedule must stop firing")

	require.NoError(t, s.SetEnabled("toggle", true))
	require.Eventually(t, func() bool { return hits.Load() > settled+1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
}

func TestScheduler_ControlSurface(t *testing.T) {
	recorder := &eventRecorder{}
	s, _ := newTestScheduler(t, recorder)

	t.Run("StatusBeforeStart", func(t *testing.T) {
		status := s.Status()
		assert.False(t, status.Running)
		assert.Zero(t, status.JobCount)
	})

	require.NoError(t, s.AddSchedule(intervalSchedule("a", "https://example.com", time.Hour)))
	require.NoError(t, s.AddSchedule(intervalSchedule("b", "https://example.com", time.Hour)))

	t.Run("DuplicateAdd", func(t *testing.T) {
		err := s.AddSchedule(intervalSchedule("a", "https://example.com", time.Hour))
		require.ErrorIs(t, err, registry.ErrDuplicateSchedule)
	})

	t.Run("StartStop", func(t *testing.T) {
		require.NoError(t, s.Start(context.Background()))
		require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)

		status := s.Status()
		assert.True(t, status.Running)
		assert.Equal(t, 2, status.JobCount)
		require.Len(t, status.Jobs, 2)
		assert.NotNil(t, status.Jobs[0].NextDue, "enabled schedules expose a next due time")

		require.NoError(t, s.Stop())
		require.ErrorIs(t, s.Stop(), ErrNotRunning)
	})

	t.Run("RemoveDestroysState", func(t *testing.T) {
		require.NoError(t, s.RemoveSchedule("b"))
		require.ErrorIs(t, s.RemoveSchedule("b"), registry.ErrScheduleNotFound)
		assert.Equal(t, 1, s.Status().JobCount)
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		name := "x"
		err := s.UpdateSchedule("missing", &model.ScheduleUpdate{Name: &name})
		require.ErrorIs(t, err, registry.ErrScheduleNotFound)
	})
}
