package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInterval() *Schedule {
	return &Schedule{
		ID:       "api_check",
		Name:     "API check",
		Enabled:  true,
		URL:      "https://example.com/api",
		Method:   "GET",
		Trigger:  TriggerInterval,
		Interval: 5 * time.Minute,
		Timeout:  30 * time.Second,
	}
}

func TestSchedule_Validate(t *testing.T) {
	require.NoError(t, validInterval().Validate())

	cases := []struct {
		name   string
		mutate func(*Schedule)
	}{
		{"MissingID", func(s *Schedule) { s.ID = "" }},
		{"MissingURL", func(s *Schedule) { s.URL = "" }},
		{"BadURLScheme", func(s *Schedule) { s.URL = "ftp://example.com" }},
		{"UnsupportedMethod", func(s *Schedule) { s.Method = "DELETE" }},
		{"ZeroInterval", func(s *Schedule) { s.Interval = 0 }},
		{"NegativeRetry", func(s *Schedule) { s.RetryCount = -1 }},
		{"UnknownTrigger", func(s *Schedule) { s.Trigger = "hourly" }},
		{"MissingCronExpression", func(s *Schedule) {
			s.Trigger = TriggerCron
			s.CronExpression = ""
		}},
		{"BadCronExpression", func(s *Schedule) {
			s.Trigger = TriggerCron
			s.CronExpression = "not a cron"
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := validInterval()
			tc.mutate(s)
			require.Error(t, s.Validate())
		})
	}

	t.Run("FiveFieldCron", func(t *testing.T) {
		s := validInterval()
		s.Trigger = TriggerCron
		s.CronExpression = "*/5 * * * *"
		require.NoError(t, s.Validate())
	})

	t.Run("SixFieldCron", func(t *testing.T) {
		s := validInterval()
		s.Trigger = TriggerCron
		s.CronExpression = "*/10 * * * * *"
		require.NoError(t, s.Validate())
	})
}

func TestSchedule_NextRun(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 30, 0, time.UTC)

	t.Run("Interval", func(t *testing.T) {
		s := validInterval()
		next, err := s.NextRun(now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(5*time.Minute), next)
	})

	t.Run("CronStrictlyAfter", func(t *testing.T) {
		s := validInterval()
		s.Trigger = TriggerCron
		s.CronExpression = "0 * * * *"
		next, err := s.NextRun(now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC), next)
		assert.True(t, next.After(now))
	})
}

func TestSchedule_Clone(t *testing.T) {
	s := validInterval()
	s.Headers = map[string]string{"Accept": "application/json"}

	c := s.Clone()
	c.Headers["Accept"] = "text/plain"
	c.URL = "https://other.example.com"

	assert.Equal(t, "application/json", s.Headers["Accept"])
	assert.Equal(t, "https://example.com/api", s.URL)
}

func TestScheduleUpdate_Apply(t *testing.T) {
	s := validInterval()
	url := "https://new.example.com"
	retries := 4

	merged := (&ScheduleUpdate{URL: &url, RetryCount: &retries}).Apply(s)

	assert.Equal(t, url, merged.URL)
	assert.Equal(t, 4, merged.RetryCount)
	assert.Equal(t, s.ID, merged.ID)
	// Original untouched.
	assert.Equal(t, "https://example.com/api", s.URL)
	assert.Equal(t, 0, s.RetryCount)
}
