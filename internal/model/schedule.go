package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerKind selects how a schedule's due times are computed.
type TriggerKind string

const (
	TriggerInterval TriggerKind = "interval"
	TriggerCron     TriggerKind = "cron"
)

// CronParser accepts standard 5-field expressions plus an optional
// leading seconds field.
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule defines one independently timed HTTP job. A schedule is
// immutable during a single firing; the registry hands out copies so a
// definition updated mid-execution only takes effect on the next firing.
type Schedule struct {
	ID      string            `json:"id" mapstructure:"id"`
	Name    string            `json:"name" mapstructure:"name"`
	Enabled bool              `json:"enabled" mapstructure:"enabled"`
	URL     string            `json:"url" mapstructure:"url"`
	Method  string            `json:"method" mapstructure:"method"`
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	Body    string            `json:"body,omitempty" mapstructure:"body"`

	Trigger        TriggerKind   `json:"trigger" mapstructure:"trigger"`
	Interval       time.Duration `json:"interval,omitempty" mapstructure:"interval"`
	CronExpression string        `json:"cron_expression,omitempty" mapstructure:"cron_expression"`

	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	RetryCount int           `json:"retry_count" mapstructure:"retry_count"`
	RetryDelay time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
}

// Validate checks the schedule definition. Invalid definitions are
// rejected at registry-mutation time and never reach the scheduler.
func (s *Schedule) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("schedule id is required")
	}
	if s.URL == "" {
		return fmt.Errorf("schedule %s: url is required", s.ID)
	}
	if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
		return fmt.Errorf("schedule %s: invalid url %q", s.ID, s.URL)
	}
	switch strings.ToUpper(s.Method) {
	case "GET", "POST":
	default:
		return fmt.Errorf("schedule %s: unsupported method %q", s.ID, s.Method)
	}
	switch s.Trigger {
	case TriggerInterval:
		if s.Interval <= 0 {
			return fmt.Errorf("schedule %s: interval must be positive", s.ID)
		}
	case TriggerCron:
		if s.CronExpression == "" {
			return fmt.Errorf("schedule %s: cron expression is required", s.ID)
		}
		if _, err := CronParser.Parse(s.CronExpression); err != nil {
			return fmt.Errorf("schedule %s: invalid cron expression: %w", s.ID, err)
		}
	default:
		return fmt.Errorf("schedule %s: unsupported trigger %q", s.ID, s.Trigger)
	}
	if s.RetryCount < 0 {
		return fmt.Errorf("schedule %s: retry count must not be negative", s.ID)
	}
	return nil
}

// NextRun returns the earliest due time strictly after the given time.
func (s *Schedule) NextRun(after time.Time) (time.Time, error) {
	switch s.Trigger {
	case TriggerInterval:
		return after.Add(s.Interval), nil
	case TriggerCron:
		spec, err := CronParser.Parse(s.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		return spec.Next(after), nil
	}
	return time.Time{}, fmt.Errorf("unsupported trigger %q", s.Trigger)
}

// Clone returns a deep copy of the schedule.
func (s *Schedule) Clone() *Schedule {
	c := *s
	if s.Headers != nil {
		c.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}

// ScheduleUpdate describes a partial update applied to an existing
// schedule. Nil fields are left untouched.
type ScheduleUpdate struct {
	Name           *string            `json:"name,omitempty"`
	URL            *string            `json:"url,omitempty"`
	Method         *string            `json:"method,omitempty"`
	Headers        *map[string]string `json:"headers,omitempty"`
	Body           *string            `json:"body,omitempty"`
	Trigger        *TriggerKind       `json:"trigger,omitempty"`
	Interval       *time.Duration     `json:"interval,omitempty"`
	CronExpression *string            `json:"cron_expression,omitempty"`
	Timeout        *time.Duration     `json:"timeout,omitempty"`
	RetryCount     *int               `json:"retry_count,omitempty"`
	RetryDelay     *time.Duration     `json:"retry_delay,omitempty"`
}

// Apply merges the update into a copy of the schedule and returns it.
func (u *ScheduleUpdate) Apply(s *Schedule) *Schedule {
	c := s.Clone()
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.URL != nil {
		c.URL = *u.URL
	}
	if u.Method != nil {
		c.Method = *u.Method
	}
	if u.Headers != nil {
		c.Headers = *u.Headers
	}
	if u.Body != nil {
		c.Body = *u.Body
	}
	if u.Trigger != nil {
		c.Trigger = *u.Trigger
	}
	if u.Interval != nil {
		c.Interval = *u.Interval
	}
	if u.CronExpression != nil {
		c.CronExpression = *u.CronExpression
	}
	if u.Timeout != nil {
		c.Timeout = *u.Timeout
	}
	if u.RetryCount != nil {
		c.RetryCount = *u.RetryCount
	}
	if u.RetryDelay != nil {
		c.RetryDelay = *u.RetryDelay
	}
	return c
}
