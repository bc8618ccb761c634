// Package scheduler fires the automated conversations: daily triggers
// at a local wall-clock time, interval triggers, and one-shots. Tasks
// and their executions persist in SQLite.
package scheduler

import (
	"fmt"
	"time"

	"github.com/nugget/dietbot/internal/ledger"
)

// Task is the definition of a scheduled action.
type Task struct {
	ID        string    `json:"id"`       // UUIDv7
	Name      string    `json:"name"`     // Unique label, e.g. "morning_checkin"
	Schedule  Schedule  `json:"schedule"` // When to run
	Payload   Payload   `json:"payload"`  // What to do
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Schedule defines when a task should run.
type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	At       *time.Time   `json:"at,omitempty"`       // For "at" kind
	Every    *Duration    `json:"every,omitempty"`    // For "every" kind
	Daily    string       `json:"daily,omitempty"`    // For "daily" kind, HH:MM
	Timezone string       `json:"timezone,omitempty"` // IANA name or UTC offset
}

// ScheduleKind identifies the schedule type.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"    // One-shot at specific time
	ScheduleEvery ScheduleKind = "every" // Recurring interval
	ScheduleDaily ScheduleKind = "daily" // Local wall-clock time every day
)

// Duration wraps time.Duration for JSON serialization.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Payload defines what a task does when it fires.
type Payload struct {
	Kind    PayloadKind `json:"kind"`
	UserID  string      `json:"user_id"`
	Trigger string      `json:"trigger"` // morning_checkin or daily_recap
}

// PayloadKind identifies the payload type.
type PayloadKind string

// PayloadTrigger starts a conversation turn for UserID.
const PayloadTrigger PayloadKind = "trigger"

// Execution represents a single run of a task.
type Execution struct {
	ID          string          `json:"id"`           // UUIDv7
	TaskID      string          `json:"task_id"`      // FK to Task
	ScheduledAt time.Time       `json:"scheduled_at"` // When it was supposed to run
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"` // Outcome or error
}

// ExecutionStatus indicates the state of an execution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// DailyTrigger builds the task that fires trigger for userID every day
// at clock ("HH:MM") in timezone.
func DailyTrigger(userID, trigger, clock, timezone string) *Task {
	return &Task{
		Name: trigger,
		Schedule: Schedule{
			Kind:     ScheduleDaily,
			Daily:    clock,
			Timezone: timezone,
		},
		Payload: Payload{
			Kind:    PayloadTrigger,
			UserID:  userID,
			Trigger: trigger,
		},
		Enabled:   true,
		CreatedBy: "profile",
	}
}

// Validate rejects schedules NextRun cannot evaluate.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleAt:
		if s.At == nil {
			return fmt.Errorf("schedule %q needs a time", s.Kind)
		}
	case ScheduleEvery:
		if s.Every == nil || s.Every.Duration <= 0 {
			return fmt.Errorf("schedule %q needs a positive interval", s.Kind)
		}
	case ScheduleDaily:
		if _, _, err := ledger.ParseClock(s.Daily); err != nil {
			return err
		}
		if _, err := ledger.ParseTimezone(s.Timezone); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// NextRun calculates the next execution time for a task strictly after
// the given instant.
func (t *Task) NextRun(after time.Time) (time.Time, bool) {
	switch t.Schedule.Kind {
	case ScheduleAt:
		if t.Schedule.At != nil && t.Schedule.At.After(after) {
			return *t.Schedule.At, true
		}
		return time.Time{}, false // One-shot already passed

	case ScheduleEvery:
		if t.Schedule.Every == nil || t.Schedule.Every.Duration <= 0 {
			return time.Time{}, false
		}
		interval := t.Schedule.Every.Duration
		base := t.CreatedAt
		if base.IsZero() {
			base = after
		}
		elapsed := after.Sub(base)
		if elapsed < 0 {
			return base, true
		}
		intervals := int64(elapsed/interval) + 1
		return base.Add(time.Duration(intervals) * interval), true

	case ScheduleDaily:
		return t.nextDaily(after)

	default:
		return time.Time{}, false
	}
}

// PrevRun returns the most recent daily fire time at or before the given
// instant. Only daily schedules have one.
func (t *Task) PrevRun(before time.Time) (time.Time, bool) {
	if t.Schedule.Kind != ScheduleDaily {
		return time.Time{}, false
	}
	hour, minute, loc, ok := t.dailyClock()
	if !ok {
		return time.Time{}, false
	}
	local := before.In(loc)
	y, m, d := local.Date()
	prev := time.Date(y, m, d, hour, minute, 0, 0, loc)
	if prev.After(before) {
		prev = time.Date(y, m, d-1, hour, minute, 0, 0, loc)
	}
	return prev, true
}

// nextDaily resolves HH:MM on the calendar day of after in the task's
// location, moving to the following day when that instant has passed.
// time.Date normalizes wall times that fall in a DST gap.
func (t *Task) nextDaily(after time.Time) (time.Time, bool) {
	hour, minute, loc, ok := t.dailyClock()
	if !ok {
		return time.Time{}, false
	}
	local := after.In(loc)
	y, m, d := local.Date()
	next := time.Date(y, m, d, hour, minute, 0, 0, loc)
	if !next.After(after) {
		next = time.Date(y, m, d+1, hour, minute, 0, 0, loc)
	}
	return next, true
}

func (t *Task) dailyClock() (hour, minute int, loc *time.Location, ok bool) {
	hour, minute, err := ledger.ParseClock(t.Schedule.Daily)
	if err != nil {
		return 0, 0, nil, false
	}
	loc, err = ledger.ParseTimezone(t.Schedule.Timezone)
	if err != nil {
		return 0, 0, nil, false
	}
	return hour, minute, loc, true
}
