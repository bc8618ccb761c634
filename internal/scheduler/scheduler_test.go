package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	return loc
}

func TestNextRun_Daily(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	tests := []struct {
		name  string
		clock string
		tz    string
		after time.Time
		want  time.Time
	}{
		{
			name:  "later today",
			clock: "21:00", tz: "UTC",
			after: time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC),
			want:  time.Date(2024, 5, 2, 21, 0, 0, 0, time.UTC),
		},
		{
			name:  "already passed",
			clock: "08:00", tz: "UTC",
			after: time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC),
			want:  time.Date(2024, 5, 3, 8, 0, 0, 0, time.UTC),
		},
		{
			name:  "exactly now moves to tomorrow",
			clock: "08:00", tz: "UTC",
			after: time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC),
			want:  time.Date(2024, 5, 3, 8, 0, 0, 0, time.UTC),
		},
		{
			name:  "local day differs from UTC day",
			clock: "08:00", tz: "America/New_York",
			after: time.Date(2024, 5, 3, 2, 0, 0, 0, time.UTC), // 22:00 on May 2 in New York
			want:  time.Date(2024, 5, 3, 8, 0, 0, 0, ny),
		},
		{
			name:  "across spring forward",
			clock: "08:00", tz: "America/New_York",
			after: time.Date(2024, 3, 9, 20, 0, 0, 0, time.UTC),
			want:  time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC), // EDT, UTC-4
		},
		{
			name:  "across fall back",
			clock: "08:00", tz: "America/New_York",
			after: time.Date(2024, 11, 2, 20, 0, 0, 0, time.UTC),
			want:  time.Date(2024, 11, 3, 13, 0, 0, 0, time.UTC), // EST, UTC-5
		},
		{
			name:  "fixed offset",
			clock: "07:30", tz: "+02:00",
			after: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
			want:  time.Date(2024, 5, 2, 5, 30, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := DailyTrigger("primary", "x", tt.clock, tt.tz)
			got, ok := task.NextRun(tt.after)
			if !ok {
				t.Fatal("NextRun returned no time")
			}
			if !got.Equal(tt.want) {
				t.Errorf("NextRun = %v, want %v", got.UTC(), tt.want.UTC())
			}
		})
	}
}

func TestNextRun_EveryAndAt(t *testing.T) {
	base := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	every := &Task{Schedule: Schedule{Kind: ScheduleEvery, Every: &Duration{Duration: 5 * time.Minute}}, CreatedAt: base}
	got, ok := every.NextRun(base.Add(7 * time.Minute))
	if !ok || !got.Equal(base.Add(10*time.Minute)) {
		t.Errorf("every NextRun = %v, %v", got, ok)
	}

	at := base.Add(time.Hour)
	once := &Task{Schedule: Schedule{Kind: ScheduleAt, At: &at}}
	if got, ok := once.NextRun(base); !ok || !got.Equal(at) {
		t.Errorf("at NextRun = %v, %v", got, ok)
	}
	if _, ok := once.NextRun(at.Add(time.Second)); ok {
		t.Error("one-shot in the past still has a next run")
	}
}

func TestPrevRun(t *testing.T) {
	task := DailyTrigger("primary", "x", "08:00", "UTC")
	got, ok := task.PrevRun(time.Date(2024, 5, 2, 7, 0, 0, 0, time.UTC))
	if !ok || !got.Equal(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("PrevRun = %v, %v", got, ok)
	}
	got, _ = task.PrevRun(time.Date(2024, 5, 2, 8, 10, 0, 0, time.UTC))
	if !got.Equal(time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("PrevRun = %v", got)
	}
}

// recordingExec records fired tasks.
type recordingExec struct {
	mu    sync.Mutex
	fired []string
	err   error
}

func (r *recordingExec) execute(_ context.Context, task *Task, _ *Execution) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, task.Payload.Trigger)
	if r.err != nil {
		return "", r.err
	}
	return "sent", nil
}

func (r *recordingExec) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func TestEnsure_CreatesThenUpdates(t *testing.T) {
	store := newTestStore(t)
	rec := &recordingExec{}
	s := New(nil, store, rec.execute)

	first, err := s.Ensure(DailyTrigger("primary", "morning_checkin", "08:00", "UTC"))
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	same, err := s.Ensure(DailyTrigger("primary", "morning_checkin", "08:00", "UTC"))
	if err != nil {
		t.Fatal(err)
	}
	if same.ID != first.ID || !same.UpdatedAt.Equal(first.UpdatedAt) {
		t.Errorf("unchanged Ensure rewrote the task")
	}

	moved, err := s.Ensure(DailyTrigger("primary", "morning_checkin", "07:15", "Europe/Berlin"))
	if err != nil {
		t.Fatal(err)
	}
	if moved.ID != first.ID {
		t.Errorf("Ensure created a second task")
	}
	stored, _ := store.GetTaskByName("morning_checkin")
	if stored.Schedule.Daily != "07:15" || stored.Schedule.Timezone != "Europe/Berlin" {
		t.Errorf("stored schedule = %+v", stored.Schedule)
	}

	tasks, _ := s.ListTasks(false)
	if len(tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(tasks))
	}

	if _, err := s.Ensure(DailyTrigger("primary", "daily_recap", "9pm", "UTC")); err == nil {
		t.Error("Ensure accepted an invalid clock")
	}
}

func TestTriggerTask_RecordsExecution(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus ExecutionStatus
		wantResult string
	}{
		{"success", nil, StatusCompleted, "sent"},
		{"failure", errors.New("gateway down"), StatusFailed, "gateway down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			rec := &recordingExec{err: tt.err}
			s := New(nil, store, rec.execute)
			task, err := s.Ensure(DailyTrigger("primary", "daily_recap", "21:00", "UTC"))
			if err != nil {
				t.Fatal(err)
			}

			exec, err := s.TriggerTask(context.Background(), task.ID)
			if !errors.Is(err, tt.err) {
				t.Fatalf("TriggerTask error = %v, want %v", err, tt.err)
			}
			if exec.Status != tt.wantStatus || exec.Result != tt.wantResult {
				t.Errorf("execution = %+v", exec)
			}

			history, _ := s.TaskExecutions(task.ID, 5)
			if len(history) != 1 || history[0].Status != tt.wantStatus {
				t.Errorf("history = %+v", history)
			}
		})
	}
}

func TestStart_CatchesUpRecentMiss(t *testing.T) {
	now := time.Date(2024, 5, 2, 8, 10, 0, 0, time.UTC)
	tests := []struct {
		name      string
		clock     string
		lastRanAt *time.Time
		want      int
	}{
		{"missed ten minutes ago", "08:00", nil, 1},
		{"missed too long ago", "07:00", nil, 0},
		{"already ran", "08:00", ptr(time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)), 0},
		{"ran yesterday only", "08:00", ptr(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			task := DailyTrigger("primary", "morning_checkin", tt.clock, "UTC")
			task.CreatedAt = now.AddDate(0, 0, -7)
			if err := store.CreateTask(task); err != nil {
				t.Fatal(err)
			}
			if tt.lastRanAt != nil {
				done := tt.lastRanAt.Add(time.Second)
				if err := store.CreateExecution(&Execution{
					TaskID: task.ID, ScheduledAt: *tt.lastRanAt, StartedAt: tt.lastRanAt,
					CompletedAt: &done, Status: StatusCompleted,
				}); err != nil {
					t.Fatal(err)
				}
			}

			rec := &recordingExec{}
			s := New(nil, store, rec.execute)
			s.now = func() time.Time { return now }
			if err := s.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
			s.Stop()

			if got := rec.count(); got != tt.want {
				t.Errorf("fired %d times, want %d", got, tt.want)
			}
		})
	}
}

func TestStart_FiresDueTimer(t *testing.T) {
	store := newTestStore(t)
	rec := &recordingExec{}
	s := New(nil, store, rec.execute)
	s.CatchUpWindow = 0

	at := time.Now().Add(20 * time.Millisecond)
	if _, err := s.Ensure(&Task{
		Name:     "once",
		Schedule: Schedule{Kind: ScheduleAt, At: &at},
		Payload:  Payload{Kind: PayloadTrigger, UserID: "primary", Trigger: "daily_recap"},
		Enabled:  true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rec.count() != 1 {
		t.Fatalf("fired %d times, want 1", rec.count())
	}
}

func ptr[T any](v T) *T { return &v }
