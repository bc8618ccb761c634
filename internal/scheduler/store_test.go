package scheduler

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestGetTaskByName_NotFound(t *testing.T) {
	s := newTestStore(t)

	task, err := s.GetTaskByName("nonexistent")
	if err != nil {
		t.Fatalf("GetTaskByName error: %v", err)
	}
	if task != nil {
		t.Errorf("expected nil task, got %+v", task)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)

	want := DailyTrigger("primary", "morning_checkin", "08:00", "Europe/Berlin")
	if err := s.CreateTask(want); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := s.GetTaskByName("morning_checkin")
	if err != nil {
		t.Fatalf("GetTaskByName error: %v", err)
	}
	if got == nil {
		t.Fatal("expected task, got nil")
	}
	if got.ID != want.ID {
		t.Errorf("ID = %q, want %q", got.ID, want.ID)
	}
	if got.Schedule.Kind != ScheduleDaily || got.Schedule.Daily != "08:00" || got.Schedule.Timezone != "Europe/Berlin" {
		t.Errorf("Schedule = %+v", got.Schedule)
	}
	if got.Payload != want.Payload {
		t.Errorf("Payload = %+v, want %+v", got.Payload, want.Payload)
	}
	if !got.Enabled {
		t.Error("expected Enabled = true")
	}
}

func TestCreateTask_RejectsInvalidSchedule(t *testing.T) {
	s := newTestStore(t)
	tests := []struct {
		name     string
		schedule Schedule
	}{
		{"bad clock", Schedule{Kind: ScheduleDaily, Daily: "25:00", Timezone: "UTC"}},
		{"bad zone", Schedule{Kind: ScheduleDaily, Daily: "08:00", Timezone: "Mars/Olympus"}},
		{"zero interval", Schedule{Kind: ScheduleEvery, Every: &Duration{}}},
		{"missing at", Schedule{Kind: ScheduleAt}},
		{"unknown kind", Schedule{Kind: "cron"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.CreateTask(&Task{Name: tt.name, Schedule: tt.schedule}); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestListTasks_EnabledFilter(t *testing.T) {
	s := newTestStore(t)

	on := DailyTrigger("primary", "daily_recap", "21:00", "UTC")
	off := DailyTrigger("primary", "morning_checkin", "08:00", "UTC")
	off.Enabled = false
	for _, task := range []*Task{on, off} {
		if err := s.CreateTask(task); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListTasks(false)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListTasks(false) = %d, %v", len(all), err)
	}
	if all[0].Name != "daily_recap" {
		t.Errorf("first task = %q, want ordering by name", all[0].Name)
	}
	enabled, err := s.ListTasks(true)
	if err != nil || len(enabled) != 1 || enabled[0].Name != "daily_recap" {
		t.Errorf("ListTasks(true) = %+v, %v", enabled, err)
	}
}

func TestExecutions(t *testing.T) {
	s := newTestStore(t)
	task := DailyTrigger("primary", "daily_recap", "21:00", "UTC")
	if err := s.CreateTask(task); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2024, 5, 2, 21, 0, 0, 0, time.UTC)
	for i := range 3 {
		started := base.AddDate(0, 0, i)
		e := &Execution{TaskID: task.ID, ScheduledAt: started, StartedAt: &started, Status: StatusRunning}
		if err := s.CreateExecution(e); err != nil {
			t.Fatal(err)
		}
		if i < 2 {
			done := started.Add(3 * time.Second)
			e.CompletedAt = &done
			e.Status = StatusCompleted
			e.Result = "sent"
			if err := s.UpdateExecution(e); err != nil {
				t.Fatal(err)
			}
		}
	}

	last, err := s.LastExecution(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !last.ScheduledAt.Equal(base.AddDate(0, 0, 2)) || last.Status != StatusRunning {
		t.Errorf("LastExecution = %+v", last)
	}

	n, err := s.FailInterrupted()
	if err != nil || n != 1 {
		t.Fatalf("FailInterrupted = %d, %v", n, err)
	}
	got, err := s.LastExecution(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != last.ID || got.Status != StatusFailed || got.CompletedAt == nil {
		t.Errorf("interrupted execution = %+v", got)
	}

	execs, err := s.ListExecutions(task.ID, 10)
	if err != nil || len(execs) != 3 {
		t.Fatalf("ListExecutions = %d, %v", len(execs), err)
	}
	if execs[2].Result != "sent" || execs[2].CompletedAt == nil {
		t.Errorf("oldest execution = %+v", execs[2])
	}

	if err := s.DeleteTask(task.ID); err != nil {
		t.Fatal(err)
	}
	execs, _ = s.ListExecutions(task.ID, 10)
	if len(execs) != 0 {
		t.Errorf("executions survived task deletion: %d", len(execs))
	}
}

func TestLastExecution_None(t *testing.T) {
	s := newTestStore(t)
	last, err := s.LastExecution("missing")
	if err != nil || last != nil {
		t.Errorf("LastExecution = %+v, %v", last, err)
	}
}
