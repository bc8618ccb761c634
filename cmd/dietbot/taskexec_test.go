package main

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"testing"

	"github.com/nugget/dietbot/internal/agent"
	"github.com/nugget/dietbot/internal/ledger"
	"github.com/nugget/dietbot/internal/scheduler"
)

// mockRunner records the submitted event and returns a canned result.
type mockRunner struct {
	ev     *agent.Event
	result *agent.TurnResult
	err    error
}

func (m *mockRunner) Run(_ context.Context, ev agent.Event) (*agent.TurnResult, error) {
	m.ev = &ev
	return m.result, m.err
}

func TestRunScheduledTask(t *testing.T) {
	tests := []struct {
		name       string
		payload    scheduler.Payload
		result     *agent.TurnResult
		runErr     error
		wantResult string
		wantErr    bool
		wantUser   string // empty means the runner must not be called
	}{
		{
			name:       "morning check-in sent",
			payload:    scheduler.Payload{Kind: scheduler.PayloadTrigger, UserID: "primary", Trigger: "morning_checkin"},
			result:     &agent.TurnResult{Status: agent.StatusSent},
			wantResult: "sent",
			wantUser:   "primary",
		},
		{
			name:       "recap stays silent",
			payload:    scheduler.Payload{Kind: scheduler.PayloadTrigger, UserID: "primary", Trigger: "daily_recap"},
			result:     &agent.TurnResult{Status: agent.StatusSilent},
			wantResult: "silent",
			wantUser:   "primary",
		},
		{
			name:       "payload without user uses the default",
			payload:    scheduler.Payload{Kind: scheduler.PayloadTrigger, Trigger: "daily_recap"},
			result:     &agent.TurnResult{Status: agent.StatusSent},
			wantResult: "sent",
			wantUser:   "default-user",
		},
		{
			name:       "send failure is an error",
			payload:    scheduler.Payload{Kind: scheduler.PayloadTrigger, UserID: "primary", Trigger: "daily_recap"},
			result:     &agent.TurnResult{TurnID: "t1", Status: agent.StatusFailed},
			wantResult: "failed",
			wantErr:    true,
			wantUser:   "primary",
		},
		{
			name:     "runner error",
			payload:  scheduler.Payload{Kind: scheduler.PayloadTrigger, UserID: "primary", Trigger: "morning_checkin"},
			runErr:   errors.New("load profile: not found"),
			wantErr:  true,
			wantUser: "primary",
		},
		{
			name:    "user_message cannot be scheduled",
			payload: scheduler.Payload{Kind: scheduler.PayloadTrigger, UserID: "primary", Trigger: "user_message"},
			wantErr: true,
		},
		{
			name:    "unknown trigger",
			payload: scheduler.Payload{Kind: scheduler.PayloadTrigger, UserID: "primary", Trigger: "lunch_nudge"},
			wantErr: true,
		},
		{
			name:    "unsupported payload kind is ignored",
			payload: scheduler.Payload{Kind: "wake", UserID: "primary", Trigger: "daily_recap"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockRunner{result: tt.result, err: tt.runErr}
			deps := taskExecDeps{runner: runner, userID: "default-user", logger: slog.Default()}
			task := &scheduler.Task{ID: "task-1", Name: tt.payload.Trigger, Payload: tt.payload}

			got, err := runScheduledTask(context.Background(), task, &scheduler.Execution{ID: "exec-1"}, deps)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.wantResult {
				t.Errorf("result = %q, want %q", got, tt.wantResult)
			}

			if tt.wantUser == "" {
				if runner.ev != nil {
					t.Errorf("runner called with %+v", runner.ev)
				}
				return
			}
			if runner.ev == nil {
				t.Fatal("runner was not called")
			}
			if runner.ev.UserID != tt.wantUser {
				t.Errorf("UserID = %q, want %q", runner.ev.UserID, tt.wantUser)
			}
			if string(runner.ev.Trigger) != tt.payload.Trigger {
				t.Errorf("Trigger = %q, want %q", runner.ev.Trigger, tt.payload.Trigger)
			}
		})
	}
}

// recordingEnsurer collects the tasks passed to Ensure.
type recordingEnsurer struct {
	tasks []*scheduler.Task
}

func (r *recordingEnsurer) Ensure(want *scheduler.Task) (*scheduler.Task, error) {
	if err := want.Schedule.Validate(); err != nil {
		return nil, err
	}
	r.tasks = append(r.tasks, want)
	return want, nil
}

func TestEnsureProfileTasks(t *testing.T) {
	tests := []struct {
		name     string
		timezone string
		wantTZ   string
	}{
		{"iana zone", "Europe/Berlin", "Europe/Berlin"},
		{"fixed offset", "+05:30", "+05:30"},
		{"invalid zone falls back to UTC", "Mars/Olympus", "UTC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingEnsurer{}
			p := &ledger.Profile{
				UserID:   "primary",
				Timezone: tt.timezone,
				Schedule: ledger.Schedule{MorningCheckin: "07:30", DailyRecap: "21:15"},
			}
			ensureProfileTasks(rec, p, slog.Default())

			if len(rec.tasks) != 2 {
				t.Fatalf("ensured %d tasks, want 2", len(rec.tasks))
			}
			sort.Slice(rec.tasks, func(i, j int) bool { return rec.tasks[i].Name < rec.tasks[j].Name })

			want := []struct{ name, clock string }{
				{"daily_recap", "21:15"},
				{"morning_checkin", "07:30"},
			}
			for i, w := range want {
				got := rec.tasks[i]
				if got.Name != w.name || got.Schedule.Daily != w.clock || got.Schedule.Timezone != tt.wantTZ {
					t.Errorf("task %d = %s %s %s, want %s %s %s", i,
						got.Name, got.Schedule.Daily, got.Schedule.Timezone, w.name, w.clock, tt.wantTZ)
				}
				if got.Payload.UserID != "primary" || got.Payload.Trigger != w.name {
					t.Errorf("task %d payload = %+v", i, got.Payload)
				}
			}
		})
	}
}
