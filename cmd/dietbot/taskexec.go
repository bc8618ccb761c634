package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/dietbot/internal/agent"
	"github.com/nugget/dietbot/internal/ledger"
	"github.com/nugget/dietbot/internal/scheduler"
)

// turnRunner submits a turn and waits for it. *agent.Dispatcher
// implements it.
type turnRunner interface {
	Run(ctx context.Context, ev agent.Event) (*agent.TurnResult, error)
}

// taskExecDeps holds what the scheduled task executor needs.
type taskExecDeps struct {
	runner turnRunner
	userID string // used when the payload names no user
	logger *slog.Logger
}

// runScheduledTask turns a fired trigger task into a conversation turn.
// Unsupported payload kinds are logged and ignored. The returned string
// is the turn status, kept as the execution result.
func runScheduledTask(ctx context.Context, task *scheduler.Task, exec *scheduler.Execution, deps taskExecDeps) (string, error) {
	deps.logger.Debug("task executing",
		"task_id", task.ID,
		"task_name", task.Name,
		"execution_id", exec.ID,
		"payload_kind", task.Payload.Kind,
	)

	if task.Payload.Kind != scheduler.PayloadTrigger {
		deps.logger.Warn("unsupported task payload kind", "kind", task.Payload.Kind)
		return "", nil
	}

	trig, err := agent.ParseTrigger(task.Payload.Trigger)
	if err != nil {
		return "", err
	}
	if !trig.Scheduled() {
		return "", fmt.Errorf("trigger %q cannot be scheduled", trig)
	}

	userID := task.Payload.UserID
	if userID == "" {
		userID = deps.userID
	}

	res, err := deps.runner.Run(ctx, agent.Event{UserID: userID, Trigger: trig})
	if err != nil {
		return "", fmt.Errorf("run %s: %w", trig, err)
	}
	if res.Status == agent.StatusFailed {
		return res.Status, fmt.Errorf("turn %s: outbound message failed", res.TurnID)
	}
	return res.Status, nil
}

// taskEnsurer is the slice of *scheduler.Scheduler used to sync tasks.
type taskEnsurer interface {
	Ensure(want *scheduler.Task) (*scheduler.Task, error)
}

// ensureProfileTasks creates or moves the morning check-in and daily
// recap tasks to the profile's schedule. An unparseable timezone falls
// back to UTC.
func ensureProfileTasks(s taskEnsurer, p *ledger.Profile, logger *slog.Logger) {
	tz := p.Timezone
	if _, err := ledger.ParseTimezone(tz); err != nil {
		logger.Warn("profile timezone invalid, scheduling in UTC", "timezone", tz, "error", err)
		tz = "UTC"
	}

	for trig, clock := range map[agent.Trigger]string{
		agent.TriggerMorningCheckin: p.Schedule.MorningCheckin,
		agent.TriggerDailyRecap:     p.Schedule.DailyRecap,
	} {
		if _, err := s.Ensure(scheduler.DailyTrigger(p.UserID, string(trig), clock, tz)); err != nil {
			logger.Error("failed to schedule trigger", "trigger", string(trig), "clock", clock, "error", err)
		}
	}
}
