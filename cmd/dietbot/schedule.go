package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/nugget/dietbot/internal/agent"
	"github.com/nugget/dietbot/internal/scheduler"
)

// recentExecutions is how many runs "schedule list" reports per task.
const recentExecutions = 5

// runSchedule inspects and drives the in-process scheduler's tasks.
func runSchedule(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}

	switch sub {
	case "list":
		store, closeDB, err := openScheduleStore(configPath)
		if err != nil {
			return err
		}
		defer closeDB()
		sched := scheduler.New(nil, store, nil)
		tasks, err := sched.ListTasks(false)
		if err != nil {
			return err
		}
		return printTasks(stdout, sched, tasks, time.Now(), outputFmt)

	case "history":
		if len(args) < 2 {
			return fmt.Errorf("usage: dietbot schedule history <name>")
		}
		store, closeDB, err := openScheduleStore(configPath)
		if err != nil {
			return err
		}
		defer closeDB()
		task, err := taskByName(store, args[1])
		if err != nil {
			return err
		}
		execs, err := scheduler.New(nil, store, nil).TaskExecutions(task.ID, 50)
		if err != nil {
			return err
		}
		return printExecutions(stdout, execs, outputFmt)

	case "run":
		if len(args) < 2 {
			return fmt.Errorf("usage: dietbot schedule run <name>")
		}
		a, logger, err := cliApp(ctx, stderr, configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		store, err := scheduler.NewStore(a.opsDB)
		if err != nil {
			return err
		}
		// Keep stdout parseable when it carries the JSON execution.
		gw := printGateway{w: stdout}
		if outputFmt == "json" {
			gw.w = stderr
		}
		orch := a.newOrchestrator(gw, a.newRegistry(nil))
		deps := taskExecDeps{runner: turnFunc(orch.HandleEvent), userID: a.cfg.UserID, logger: logger}
		exec, runErr := triggerNamedTask(ctx, store, args[1], deps, logger)
		if exec != nil {
			if err := printExecutions(stdout, []*scheduler.Execution{exec}, outputFmt); err != nil {
				return err
			}
		}
		return runErr

	default:
		return fmt.Errorf("unknown schedule command: %s", sub)
	}
}

// turnFunc adapts a turn handler such as Orchestrator.HandleEvent to
// turnRunner, running the turn inline instead of through a dispatcher.
type turnFunc func(ctx context.Context, ev agent.Event) (*agent.TurnResult, error)

// Run implements turnRunner.
func (f turnFunc) Run(ctx context.Context, ev agent.Event) (*agent.TurnResult, error) {
	return f(ctx, ev)
}

// triggerNamedTask fires the named task immediately and records the
// execution, whatever its schedule says.
func triggerNamedTask(ctx context.Context, store *scheduler.Store, name string, deps taskExecDeps, logger *slog.Logger) (*scheduler.Execution, error) {
	task, err := taskByName(store, name)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(logger, store, func(ctx context.Context, task *scheduler.Task, exec *scheduler.Execution) (string, error) {
		return runScheduledTask(ctx, task, exec, deps)
	})
	return sched.TriggerTask(ctx, task.ID)
}

func taskByName(store *scheduler.Store, name string) (*scheduler.Task, error) {
	task, err := store.GetTaskByName(name)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("no scheduled task named %q", name)
	}
	return task, nil
}

// openScheduleStore opens the operational database read by the
// scheduler without building the rest of the app.
func openScheduleStore(configPath string) (*scheduler.Store, func(), error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	db, err := sql.Open("sqlite3", filepath.Join(cfg.DataDir, "dietbot.db")+"?_busy_timeout=5000")
	if err != nil {
		return nil, nil, err
	}
	store, err := scheduler.NewStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}

// executionLister is the slice of *scheduler.Scheduler used for listing.
type executionLister interface {
	TaskExecutions(taskID string, limit int) ([]*scheduler.Execution, error)
}

type taskView struct {
	*scheduler.Task
	NextRun *time.Time             `json:"next_run,omitempty"`
	Recent  []*scheduler.Execution `json:"recent_executions,omitempty"`
}

func printTasks(w io.Writer, execs executionLister, tasks []*scheduler.Task, now time.Time, outputFmt string) error {
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		v := taskView{Task: t}
		if next, ok := t.NextRun(now); ok && t.Enabled {
			v.NextRun = &next
		}
		recent, err := execs.TaskExecutions(t.ID, recentExecutions)
		if err != nil {
			return err
		}
		v.Recent = recent
		views = append(views, v)
	}

	if outputFmt == "json" {
		return writeJSON(w, views)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSCHEDULE\tENABLED\tNEXT\tLAST\tRECENT")
	for _, v := range views {
		next, last := "-", "never"
		if v.NextRun != nil {
			next = v.NextRun.Format(time.RFC3339)
		}
		if len(v.Recent) > 0 {
			last = fmt.Sprintf("%s %s", v.Recent[0].ScheduledAt.Format(time.RFC3339), v.Recent[0].Status)
		}
		fmt.Fprintf(tw, "%s\t%s %s %s\t%t\t%s\t%s\t%s\n",
			v.Name, v.Schedule.Kind, v.Schedule.Daily, v.Schedule.Timezone, v.Enabled, next, last, failureRatio(v.Recent))
	}
	return tw.Flush()
}

// failureRatio renders how many of the given runs failed, e.g. "1/5 failed".
func failureRatio(execs []*scheduler.Execution) string {
	if len(execs) == 0 {
		return "-"
	}
	failed := 0
	for _, e := range execs {
		if e.Status == scheduler.StatusFailed {
			failed++
		}
	}
	return fmt.Sprintf("%d/%d failed", failed, len(execs))
}

func printExecutions(w io.Writer, execs []*scheduler.Execution, outputFmt string) error {
	if outputFmt == "json" {
		if execs == nil {
			execs = []*scheduler.Execution{}
		}
		return writeJSON(w, execs)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCHEDULED\tSTATUS\tDURATION\tRESULT")
	for _, e := range execs {
		dur := "-"
		if e.StartedAt != nil && e.CompletedAt != nil {
			dur = e.CompletedAt.Sub(*e.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ScheduledAt.Format(time.RFC3339), e.Status, dur, e.Result)
	}
	return tw.Flush()
}
