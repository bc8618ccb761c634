package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultCatchUpWindow is how late a missed daily fire may still run
// after a restart.
const DefaultCatchUpWindow = 30 * time.Minute

// executeTimeout bounds one execution callback.
const executeTimeout = 6 * time.Minute

// ExecuteFunc is called when a task fires. The returned string is kept
// as the execution result.
type ExecuteFunc func(ctx context.Context, task *Task, execution *Execution) (string, error)

// Scheduler manages task scheduling and execution.
type Scheduler struct {
	logger  *slog.Logger
	store   *Store
	execute ExecuteFunc
	now     func() time.Time

	// CatchUpWindow bounds how late a missed daily fire still runs on
	// Start. Zero disables catch-up.
	CatchUpWindow time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer // taskID -> timer
	running bool
	wg      sync.WaitGroup
}

// New creates a new scheduler.
func New(logger *slog.Logger, store *Store, execute ExecuteFunc) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:        logger.With("component", "scheduler"),
		store:         store,
		execute:       execute,
		now:           time.Now,
		CatchUpWindow: DefaultCatchUpWindow,
		timers:        make(map[string]*time.Timer),
	}
}

// Start begins the scheduler, loading tasks and setting up timers.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if n, err := s.store.FailInterrupted(); err != nil {
		s.logger.Warn("failed to close interrupted executions", "error", err)
	} else if n > 0 {
		s.logger.Info("closed interrupted executions", "count", n)
	}

	tasks, err := s.store.ListTasks(true)
	if err != nil {
		return err
	}

	s.catchUp(ctx, tasks)
	for _, task := range tasks {
		s.scheduleTask(task)
	}

	s.logger.Info("scheduler started", "tasks", len(tasks))
	return nil
}

// Stop halts the scheduler and waits for running executions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false

	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Ensure creates the task named want.Name, or updates the stored one
// when its schedule, payload or enabled flag differ, and reschedules it.
func (s *Scheduler) Ensure(want *Task) (*Task, error) {
	if err := want.Schedule.Validate(); err != nil {
		return nil, fmt.Errorf("task %s: %w", want.Name, err)
	}

	existing, err := s.store.GetTaskByName(want.Name)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		if err := s.store.CreateTask(want); err != nil {
			return nil, err
		}
		s.logger.Info("task created",
			"id", want.ID,
			"name", want.Name,
			"schedule", describe(want.Schedule),
		)
		s.reschedule(want)
		return want, nil
	}

	if existing.Schedule.equal(want.Schedule) && existing.Payload == want.Payload && existing.Enabled == want.Enabled {
		return existing, nil
	}

	existing.Schedule = want.Schedule
	existing.Payload = want.Payload
	existing.Enabled = want.Enabled
	if err := s.store.UpdateTask(existing); err != nil {
		return nil, err
	}
	s.logger.Info("task updated",
		"id", existing.ID,
		"name", existing.Name,
		"schedule", describe(existing.Schedule),
		"enabled", existing.Enabled,
	)
	s.reschedule(existing)
	return existing, nil
}

// DeleteTask removes a task.
func (s *Scheduler) DeleteTask(id string) error {
	s.cancelTimer(id)

	if err := s.store.DeleteTask(id); err != nil {
		return err
	}

	s.logger.Info("task deleted", "id", id)
	return nil
}

// ListTasks returns all tasks.
func (s *Scheduler) ListTasks(enabledOnly bool) ([]*Task, error) {
	return s.store.ListTasks(enabledOnly)
}

// TaskExecutions returns execution history for a task.
func (s *Scheduler) TaskExecutions(taskID string, limit int) ([]*Execution, error) {
	return s.store.ListExecutions(taskID, limit)
}

// TriggerTask immediately executes a task (bypassing schedule).
func (s *Scheduler) TriggerTask(ctx context.Context, taskID string) (*Execution, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}

	return s.executeTask(ctx, task, s.now())
}

func (s *Scheduler) reschedule(task *Task) {
	s.cancelTimer(task.ID)
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running && task.Enabled {
		s.scheduleTask(task)
	}
}

// scheduleTask sets up a timer for the next execution.
func (s *Scheduler) scheduleTask(task *Task) {
	now := s.now()
	next, ok := task.NextRun(now)
	if !ok {
		s.logger.Debug("task has no future runs", "id", task.ID, "name", task.Name)
		return
	}

	delay := next.Sub(now)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, exists := s.timers[task.ID]; exists {
		timer.Stop()
	}

	s.timers[task.ID] = time.AfterFunc(delay, func() {
		s.onTaskFire(task.ID, next)
	})

	s.logger.Debug("task scheduled",
		"id", task.ID,
		"name", task.Name,
		"next", next,
		"delay", delay.Round(time.Second),
	)
}

// onTaskFire is called when a task's timer fires.
func (s *Scheduler) onTaskFire(taskID string, scheduledAt time.Time) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	delete(s.timers, taskID)
	s.mu.Unlock()
	defer s.wg.Done()

	// Get fresh task data
	task, err := s.store.GetTask(taskID)
	if err != nil {
		s.logger.Error("failed to get task for execution", "id", taskID, "error", err)
		return
	}

	if !task.Enabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), executeTimeout)
	defer cancel()

	if _, err := s.executeTask(ctx, task, scheduledAt); err != nil {
		s.logger.Error("task execution failed", "id", taskID, "name", task.Name, "error", err)
	}

	if task.Schedule.Kind != ScheduleAt {
		s.scheduleTask(task)
	}
}

// executeTask runs a task and records the execution.
func (s *Scheduler) executeTask(ctx context.Context, task *Task, scheduledAt time.Time) (*Execution, error) {
	started := s.now()
	exec := &Execution{
		ID:          NewID(),
		TaskID:      task.ID,
		ScheduledAt: scheduledAt,
		StartedAt:   &started,
		Status:      StatusRunning,
	}

	if err := s.store.CreateExecution(exec); err != nil {
		return nil, err
	}

	s.logger.Info("executing task",
		"task_id", task.ID,
		"task_name", task.Name,
		"execution_id", exec.ID,
	)

	var result string
	var execErr error
	if s.execute != nil {
		result, execErr = s.execute(ctx, task, exec)
	}

	completed := s.now()
	exec.CompletedAt = &completed

	if execErr != nil {
		exec.Status = StatusFailed
		exec.Result = execErr.Error()
	} else {
		exec.Status = StatusCompleted
		exec.Result = result
	}

	if err := s.store.UpdateExecution(exec); err != nil {
		s.logger.Error("failed to update execution", "id", exec.ID, "error", err)
	}

	s.logger.Info("task execution completed",
		"task_id", task.ID,
		"execution_id", exec.ID,
		"status", exec.Status,
		"result", exec.Result,
		"duration", completed.Sub(started),
	)

	return exec, execErr
}

// cancelTimer stops and removes a task's timer.
func (s *Scheduler) cancelTimer(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, exists := s.timers[taskID]; exists {
		timer.Stop()
		delete(s.timers, taskID)
	}
}

// catchUp runs daily tasks whose last fire time passed while the
// process was down, provided it is within CatchUpWindow.
func (s *Scheduler) catchUp(ctx context.Context, tasks []*Task) {
	if s.CatchUpWindow <= 0 {
		return
	}
	now := s.now()
	for _, task := range tasks {
		prev, ok := task.PrevRun(now)
		if !ok || now.Sub(prev) > s.CatchUpWindow || prev.Before(task.CreatedAt) {
			continue
		}
		last, err := s.store.LastExecution(task.ID)
		if err != nil {
			s.logger.Warn("failed to read last execution", "task", task.Name, "error", err)
			continue
		}
		if last != nil && !last.ScheduledAt.Before(prev) {
			continue
		}

		s.logger.Info("catching up missed execution", "task", task.Name, "scheduled", prev)
		s.mu.Lock()
		s.wg.Add(1)
		s.mu.Unlock()
		go func(task *Task, prev time.Time) {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), executeTimeout)
			defer cancel()
			if _, err := s.executeTask(ctx, task, prev); err != nil {
				s.logger.Error("catch-up execution failed", "task", task.Name, "error", err)
			}
		}(task, prev)
	}
}

func (a Schedule) equal(b Schedule) bool {
	if a.Kind != b.Kind || a.Daily != b.Daily || a.Timezone != b.Timezone {
		return false
	}
	switch {
	case (a.At == nil) != (b.At == nil):
		return false
	case a.At != nil && !a.At.Equal(*b.At):
		return false
	case (a.Every == nil) != (b.Every == nil):
		return false
	case a.Every != nil && a.Every.Duration != b.Every.Duration:
		return false
	}
	return true
}

func describe(s Schedule) string {
	switch s.Kind {
	case ScheduleDaily:
		return fmt.Sprintf("daily %s %s", s.Daily, s.Timezone)
	case ScheduleEvery:
		if s.Every != nil {
			return "every " + s.Every.String()
		}
	case ScheduleAt:
		if s.At != nil {
			return "at " + s.At.Format(time.RFC3339)
		}
	}
	return string(s.Kind)
}
