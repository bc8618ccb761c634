package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrDispatcherClosed is returned by Submit after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// DefaultTurnTimeout bounds a single turn.
const DefaultTurnTimeout = 5 * time.Minute

// Handler runs one turn. *Orchestrator implements it.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event) (*TurnResult, error)
}

// Completion is delivered once a submitted turn has finished.
type Completion struct {
	Result *TurnResult
	Err    error
}

type job struct {
	ev   Event
	done chan Completion
}

// lane is the FIFO queue of one user. A lane exists only while it has
// work; its worker goroutine removes it when the queue drains.
type lane struct {
	queue []job
}

// Dispatcher serializes turns per user. Events for the same user run one
// at a time in submission order; different users run concurrently.
type Dispatcher struct {
	handler Handler
	timeout time.Duration
	logger  *slog.Logger

	// base is the parent of every turn context; cancelled by Close.
	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A zero timeout means
// [DefaultTurnTimeout].
func NewDispatcher(handler Handler, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTurnTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		handler: handler,
		timeout: timeout,
		logger:  logger.With("component", "dispatcher"),
		base:    base,
		cancel:  cancel,
		lanes:   make(map[string]*lane),
	}
}

// Submit queues ev behind any pending turns of the same user and returns
// a channel that receives exactly one Completion.
func (d *Dispatcher) Submit(ev Event) (<-chan Completion, error) {
	done := make(chan Completion, 1)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDispatcherClosed
	}

	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	l, active := d.lanes[ev.UserID]
	if !active {
		l = &lane{}
		d.lanes[ev.UserID] = l
	}
	l.queue = append(l.queue, job{ev: ev, done: done})
	d.logger.Debug("turn queued",
		"user_id", ev.UserID,
		"trigger", string(ev.Trigger),
		"depth", len(l.queue),
	)

	if !active {
		d.wg.Add(1)
		go d.work(ev.UserID, l)
	}
	return done, nil
}

// Run submits ev and waits for its turn to finish or ctx to end.
func (d *Dispatcher) Run(ctx context.Context, ev Event) (*TurnResult, error) {
	done, err := d.Submit(ev)
	if err != nil {
		return nil, err
	}
	select {
	case c := <-done:
		return c.Result, c.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// work drains one user's lane.
func (d *Dispatcher) work(userID string, l *lane) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(l.queue) == 0 {
			delete(d.lanes, userID)
			d.mu.Unlock()
			return
		}
		j := l.queue[0]
		l.queue = l.queue[1:]
		d.mu.Unlock()

		j.done <- d.runOne(j.ev)
	}
}

func (d *Dispatcher) runOne(ev Event) (c Completion) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("turn handler panicked", "user_id", ev.UserID, "panic", r)
			c = Completion{Err: errors.New("turn handler panicked")}
		}
	}()

	if wait := time.Since(ev.ReceivedAt); wait > time.Second {
		d.logger.Debug("turn waited in lane", "user_id", ev.UserID, "wait", wait.Round(time.Millisecond))
	}

	ctx, cancel := context.WithTimeout(d.base, d.timeout)
	defer cancel()
	res, err := d.handler.HandleEvent(ctx, ev)
	if err != nil {
		d.logger.Error("turn failed", "user_id", ev.UserID, "trigger", string(ev.Trigger), "error", err)
	}
	return Completion{Result: res, Err: err}
}

// Close stops accepting events, waits up to ctx for queued turns to
// finish, then cancels whatever is still running.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-idle
		return ctx.Err()
	}
}
