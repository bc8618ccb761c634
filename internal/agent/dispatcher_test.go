package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// recordingHandler records the order turns ran in and flags overlap
// between turns of the same user.
type recordingHandler struct {
	mu      sync.Mutex
	order   []string
	active  map[string]int
	overlap bool
	delay   time.Duration
	gate    map[string]chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{active: make(map[string]int), gate: make(map[string]chan struct{})}
}

func (h *recordingHandler) HandleEvent(ctx context.Context, ev Event) (*TurnResult, error) {
	h.mu.Lock()
	h.active[ev.UserID]++
	if h.active[ev.UserID] > 1 {
		h.overlap = true
	}
	gate := h.gate[ev.UserID]
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	time.Sleep(h.delay)

	h.mu.Lock()
	h.order = append(h.order, ev.UserID+":"+ev.Text)
	h.active[ev.UserID]--
	h.mu.Unlock()
	return &TurnResult{UserID: ev.UserID, Trigger: ev.Trigger, Status: StatusSent, Reply: ev.Text}, nil
}

func TestDispatcher_FIFOPerUser(t *testing.T) {
	h := newRecordingHandler()
	h.delay = 2 * time.Millisecond
	d := NewDispatcher(h, time.Second, nil)

	var dones []<-chan Completion
	for i := 0; i < 10; i++ {
		done, err := d.Submit(Event{UserID: "primary", Trigger: TriggerUserMessage, Text: fmt.Sprint(i)})
		if err != nil {
			t.Fatal(err)
		}
		dones = append(dones, done)
	}
	for i, done := range dones {
		c := <-done
		if c.Err != nil || c.Result.Reply != fmt.Sprint(i) {
			t.Errorf("completion %d = %+v", i, c)
		}
	}

	if h.overlap {
		t.Error("turns of the same user overlapped")
	}
	for i, got := range h.order {
		if want := fmt.Sprintf("primary:%d", i); got != want {
			t.Errorf("order[%d] = %q, want %q", i, got, want)
		}
	}
}

func TestDispatcher_UsersIndependent(t *testing.T) {
	h := newRecordingHandler()
	blockA := make(chan struct{})
	h.gate["alice"] = blockA
	d := NewDispatcher(h, time.Second, nil)

	doneA, err := d.Submit(Event{UserID: "alice", Text: "slow"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := d.Run(context.Background(), Event{UserID: "bob", Text: "fast"})
	if err != nil || res.Reply != "fast" {
		t.Fatalf("Run(bob) = %+v, %v", res, err)
	}

	select {
	case <-doneA:
		t.Fatal("alice finished while blocked")
	default:
	}
	close(blockA)
	if c := <-doneA; c.Err != nil {
		t.Errorf("alice: %v", c.Err)
	}
}

func TestDispatcher_TurnTimeout(t *testing.T) {
	h := newRecordingHandler()
	h.gate["primary"] = make(chan struct{}) // never opened
	d := NewDispatcher(h, 20*time.Millisecond, nil)

	start := time.Now()
	if _, err := d.Run(context.Background(), Event{UserID: "primary", Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("turn ran %v, want it cut at the timeout", elapsed)
	}
}

type panickingHandler struct{}

func (panickingHandler) HandleEvent(context.Context, Event) (*TurnResult, error) {
	panic("handler bug")
}

func TestDispatcher_HandlerPanic(t *testing.T) {
	d := NewDispatcher(panickingHandler{}, time.Second, nil)
	_, err := d.Run(context.Background(), Event{UserID: "primary"})
	if err == nil {
		t.Fatal("expected an error from a panicking handler")
	}

	// The lane keeps working afterwards.
	_, err = d.Run(context.Background(), Event{UserID: "primary"})
	if err == nil {
		t.Fatal("expected an error from the second turn too")
	}
}

func TestDispatcher_Close(t *testing.T) {
	h := newRecordingHandler()
	h.delay = 10 * time.Millisecond
	d := NewDispatcher(h, time.Second, nil)

	done, err := d.Submit(Event{UserID: "primary", Text: "queued"})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c := <-done; c.Err != nil {
		t.Errorf("queued turn: %v", c.Err)
	}

	if _, err := d.Submit(Event{UserID: "primary"}); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("Submit after Close = %v, want ErrDispatcherClosed", err)
	}
}
