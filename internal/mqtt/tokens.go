package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/dietbot/internal/usage"
)

// TokenCounts is one local day of model usage split by role.
type TokenCounts struct {
	Chat       int64
	Estimation int64
	Calls      int64
}

// Total returns chat plus estimation tokens.
func (c TokenCounts) Total() int64 { return c.Chat + c.Estimation }

// DailyTokens tracks token usage that resets at local midnight. It is
// safe for concurrent use.
type DailyTokens struct {
	mu     sync.Mutex
	counts TokenCounts
	day    string // local date of the counters
	loc    *time.Location
	now    func() time.Time
}

// NewDailyTokens creates an accumulator that rolls over at midnight in
// loc. A nil loc means [time.Local].
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.day = d.today()
	return d
}

// Observe adds one usage record. Records whose role is neither chat
// nor estimation count toward chat.
func (d *DailyTokens) Observe(rec usage.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	n := int64(rec.InputTokens + rec.OutputTokens)
	if rec.Role == usage.RoleEstimation {
		d.counts.Estimation += n
	} else {
		d.counts.Chat += n
	}
	d.counts.Calls++
}

// Snapshot returns today's counters.
func (d *DailyTokens) Snapshot() TokenCounts {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.counts
}

// SetLocation moves the midnight rollover to loc. Counts collected so
// far are kept and belong to the current day in loc.
func (d *DailyTokens) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.loc = loc
	d.day = d.today()
}

// Location returns the zone whose midnight resets the counters.
func (d *DailyTokens) Location() *time.Location {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loc
}

func (d *DailyTokens) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// maybeReset must be called with d.mu held.
func (d *DailyTokens) maybeReset() {
	if today := d.today(); today != d.day {
		d.counts = TokenCounts{}
		d.day = today
	}
}
