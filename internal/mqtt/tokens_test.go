package mqtt

import (
	"sync"
	"testing"
	"time"

	"github.com/nugget/dietbot/internal/usage"
)

func TestDailyTokens_Observe(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	dt.Observe(usage.Record{Role: usage.RoleChat, InputTokens: 100, OutputTokens: 200})
	dt.Observe(usage.Record{Role: usage.RoleEstimation, InputTokens: 50, OutputTokens: 25})
	dt.Observe(usage.Record{InputTokens: 1, OutputTokens: 1})

	got := dt.Snapshot()
	want := TokenCounts{Chat: 302, Estimation: 75, Calls: 3}
	if got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
	if got.Total() != 377 {
		t.Errorf("Total() = %d, want 377", got.Total())
	}
}

func TestDailyTokens_ZeroInitially(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	if got := dt.Snapshot(); got != (TokenCounts{}) {
		t.Errorf("Snapshot() = %+v, want zero", got)
	}
}

func TestDailyTokens_Concurrent(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dt.Observe(usage.Record{Role: usage.RoleChat, InputTokens: 10, OutputTokens: 20})
		}()
	}
	wg.Wait()

	got := dt.Snapshot()
	if got.Chat != 3000 || got.Calls != 100 {
		t.Errorf("Snapshot() = %+v, want 3000 chat tokens over 100 calls", got)
	}
}

func TestDailyTokens_MidnightReset(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	clock := time.Date(2024, 5, 2, 21, 30, 0, 0, time.UTC) // 23:30 in Berlin
	dt := NewDailyTokens(berlin)
	dt.now = func() time.Time { return clock }
	dt.day = dt.today()

	dt.Observe(usage.Record{Role: usage.RoleChat, InputTokens: 500, OutputTokens: 600})

	clock = clock.Add(20 * time.Minute) // 23:50 in Berlin
	if got := dt.Snapshot(); got.Chat != 1100 || got.Calls != 1 {
		t.Errorf("Snapshot() before local midnight = %+v, want the morning's counts", got)
	}

	clock = clock.Add(20 * time.Minute) // 22:10 UTC, 00:10 on May 3 in Berlin
	if got := dt.Snapshot(); got != (TokenCounts{}) {
		t.Errorf("Snapshot() after local midnight = %+v, want zero", got)
	}
}

func TestDailyTokens_SetLocation(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	clock := time.Date(2024, 5, 2, 14, 0, 0, 0, time.UTC) // 23:00 in Tokyo
	dt := NewDailyTokens(time.UTC)
	dt.now = func() time.Time { return clock }
	dt.day = dt.today()
	dt.Observe(usage.Record{Role: usage.RoleEstimation, InputTokens: 40, OutputTokens: 2})

	dt.SetLocation(tokyo)
	if got := dt.Snapshot(); got.Estimation != 42 {
		t.Errorf("Snapshot() after SetLocation = %+v, want counts kept", got)
	}

	clock = clock.Add(90 * time.Minute) // 00:30 in Tokyo, still May 2 in UTC
	if got := dt.Snapshot(); got != (TokenCounts{}) {
		t.Errorf("Snapshot() after Tokyo midnight = %+v, want zero", got)
	}

	dt.SetLocation(nil)
	if dt.loc != tokyo {
		t.Error("SetLocation(nil) replaced the location")
	}
}

func TestDailyTokens_NilLocation(t *testing.T) {
	dt := NewDailyTokens(nil)
	if dt.loc != time.Local {
		t.Error("nil location should default to time.Local")
	}
	dt.Observe(usage.Record{InputTokens: 1})
	if got := dt.Snapshot(); got.Chat != 1 {
		t.Errorf("Chat = %d, want 1", got.Chat)
	}
}
