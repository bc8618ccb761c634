package usage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
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

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, TurnID: "turn-1", UserID: "primary", Trigger: "user_message", Model: "gpt-4o", Role: RoleChat, InputTokens: 1000, OutputTokens: 50},
		{Timestamp: now, TurnID: "turn-1", UserID: "primary", Trigger: "user_message", Model: "gemini-1.5-flash", Role: RoleEstimation, InputTokens: 800, OutputTokens: 120},
		{Timestamp: now, TurnID: "turn-1", UserID: "primary", Trigger: "user_message", Model: "gpt-4o", Role: RoleChat, InputTokens: 1300, OutputTokens: 40},
		{Timestamp: now, TurnID: "turn-2", UserID: "primary", Trigger: "daily_recap", Model: "gpt-4o", InputTokens: 900, OutputTokens: 60},
	}
	for _, r := range recs {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start, end := now.Add(-time.Hour), now.Add(time.Hour)
	sum, err := s.Summary(start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 4 || sum.TotalInputTokens != 4000 || sum.TotalOutputTokens != 270 {
		t.Errorf("Summary = %+v", sum)
	}

	byModel, err := s.SummaryByModel(start, end)
	if err != nil {
		t.Fatal(err)
	}
	if byModel["gpt-4o"].TotalRecords != 3 || byModel["gemini-1.5-flash"].TotalInputTokens != 800 {
		t.Errorf("SummaryByModel = %+v", byModel)
	}

	byTrigger, err := s.SummaryByTrigger(start, end)
	if err != nil {
		t.Fatal(err)
	}
	if byTrigger["daily_recap"].TotalRecords != 1 || byTrigger["user_message"].TotalRecords != 3 {
		t.Errorf("SummaryByTrigger = %+v", byTrigger)
	}

	byRole, err := s.SummaryByRole(start, end)
	if err != nil {
		t.Fatal(err)
	}
	if byRole[RoleChat].TotalRecords != 3 || byRole[RoleEstimation].TotalRecords != 1 {
		t.Errorf("SummaryByRole = %+v", byRole)
	}
}

func TestSummary_ExcludesOutOfRange(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	s.Record(context.Background(), Record{Timestamp: now.Add(-48 * time.Hour), TurnID: "old", Model: "gpt-4o", InputTokens: 5})
	s.Record(context.Background(), Record{Timestamp: now, TurnID: "new", Model: "gpt-4o", InputTokens: 7})

	sum, err := s.Summary(now.Add(-24*time.Hour), now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalRecords != 1 || sum.TotalInputTokens != 7 {
		t.Errorf("Summary = %+v", sum)
	}
}

func TestTurn(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.Record(ctx, Record{TurnID: "t1", Model: "a", Role: RoleChat})
	s.Record(ctx, Record{TurnID: "t2", Model: "b"})
	s.Record(ctx, Record{TurnID: "t1", Model: "c", Role: RoleEstimation})

	recs, err := s.Turn(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Model != "a" || recs[1].Model != "c" {
		t.Errorf("Turn(t1) = %+v", recs)
	}
	if recs[0].ID == "" || recs[0].Timestamp.IsZero() {
		t.Errorf("defaults not applied: %+v", recs[0])
	}
}
