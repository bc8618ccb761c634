package tools

import (
	"context"
	"testing"

	"github.com/nugget/dietbot/internal/ledger"
)

func TestProfileContext(t *testing.T) {
	if ProfileFromContext(context.Background()) != nil {
		t.Error("empty context returned a profile")
	}
	p := &ledger.Profile{UserID: "primary"}
	ctx := WithProfile(context.Background(), p)
	if got := ProfileFromContext(ctx); got != p {
		t.Errorf("ProfileFromContext() = %p, want %p", got, p)
	}
}

func TestTurnIDContext(t *testing.T) {
	if got := TurnIDFromContext(context.Background()); got != "" {
		t.Errorf("TurnIDFromContext(empty) = %q", got)
	}
	ctx := WithTurnID(context.Background(), "turn-1")
	if got := TurnIDFromContext(ctx); got != "turn-1" {
		t.Errorf("TurnIDFromContext() = %q, want turn-1", got)
	}
}
