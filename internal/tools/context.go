package tools

import (
	"context"

	"github.com/nugget/dietbot/internal/ledger"
)

type contextKey string

const (
	profileKey contextKey = "profile"
	turnIDKey  contextKey = "turn_id"
)

// WithProfile attaches the turn's profile. Tools read and update it in
// place, so later tool calls in the same turn see the changes.
func WithProfile(ctx context.Context, p *ledger.Profile) context.Context {
	return context.WithValue(ctx, profileKey, p)
}

// ProfileFromContext returns the turn's profile, or nil.
func ProfileFromContext(ctx context.Context) *ledger.Profile {
	p, _ := ctx.Value(profileKey).(*ledger.Profile)
	return p
}

// WithTurnID adds the turn ID to the context.
func WithTurnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, turnIDKey, id)
}

// TurnIDFromContext extracts the turn ID from the context.
// Returns "" if not set.
func TurnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(turnIDKey).(string)
	return id
}
