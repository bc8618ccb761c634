package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nugget/dietbot/internal/retry"
)

func TestClassifyFirestoreError(t *testing.T) {
	tests := []struct {
		code          codes.Code
		wantDuplicate bool
		wantTransient bool
	}{
		{codes.AlreadyExists, true, false},
		{codes.Unavailable, false, true},
		{codes.DeadlineExceeded, false, true},
		{codes.PermissionDenied, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := classifyFirestoreError(fmt.Errorf("op: %w", status.Error(tt.code, "boom")))
			if got := errors.Is(err, ErrDuplicate); got != tt.wantDuplicate {
				t.Errorf("duplicate = %v, want %v", got, tt.wantDuplicate)
			}
			if got := retry.IsTransient(err); got != tt.wantTransient {
				t.Errorf("transient = %v, want %v", got, tt.wantTransient)
			}
		})
	}
}

// TestFirestoreStore_Emulator runs against the Firestore emulator when
// FIRESTORE_EMULATOR_HOST is set.
func TestFirestoreStore_Emulator(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	store, err := OpenFirestore(ctx, "dietbot-test", "")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	user := "emulator-" + NewMessageID()
	ts := time.Now().UTC().Truncate(time.Microsecond)
	first := &Message{ID: NewMessageID(), UserID: user, Timestamp: ts, Role: RoleUser, Type: TypeText, Content: "a"}
	second := &Message{ID: NewMessageID(), UserID: user, Timestamp: ts, Role: RoleAI, Type: TypeText, Content: "b"}
	for _, m := range []*Message{first, second} {
		if err := store.PutMessage(ctx, m); err != nil {
			t.Fatalf("PutMessage: %v", err)
		}
	}
	if err := store.PutMessage(ctx, first); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate PutMessage = %v, want ErrDuplicate", err)
	}

	msgs, err := store.Messages(ctx, user, Filter{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != second.ID {
		t.Errorf("messages = %+v, want second first", msgs)
	}

	if _, err := store.Profile(ctx, user); !errors.Is(err, ErrNotFound) {
		t.Errorf("Profile = %v, want ErrNotFound", err)
	}
}
