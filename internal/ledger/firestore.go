package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nugget/dietbot/internal/retry"
)

// FirestoreStore is a [Store] backed by Cloud Firestore. Profiles live at
// users/{uid}; messages at users/{uid}/messages/{id}. Messages are
// written with Create so an existing document is never overwritten.
type FirestoreStore struct {
	client *firestore.Client
}

// OpenFirestore connects to the project. credentialsFile may be empty to
// use application default credentials or FIRESTORE_EMULATOR_HOST.
func OpenFirestore(ctx context.Context, projectID, credentialsFile string) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

// NewFirestoreStore wraps an existing client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

// Close releases the client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) user(userID string) *firestore.DocumentRef {
	return s.client.Collection("users").Doc(userID)
}

// PutMessage creates the message document. An existing id yields [ErrDuplicate].
func (s *FirestoreStore) PutMessage(ctx context.Context, m *Message) error {
	if err := m.Validate(); err != nil {
		return retry.Permanent(err)
	}
	rec := *m
	rec.Timestamp = m.Timestamp.UTC()

	_, err := s.user(m.UserID).Collection("messages").Doc(m.ID).Create(ctx, rec)
	if err != nil {
		return classifyFirestoreError(fmt.Errorf("create message %s: %w", m.ID, err))
	}
	return nil
}

// Messages returns the user's messages matching f, newest first. Ties on
// timestamp are broken by the time-ordered message id.
func (s *FirestoreStore) Messages(ctx context.Context, userID string, f Filter) ([]Message, error) {
	q := s.user(userID).Collection("messages").Query
	if !f.Since.IsZero() {
		q = q.Where("timestamp", ">=", f.Since.UTC())
	}
	if !f.Before.IsZero() {
		q = q.Where("timestamp", "<", f.Before.UTC())
	}
	q = q.OrderBy("timestamp", firestore.Desc).OrderBy("id", firestore.Desc)
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var msgs []Message
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classifyFirestoreError(fmt.Errorf("query messages: %w", err))
		}
		var m Message
		if err := snap.DataTo(&m); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", snap.Ref.ID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Profile returns the user's profile or [ErrNotFound].
func (s *FirestoreStore) Profile(ctx context.Context, userID string) (*Profile, error) {
	snap, err := s.user(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyFirestoreError(fmt.Errorf("get profile: %w", err))
	}
	var p Profile
	if err := snap.DataTo(&p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

// PutProfile writes p, replacing the previous record.
func (s *FirestoreStore) PutProfile(ctx context.Context, p *Profile) error {
	if p.UserID == "" {
		return retry.Permanent(errors.New("profile user_id is empty"))
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	if _, err := s.user(p.UserID).Set(ctx, p); err != nil {
		return classifyFirestoreError(fmt.Errorf("set profile: %w", err))
	}
	return nil
}

// classifyFirestoreError maps gRPC status codes onto ledger and retry semantics.
func classifyFirestoreError(err error) error {
	switch status.Code(err) {
	case codes.AlreadyExists:
		return retry.Permanent(fmt.Errorf("%w: %v", ErrDuplicate, err))
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted, codes.Internal:
		return retry.Transient(err)
	case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated, codes.FailedPrecondition:
		return retry.Permanent(err)
	}
	return err
}
