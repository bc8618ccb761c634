// Package ledger holds the user's diet ledger: the append-only message
// history and the single mutable profile record. Messages are immutable
// once written; the profile is last-write-wins.
//
// Two backends implement [Store]: SQLite for a self-hosted deployment and
// Cloud Firestore for the hosted one.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by every Store implementation.
var (
	ErrNotFound  = errors.New("ledger: not found")
	ErrDuplicate = errors.New("ledger: message id already exists")
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

// MessageType is the payload kind of a message.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
)

// Macros is a macronutrient breakdown in grams.
type Macros struct {
	ProteinG float64 `json:"protein_g" firestore:"protein_g"`
	CarbsG   float64 `json:"carbs_g" firestore:"carbs_g"`
	FatG     float64 `json:"fat_g" firestore:"fat_g"`
}

// Food is one estimated item attached to a message.
type Food struct {
	Name           string  `json:"name" firestore:"name"`
	EstimatedGrams float64 `json:"estimated_grams" firestore:"estimated_grams"`
	Calories       float64 `json:"calories" firestore:"calories"`
	Macros         Macros  `json:"macros" firestore:"macros"`
}

// Validate checks that the name is set and every quantity is non-negative.
func (f Food) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return errors.New("food name is empty")
	}
	for field, v := range map[string]float64{
		"estimated_grams": f.EstimatedGrams,
		"calories":        f.Calories,
		"protein_g":       f.Macros.ProteinG,
		"carbs_g":         f.Macros.CarbsG,
		"fat_g":           f.Macros.FatG,
	} {
		if v < 0 {
			return fmt.Errorf("food %q: %s is negative", f.Name, field)
		}
	}
	return nil
}

// ImageData describes a stored photo.
type ImageData struct {
	Width      int    `json:"width" firestore:"width"`
	Height     int    `json:"height" firestore:"height"`
	MIMEType   string `json:"mime_type" firestore:"mime_type"`
	Resolution string `json:"resolution" firestore:"resolution"`
	URL        string `json:"url,omitempty" firestore:"url,omitempty"`
}

// ModelParams records the model call that produced an AI message.
type ModelParams struct {
	Model            string  `json:"model" firestore:"model"`
	Temperature      float64 `json:"temperature" firestore:"temperature"`
	TopP             float64 `json:"top_p" firestore:"top_p"`
	MaxTokens        int     `json:"max_tokens" firestore:"max_tokens"`
	PromptTokens     int     `json:"prompt_tokens" firestore:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens" firestore:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens" firestore:"total_tokens"`
}

// Message is one immutable ledger entry.
type Message struct {
	ID         string       `json:"id" firestore:"id"`
	UserID     string       `json:"user_id" firestore:"user_id"`
	Timestamp  time.Time    `json:"timestamp" firestore:"timestamp"`
	Role       Role         `json:"role" firestore:"role"`
	Type       MessageType  `json:"type" firestore:"type"`
	Content    string       `json:"content" firestore:"content"`
	ObjectPath string       `json:"object_path,omitempty" firestore:"object_path,omitempty"`
	ImageData  *ImageData   `json:"image_data,omitempty" firestore:"image_data,omitempty"`
	Food       []Food       `json:"food,omitempty" firestore:"food,omitempty"`
	LLM        *ModelParams `json:"llm_parameters,omitempty" firestore:"llm_parameters,omitempty"`
}

// Validate checks enum fields and role-dependent invariants.
func (m *Message) Validate() error {
	if m.ID == "" {
		return errors.New("message id is empty")
	}
	if m.UserID == "" {
		return errors.New("message user_id is empty")
	}
	if m.Timestamp.IsZero() {
		return errors.New("message timestamp is zero")
	}
	switch m.Role {
	case RoleUser, RoleAI:
	default:
		return fmt.Errorf("message role %q invalid (valid: user, ai)", m.Role)
	}
	switch m.Type {
	case TypeText, TypeImage:
	default:
		return fmt.Errorf("message type %q invalid (valid: text, image)", m.Type)
	}
	if m.LLM != nil && m.Role != RoleAI {
		return errors.New("llm_parameters are only allowed on ai messages")
	}
	for _, f := range m.Food {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// NewMessageID returns a time-ordered UUIDv7 string. Within one process
// successive IDs sort in creation order, which stores use to break
// timestamp ties.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Filter selects messages for [Store.Messages].
type Filter struct {
	// Since is inclusive. Zero means unbounded.
	Since time.Time
	// Before is exclusive. Zero means unbounded.
	Before time.Time
	// Limit caps the result. Zero means no limit.
	Limit int
}

// Store is the ledger persistence contract. Messages are append-only
// and returned newest first (timestamp descending, ties broken by
// insertion order). Profiles are last-write-wins.
type Store interface {
	PutMessage(ctx context.Context, m *Message) error
	Messages(ctx context.Context, userID string, f Filter) ([]Message, error)
	Profile(ctx context.Context, userID string) (*Profile, error)
	PutProfile(ctx context.Context, p *Profile) error
	Close() error
}
