package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/dietbot/internal/agent"
	"github.com/nugget/dietbot/internal/imageprep"
	"github.com/nugget/dietbot/internal/ledger"
	"github.com/nugget/dietbot/internal/objectstore"
	"github.com/nugget/dietbot/internal/opstate"
	"github.com/nugget/dietbot/internal/retry"
)

// ErrInboxFull is returned by Deliver when the bridge cannot accept more
// messages right now. The webhook answers 503 so Meta redelivers.
var ErrInboxFull = errors.New("whatsapp: bridge inbox full")

// handleTimeout bounds the intake of one message (media download,
// image prep, upload). The turn itself runs under the dispatcher.
const handleTimeout = 2 * time.Minute

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval controls how often stale rate-limit entries are
// evicted.
const cleanupInterval = 10 * time.Minute

// DefaultDedupeTTL is how long a webhook message id is remembered.
const DefaultDedupeTTL = 24 * time.Hour

// inboxSize is the number of parsed messages that may wait for intake.
const inboxSize = 64

// Opstate namespaces used by the bridge.
const (
	namespaceWebhook     = "webhook"
	namespaceLastInbound = "last_inbound"
)

// User-facing replies for photos that never reach a turn.
const (
	mediaFailedText   = "Sorry, I couldn't download that photo. Please try sending it again."
	mediaRejectedText = "Sorry, I can only read photos up to 10 MB. Please send a smaller image."
)

// MediaClient is the part of *Client the bridge needs.
type MediaClient interface {
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error)
	SendText(ctx context.Context, to, text string) (string, error)
}

// Submitter queues a turn. *agent.Dispatcher implements it.
type Submitter interface {
	Submit(ev agent.Event) (<-chan agent.Completion, error)
}

// ProfileReader loads the profile whose phone number may talk to the bot.
type ProfileReader interface {
	Profile(ctx context.Context, userID string) (*ledger.Profile, error)
}

// StateWriter persists small operational values. *opstate.Store
// implements it.
type StateWriter interface {
	Set(ctx context.Context, namespace, key, value string, ttl time.Duration) error
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client     MediaClient
	Dispatcher Submitter
	Profiles   ProfileReader
	Claimer    opstate.Claimer // webhook id dedupe; nil disables
	State      StateWriter     // last inbound time per sender; optional
	Objects    objectstore.Store
	Images     imageprep.Options
	Retry      retry.Policy
	UserID     string
	RateLimit  int           // per sender per minute; 0 = unlimited
	DedupeTTL  time.Duration // default 24h
	Logger     *slog.Logger
}

// Bridge turns webhook deliveries into dispatcher events. Messages are
// taken in by a single goroutine so a user's text and photos reach the
// dispatcher in the order WhatsApp delivered them.
type Bridge struct {
	client     MediaClient
	dispatcher Submitter
	profiles   ProfileReader
	claimer    opstate.Claimer
	state      StateWriter
	objects    objectstore.Store
	images     imageprep.Options
	retry      retry.Policy
	userID     string
	rateLimit  int
	dedupeTTL  time.Duration
	logger     *slog.Logger
	now        func() time.Time

	inbox chan Inbound

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time
}

// NewBridge creates a WhatsApp message bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = DefaultDedupeTTL
	}
	if cfg.UserID == "" {
		cfg.UserID = "primary"
	}
	return &Bridge{
		client:      cfg.Client,
		dispatcher:  cfg.Dispatcher,
		profiles:    cfg.Profiles,
		claimer:     cfg.Claimer,
		state:       cfg.State,
		objects:     cfg.Objects,
		images:      cfg.Images,
		retry:       cfg.Retry,
		userID:      cfg.UserID,
		rateLimit:   cfg.RateLimit,
		dedupeTTL:   cfg.DedupeTTL,
		logger:      logger.With("component", "whatsapp_bridge"),
		now:         time.Now,
		inbox:       make(chan Inbound, inboxSize),
		senderTimes: make(map[string][]time.Time),
	}
}

// Deliver parses a verified webhook body and queues its messages for
// intake. It returns the number of messages queued.
func (b *Bridge) Deliver(body []byte) (int, error) {
	msgs, err := ParseWebhook(body)
	if err != nil {
		return 0, err
	}
	for i, m := range msgs {
		select {
		case b.inbox <- m:
		default:
			b.logger.Warn("whatsapp inbox full, dropping delivery",
				"message_id", m.ID,
				"queued", i,
			)
			return i, ErrInboxFull
		}
	}
	return len(msgs), nil
}

// Start takes in queued messages until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info("whatsapp bridge started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("whatsapp bridge shutting down")
			return
		case in := <-b.inbox:
			b.handleMessage(ctx, in)
		}
	}
}

// handleMessage filters, deduplicates and rate-limits one inbound
// message, prepares its photo if any, and submits it as a turn.
func (b *Bridge) handleMessage(ctx context.Context, in Inbound) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	profile, err := b.profiles.Profile(ctx, b.userID)
	if err != nil {
		b.logger.Warn("whatsapp message ignored, no profile",
			"user_id", b.userID,
			"error", err,
		)
		return
	}
	if !samePhone(in.From, profile.PhoneNumber) {
		b.logger.Warn("whatsapp message from unknown sender", "sender", in.From)
		return
	}

	if b.claimer != nil {
		first, err := b.claimer.Claim(ctx, namespaceWebhook, in.ID, b.dedupeTTL)
		if err != nil {
			// Processing twice beats dropping the message.
			b.logger.Warn("whatsapp dedupe check failed", "message_id", in.ID, "error", err)
		} else if !first {
			b.logger.Debug("whatsapp duplicate delivery ignored", "message_id", in.ID)
			return
		}
	}

	if !b.allowSender(in.From) {
		b.logger.Warn("whatsapp message rate-limited", "sender", in.From)
		return
	}

	if b.state != nil {
		stamp := in.Timestamp
		if stamp.IsZero() {
			stamp = b.now()
		}
		if err := b.state.Set(ctx, namespaceLastInbound, in.From, stamp.UTC().Format(time.RFC3339), 0); err != nil {
			b.logger.Debug("failed to record last inbound", "sender", in.From, "error", err)
		}
	}

	ev := agent.Event{
		UserID:     b.userID,
		Trigger:    agent.TriggerUserMessage,
		Type:       ledger.TypeText,
		Text:       in.Text,
		ExternalID: in.ID,
		ReceivedAt: b.now(),
	}

	switch in.Type {
	case TypeText:
		if strings.TrimSpace(in.Text) == "" {
			b.logger.Debug("whatsapp empty text ignored", "message_id", in.ID)
			return
		}
	case TypeImage:
		if err := b.attachImage(ctx, in, &ev); err != nil {
			b.logger.Error("whatsapp photo intake failed",
				"message_id", in.ID,
				"media_id", in.MediaID,
				"error", err,
			)
			b.notify(ctx, in.From, err)
			return
		}
	default:
		b.logger.Info("whatsapp unsupported message type", "message_id", in.ID, "type", in.Type)
		return
	}

	b.logger.Info("whatsapp message received",
		"sender", in.From,
		"message_id", in.ID,
		"type", in.Type,
		"text_len", len(in.Text),
	)

	done, err := b.dispatcher.Submit(ev)
	if err != nil {
		b.logger.Error("whatsapp submit failed", "message_id", in.ID, "error", err)
		return
	}
	go b.awaitTurn(in.ID, done)
}

// attachImage downloads, normalizes and stores the photo of in, and
// fills the image fields of ev.
func (b *Bridge) attachImage(ctx context.Context, in Inbound, ev *agent.Event) error {
	if in.MediaID == "" {
		return errors.New("image message carried no media id")
	}

	type media struct {
		data        []byte
		contentType string
	}
	m, err := retry.Value(ctx, b.retry, "whatsapp media download", func(ctx context.Context) (media, error) {
		data, ct, err := b.client.DownloadMedia(ctx, in.MediaID)
		if errors.Is(err, ErrMediaTooLarge) {
			return media{}, retry.Permanent(err)
		}
		return media{data: data, contentType: ct}, err
	})
	if err != nil {
		return fmt.Errorf("download media: %w", err)
	}

	img, err := imageprep.Prepare(m.data, m.contentType, b.images)
	if err != nil {
		return fmt.Errorf("prepare image: %w", err)
	}

	path := fmt.Sprintf("users/%s/%s.%s", b.userID, in.ID, img.Extension())
	stored, err := b.objects.Put(ctx, path, img.Data, img.MIMEType)
	if err != nil {
		return fmt.Errorf("store image: %w", err)
	}

	data := &ledger.ImageData{
		Width:      img.Width,
		Height:     img.Height,
		MIMEType:   img.MIMEType,
		Resolution: img.Resolution(),
	}
	if u, err := b.objects.URL(ctx, stored); err == nil {
		data.URL = u
	} else {
		b.logger.Debug("no url for stored image", "path", stored, "error", err)
	}

	ev.Type = ledger.TypeImage
	ev.ObjectPath = stored
	ev.ImageData = data
	return nil
}

// notify tells the sender their photo never reached the coach.
func (b *Bridge) notify(ctx context.Context, to string, cause error) {
	text := mediaFailedText
	if errors.Is(cause, ErrMediaTooLarge) || errors.Is(cause, imageprep.ErrTooLarge) {
		text = mediaRejectedText
	}
	if _, err := b.client.SendText(ctx, to, text); err != nil {
		b.logger.Warn("whatsapp intake notice failed", "sender", to, "error", err)
	}
}

func (b *Bridge) awaitTurn(messageID string, done <-chan agent.Completion) {
	c := <-done
	if c.Err != nil {
		b.logger.Error("whatsapp turn failed", "message_id", messageID, "error", c.Err)
		return
	}
	if c.Result != nil {
		b.logger.Info("whatsapp turn completed",
			"message_id", messageID,
			"turn_id", c.Result.TurnID,
			"status", c.Result.Status,
			"tool_calls", c.Result.ToolCalls,
			"elapsed", c.Result.Elapsed,
		)
	}
}

// allowSender checks whether the sender is within the per-minute rate
// limit. Returns true if the message should be processed.
func (b *Bridge) allowSender(senderID string) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := b.now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeCleanupLocked(now)

	timestamps := b.senderTimes[senderID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= b.rateLimit {
		b.senderTimes[senderID] = valid
		return false
	}

	b.senderTimes[senderID] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts stale sender entries. Must be called with
// b.mu held.
func (b *Bridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < cleanupInterval {
		return
	}
	b.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, timestamps := range b.senderTimes {
		if len(timestamps) == 0 || timestamps[len(timestamps)-1].Before(cutoff) {
			delete(b.senderTimes, sender)
		}
	}
}

// samePhone compares two phone numbers by their digits, so "+1 555-123"
// matches "1555123".
func samePhone(a, b string) bool {
	da, db := digits(a), digits(b)
	return da != "" && da == db
}

func digits(phone string) string {
	var sb strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
