package whatsapp

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/dietbot/internal/agent"
	"github.com/nugget/dietbot/internal/imageprep"
	"github.com/nugget/dietbot/internal/ledger"
	"github.com/nugget/dietbot/internal/objectstore"
	"github.com/nugget/dietbot/internal/opstate"
)

// fakeMedia serves one photo and records intake notices.
type fakeMedia struct {
	mu      sync.Mutex
	data    []byte
	ct      string
	err     error
	calls   int
	notices []string
}

func (f *fakeMedia) DownloadMedia(_ context.Context, _ string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.data, f.ct, f.err
}

func (f *fakeMedia) SendText(_ context.Context, _, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, text)
	return "wamid.notice", nil
}

// fakeSubmitter records submitted events and completes them at once.
type fakeSubmitter struct {
	mu     sync.Mutex
	events []agent.Event
}

func (f *fakeSubmitter) Submit(ev agent.Event) (<-chan agent.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	done := make(chan agent.Completion, 1)
	done <- agent.Completion{Result: &agent.TurnResult{Status: agent.StatusSent}}
	return done, nil
}

func (f *fakeSubmitter) submitted() []agent.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Event(nil), f.events...)
}

type staticProfiles struct{ p *ledger.Profile }

func (s staticProfiles) Profile(_ context.Context, userID string) (*ledger.Profile, error) {
	if s.p == nil || s.p.UserID != userID {
		return nil, ledger.ErrNotFound
	}
	return s.p, nil
}

type bridgeEnv struct {
	bridge  *Bridge
	media   *fakeMedia
	sub     *fakeSubmitter
	state   *opstate.Store
	objects *objectstore.Local
}

func newBridgeEnv(t *testing.T, opts ...func(*BridgeConfig)) *bridgeEnv {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	state, err := opstate.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	objects, err := objectstore.NewLocal(t.TempDir(), "http://media.test/media")
	if err != nil {
		t.Fatal(err)
	}

	env := &bridgeEnv{
		media:   &fakeMedia{data: testPNG(t, 40, 20), ct: "image/png"},
		sub:     &fakeSubmitter{},
		state:   state,
		objects: objects,
	}
	cfg := BridgeConfig{
		Client:     env.media,
		Dispatcher: env.sub,
		Profiles:   staticProfiles{p: &ledger.Profile{UserID: "primary", PhoneNumber: "+1 555-123-4567"}},
		Claimer:    state,
		State:      state,
		Objects:    objects,
		Images:     imageprep.Options{MaxDim: 1024, Quality: 85},
		UserID:     "primary",
		Logger:     slog.Default(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	env.bridge = NewBridge(cfg)
	return env
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			img.Set(x, y, color.NRGBA{R: 200, G: uint8(y), B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func textInbound(id, from, body string) Inbound {
	return Inbound{ID: id, From: from, Type: TypeText, Text: body, Timestamp: time.Unix(1714641000, 0).UTC()}
}

func TestBridge_TextRoutesToDispatcher(t *testing.T) {
	env := newBridgeEnv(t)
	env.bridge.handleMessage(context.Background(), textInbound("wamid.A", "15551234567", "2 eggs"))

	events := env.sub.submitted()
	if len(events) != 1 {
		t.Fatalf("submitted %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.UserID != "primary" || ev.Trigger != agent.TriggerUserMessage || ev.Type != ledger.TypeText {
		t.Errorf("event = %+v", ev)
	}
	if ev.Text != "2 eggs" || ev.ExternalID != "wamid.A" {
		t.Errorf("event text/id = %q/%q", ev.Text, ev.ExternalID)
	}

	last, err := env.state.Get(context.Background(), namespaceLastInbound, "15551234567")
	if err != nil || last != "2024-05-02T09:10:00Z" {
		t.Errorf("last inbound = %q, %v", last, err)
	}
}

func TestBridge_IgnoresUnknownSender(t *testing.T) {
	env := newBridgeEnv(t)
	env.bridge.handleMessage(context.Background(), textInbound("wamid.A", "15559999999", "hi"))
	if n := len(env.sub.submitted()); n != 0 {
		t.Errorf("submitted %d events from a stranger", n)
	}
}

func TestBridge_IgnoresWithoutProfile(t *testing.T) {
	env := newBridgeEnv(t, func(c *BridgeConfig) { c.Profiles = staticProfiles{} })
	env.bridge.handleMessage(context.Background(), textInbound("wamid.A", "15551234567", "hi"))
	if n := len(env.sub.submitted()); n != 0 {
		t.Errorf("submitted %d events without a profile", n)
	}
}

func TestBridge_DropsDuplicateDelivery(t *testing.T) {
	env := newBridgeEnv(t)
	in := textInbound("wamid.A", "15551234567", "2 eggs")
	env.bridge.handleMessage(context.Background(), in)
	env.bridge.handleMessage(context.Background(), in)
	if n := len(env.sub.submitted()); n != 1 {
		t.Errorf("submitted %d events, want 1", n)
	}
}

func TestBridge_IgnoresUnsupportedAndEmpty(t *testing.T) {
	env := newBridgeEnv(t)
	env.bridge.handleMessage(context.Background(), Inbound{ID: "a", From: "15551234567", Type: "audio"})
	env.bridge.handleMessage(context.Background(), textInbound("b", "15551234567", "   "))
	if n := len(env.sub.submitted()); n != 0 {
		t.Errorf("submitted %d events", n)
	}
}

func TestBridge_ImageIsPreparedAndStored(t *testing.T) {
	env := newBridgeEnv(t)
	env.bridge.handleMessage(context.Background(), Inbound{
		ID: "wamid.B", From: "15551234567", Type: TypeImage, MediaID: "media-1", Text: "lunch",
	})

	events := env.sub.submitted()
	if len(events) != 1 {
		t.Fatalf("submitted %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != ledger.TypeImage || ev.Text != "lunch" {
		t.Errorf("event = %+v", ev)
	}
	if ev.ObjectPath != "users/primary/wamid.B.jpg" {
		t.Errorf("ObjectPath = %q", ev.ObjectPath)
	}
	if ev.ImageData == nil {
		t.Fatal("ImageData is nil")
	}
	if ev.ImageData.Resolution != "40x20" || ev.ImageData.MIMEType != "image/jpeg" {
		t.Errorf("ImageData = %+v", ev.ImageData)
	}
	if !strings.HasPrefix(ev.ImageData.URL, "http://media.test/media/users/primary/") {
		t.Errorf("URL = %q", ev.ImageData.URL)
	}

	stored, err := env.objects.Get(context.Background(), ev.ObjectPath)
	if err != nil || len(stored) == 0 {
		t.Errorf("stored object: %d bytes, %v", len(stored), err)
	}
}

func TestBridge_ImageDownloadFailureNotifiesSender(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"download error", errors.New("connection reset"), mediaFailedText},
		{"too large", ErrMediaTooLarge, mediaRejectedText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newBridgeEnv(t)
			env.media.err = tt.err
			env.bridge.handleMessage(context.Background(), Inbound{
				ID: "wamid.B", From: "15551234567", Type: TypeImage, MediaID: "media-1",
			})
			if n := len(env.sub.submitted()); n != 0 {
				t.Errorf("submitted %d events", n)
			}
			if len(env.media.notices) != 1 || env.media.notices[0] != tt.want {
				t.Errorf("notices = %q", env.media.notices)
			}
			if env.media.calls != 1 {
				t.Errorf("download attempts = %d, want 1 for a non-transient error", env.media.calls)
			}
		})
	}
}

func TestBridge_RateLimit(t *testing.T) {
	env := newBridgeEnv(t, func(c *BridgeConfig) { c.RateLimit = 2 })
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	env.bridge.now = func() time.Time { return now }

	for _, id := range []string{"a", "b", "c"} {
		env.bridge.handleMessage(context.Background(), textInbound(id, "15551234567", "msg"))
	}
	if n := len(env.sub.submitted()); n != 2 {
		t.Fatalf("submitted %d events, want 2", n)
	}

	now = now.Add(rateWindow + time.Second)
	env.bridge.handleMessage(context.Background(), textInbound("d", "15551234567", "later"))
	if n := len(env.sub.submitted()); n != 3 {
		t.Errorf("submitted %d events after the window, want 3", n)
	}
}

func TestBridge_DeliverAndStart(t *testing.T) {
	env := newBridgeEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.bridge.Start(ctx)

	n, err := env.bridge.Deliver([]byte(samplePayload))
	if err != nil || n != 3 {
		t.Fatalf("Deliver = %d, %v", n, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(env.sub.submitted()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	events := env.sub.submitted()
	if len(events) != 2 {
		t.Fatalf("submitted %d events, want 2 (text and image)", len(events))
	}
	if events[0].ExternalID != "wamid.A" || events[1].ExternalID != "wamid.B" {
		t.Errorf("order = %s, %s", events[0].ExternalID, events[1].ExternalID)
	}
}

func TestBridge_DeliverMalformed(t *testing.T) {
	env := newBridgeEnv(t)
	if _, err := env.bridge.Deliver([]byte("not json")); err == nil {
		t.Error("expected an error")
	}
}

func TestSamePhone(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"15551234567", "+1 (555) 123-4567", true},
		{"15551234567", "15551234568", false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := samePhone(tt.a, tt.b); got != tt.want {
			t.Errorf("samePhone(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
