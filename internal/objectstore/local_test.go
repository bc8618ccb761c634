package objectstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nugget/dietbot/internal/retry"
)

func TestLocal_PutGetURL(t *testing.T) {
	store, err := NewLocal(t.TempDir(), "https://bot.example.com/media/")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	got, err := store.Put(ctx, "users/primary/abc.jpg", []byte("jpeg"), "image/jpeg")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got != "users/primary/abc.jpg" {
		t.Errorf("Put path = %q", got)
	}

	data, err := store.Get(ctx, got)
	if err != nil || string(data) != "jpeg" {
		t.Fatalf("Get = %q, %v", data, err)
	}

	url, _ := store.URL(ctx, got)
	if url != "https://bot.example.com/media/users/primary/abc.jpg" {
		t.Errorf("URL = %q", url)
	}
}

func TestLocal_RejectsEscapes(t *testing.T) {
	store, _ := NewLocal(t.TempDir(), "")
	for _, p := range []string{"", "/etc/passwd", "../secret", "users/../../x"} {
		if _, err := store.Put(context.Background(), p, []byte("x"), "text/plain"); err == nil {
			t.Errorf("Put(%q) accepted", p)
		}
	}
}

func TestLocal_GetMissing(t *testing.T) {
	store, _ := NewLocal(t.TempDir(), "")
	if _, err := store.Get(context.Background(), "nope.png"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestLocal_Handler(t *testing.T) {
	store, _ := NewLocal(t.TempDir(), "")
	store.Put(context.Background(), "reports/primary/report_2025-06-01.png", []byte("png"), "image/png")

	srv := httptest.NewServer(http.StripPrefix("/media/", store.Handler()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/media/reports/primary/report_2025-06-01.png")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 || string(body) != "png" {
		t.Errorf("GET object = %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/media/reports/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("directory listing status = %d, want 404", resp.StatusCode)
	}
}

type flakyStore struct {
	Store
	failures int
	calls    int
}

func (f *flakyStore) Put(ctx context.Context, p string, data []byte, ct string) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", retry.Transient(errors.New("backend unavailable"))
	}
	return f.Store.Put(ctx, p, data, ct)
}

func TestRetrying_Put(t *testing.T) {
	local, _ := NewLocal(t.TempDir(), "")
	flaky := &flakyStore{Store: local, failures: 2}
	store := WithRetry(flaky, retry.Policy{Attempts: 3, InitialDelay: time.Millisecond})

	if _, err := store.Put(context.Background(), "a.txt", []byte("a"), "text/plain"); err != nil {
		t.Fatalf("Put after 2 transient failures: %v", err)
	}
	if flaky.calls != 3 {
		t.Errorf("calls = %d, want 3", flaky.calls)
	}

	flaky.calls, flaky.failures = 0, 5
	if _, err := store.Put(context.Background(), "b.txt", []byte("b"), "text/plain"); err == nil {
		t.Fatal("Put succeeded after exhausting retries")
	}
	if flaky.calls != 3 {
		t.Errorf("calls = %d, want 3", flaky.calls)
	}
}
