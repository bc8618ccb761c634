package httpkit

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewClient_DefaultTimeout(t *testing.T) {
	c := NewClient()
	if c.Timeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", c.Timeout)
	}
}

func TestNewClient_CustomTimeout(t *testing.T) {
	c := NewClient(WithTimeout(5 * time.Second))
	if c.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", c.Timeout)
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	tests := []struct {
		name string
		opts []ClientOption
		want func(string) bool
	}{
		{"default", nil, func(ua string) bool { return strings.HasPrefix(ua, "DietBot/") }},
		{"override", []ClientOption{WithUserAgent("TestBot/1.0")}, func(ua string) bool { return ua == "TestBot/1.0" }},
		{"disabled", []ClientOption{WithoutUserAgent()}, func(ua string) bool { return strings.HasPrefix(ua, "Go-http-client") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := NewClient(tt.opts...).Get(srv.URL)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if !tt.want(string(body)) {
				t.Errorf("unexpected User-Agent %q", body)
			}
		})
	}
}

func TestNewClient_KeepsExplicitUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "Custom/2.0")
	resp, err := NewClient().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Custom/2.0" {
		t.Errorf("User-Agent = %q, want Custom/2.0", body)
	}
}

func TestStatusError_Temporary(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{400, false},
		{401, false},
		{403, false},
		{404, false},
		{408, true},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
	}
	for _, tt := range tests {
		e := &StatusError{Service: "test", StatusCode: tt.code}
		if got := e.Temporary(); got != tt.want {
			t.Errorf("StatusError{%d}.Temporary() = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestCheckResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"upstream"}`))
	}))
	defer srv.Close()

	c := NewClient()

	resp, err := c.Get(srv.URL + "/ok")
	if err != nil {
		t.Fatal(err)
	}
	if err := CheckResponse("svc", resp); err != nil {
		t.Errorf("CheckResponse(200) = %v, want nil", err)
	}
	resp.Body.Close()

	resp, err = c.Get(srv.URL + "/fail")
	if err != nil {
		t.Fatal(err)
	}
	err = CheckResponse("svc", resp)
	se, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("CheckResponse(502) = %T, want *StatusError", err)
	}
	if se.StatusCode != 502 || !strings.Contains(se.Body, "upstream") {
		t.Errorf("StatusError = %+v", se)
	}
	if !strings.Contains(se.Error(), "svc API error 502") {
		t.Errorf("Error() = %q", se.Error())
	}
}

func TestReadErrorBody_Nil(t *testing.T) {
	if got := ReadErrorBody(nil, 100); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q, want empty", got)
	}
}

func TestReadErrorBody_Truncates(t *testing.T) {
	rc := io.NopCloser(strings.NewReader(strings.Repeat("x", 500)))
	if got := ReadErrorBody(rc, 10); len(got) != 10 {
		t.Errorf("len(ReadErrorBody) = %d, want 10", len(got))
	}
}
