package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the HMAC of a webhook body.
const SignatureHeader = "X-Hub-Signature-256"

// Errors returned by VerifySignature.
var (
	ErrMissingSignature = errors.New("whatsapp: missing signature header")
	ErrBadSignature     = errors.New("whatsapp: signature mismatch")
)

// VerifySignature checks header, formatted "sha256=<hex>", against the
// HMAC-SHA256 of body keyed by the app secret.
func VerifySignature(secret string, body []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}
	algo, received, ok := strings.Cut(header, "=")
	if !ok || algo != "sha256" {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(received)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the header value VerifySignature accepts for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyChallenge answers the subscription handshake. It returns the
// challenge to echo when mode is "subscribe" and token matches.
func VerifyChallenge(mode, token, challenge, expected string) (string, bool) {
	if mode != "subscribe" || expected == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return "", false
	}
	return challenge, true
}

// Inbound message types.
const (
	TypeText  = "text"
	TypeImage = "image"
)

// Inbound is one user message extracted from a webhook delivery.
type Inbound struct {
	ID          string
	From        string
	ContactName string
	Timestamp   time.Time
	Type        string // text, image, or whatever WhatsApp reported

	// Text is the message body, or the caption for images.
	Text string

	MediaID  string
	MIMEType string
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				MessagingProduct string `json:"messaging_product"`
				Contacts         []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []wireMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type wireMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image *struct {
		ID       string `json:"id"`
		MIMEType string `json:"mime_type"`
		Caption  string `json:"caption"`
	} `json:"image"`
}

// ParseWebhook extracts the user messages of a webhook delivery. Status
// updates and other change kinds yield nothing.
func ParseWebhook(body []byte) ([]Inbound, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("parse webhook: %w", err)
	}

	var out []Inbound
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				if m.ID == "" || m.From == "" {
					continue
				}
				in := Inbound{
					ID:          m.ID,
					From:        m.From,
					ContactName: names[m.From],
					Timestamp:   parseUnix(m.Timestamp),
					Type:        m.Type,
				}
				switch {
				case m.Text != nil:
					in.Text = m.Text.Body
				case m.Image != nil:
					in.MediaID = m.Image.ID
					in.MIMEType = m.Image.MIMEType
					in.Text = m.Image.Caption
				}
				out = append(out, in)
			}
		}
	}
	return out, nil
}

func parseUnix(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
