// Package whatsapp talks to the Meta WhatsApp Business Cloud API: it sends
// text, image and template messages, downloads inbound media, verifies
// webhook signatures, and bridges inbound messages into the turn
// dispatcher.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/dietbot/internal/httpkit"
)

// MaxMediaBytes caps a single media download.
const MaxMediaBytes = 10 << 20

// Default Graph API coordinates.
const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v19.0"
)

// defaultTemplateLanguage is used when an Outbound template names no language.
const defaultTemplateLanguage = "en_US"

// service names the remote API in errors.
const service = "whatsapp"

// ErrMediaTooLarge is returned by DownloadMedia when the payload exceeds
// MaxMediaBytes.
var ErrMediaTooLarge = errors.New("whatsapp: media exceeds 10 MB")

// ClientConfig holds the Cloud API credentials and coordinates.
type ClientConfig struct {
	Token         string
	PhoneNumberID string
	APIVersion    string // default v19.0
	BaseURL       string // default https://graph.facebook.com
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Client is a minimal Cloud API client.
type Client struct {
	token   string
	phoneID string
	baseURL string // root plus version, no trailing slash
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a Cloud API client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpkit.NewClient(httpkit.WithTimeout(30 * time.Second))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		token:   cfg.Token,
		phoneID: cfg.PhoneNumberID,
		baseURL: strings.TrimRight(cfg.BaseURL, "/") + "/" + cfg.APIVersion,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger.With("component", "whatsapp"),
	}
}

// Outbound is one message to send. Exactly one of Text, ImageURL or
// Template must be set. Caption applies to images only.
type Outbound struct {
	Text       string
	PreviewURL bool

	ImageURL string
	Caption  string

	Template string
	Language string // template language, default en_US
}

func (o Outbound) payload(to string) (map[string]any, error) {
	kinds := 0
	for _, s := range []string{o.Text, o.ImageURL, o.Template} {
		if s != "" {
			kinds++
		}
	}
	if kinds != 1 {
		return nil, errors.New("outbound message needs exactly one of text, image url or template")
	}

	p := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
	}
	switch {
	case o.Text != "":
		p["type"] = "text"
		p["text"] = map[string]any{"body": o.Text, "preview_url": o.PreviewURL}
	case o.ImageURL != "":
		img := map[string]any{"link": o.ImageURL}
		if o.Caption != "" {
			img["caption"] = o.Caption
		}
		p["type"] = "image"
		p["image"] = img
	default:
		lang := o.Language
		if lang == "" {
			lang = defaultTemplateLanguage
		}
		p["type"] = "template"
		p["template"] = map[string]any{
			"name":     o.Template,
			"language": map[string]any{"code": lang},
		}
	}
	return p, nil
}

// Send delivers out to the given phone number and returns the message id
// assigned by WhatsApp.
func (c *Client) Send(ctx context.Context, to string, out Outbound) (string, error) {
	payload, err := out.payload(to)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	endpoint := c.baseURL + "/" + url.PathEscape(c.phoneID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	c.logger.Debug("whatsapp send", "to", to, "type", payload["type"])

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	if err := httpkit.CheckResponse(service, resp); err != nil {
		return "", err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var result struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	if len(result.Messages) == 0 || result.Messages[0].ID == "" {
		return "", errors.New("send response carried no message id")
	}
	return result.Messages[0].ID, nil
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	return c.Send(ctx, to, Outbound{Text: text})
}

// SendImage sends an image by URL with an optional caption.
func (c *Client) SendImage(ctx context.Context, to, imageURL, caption string) (string, error) {
	return c.Send(ctx, to, Outbound{ImageURL: imageURL, Caption: caption})
}

// SendTemplate sends a pre-approved template message in en_US.
func (c *Client) SendTemplate(ctx context.Context, to, template string) (string, error) {
	return c.Send(ctx, to, Outbound{Template: template})
}

// DownloadMedia resolves mediaID to its download URL and fetches the
// bytes. It returns the payload and its content type.
func (c *Client) DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	meta, err := c.mediaMeta(ctx, mediaID)
	if err != nil {
		return nil, "", err
	}
	if meta.FileSize > MaxMediaBytes {
		return nil, "", ErrMediaTooLarge
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create download request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	if err := httpkit.CheckResponse(service, resp); err != nil {
		return nil, "", err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if len(data) > MaxMediaBytes {
		return nil, "", ErrMediaTooLarge
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		if meta.MIMEType != "" {
			contentType = meta.MIMEType
		}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	c.logger.Debug("whatsapp media downloaded",
		"media_id", mediaID,
		"bytes", len(data),
		"content_type", contentType,
	)
	return data, contentType, nil
}

type mediaMeta struct {
	URL      string `json:"url"`
	MIMEType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

func (c *Client) mediaMeta(ctx context.Context, mediaID string) (*mediaMeta, error) {
	endpoint := c.baseURL + "/" + url.PathEscape(mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create media request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media metadata: %w", err)
	}
	if err := httpkit.CheckResponse(service, resp); err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var meta mediaMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode media metadata: %w", err)
	}
	if meta.URL == "" {
		return nil, fmt.Errorf("media %s: metadata carried no download url", mediaID)
	}
	return &meta, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}
