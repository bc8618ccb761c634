package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/nugget/dietbot/internal/whatsapp"
)

// maxWebhookBody bounds an inbound webhook delivery.
const maxWebhookBody = 1 << 20

// handleWebhookVerify answers Meta's subscription handshake by echoing
// hub.challenge.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := whatsapp.VerifyChallenge(
		q.Get("hub.mode"),
		q.Get("hub.verify_token"),
		q.Get("hub.challenge"),
		s.cfg.VerifyToken,
	)
	if !ok {
		s.logger.Warn("webhook verification failed", "mode", q.Get("hub.mode"))
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, challenge)
}

// handleWebhook verifies the signature of a delivery, hands it to the
// bridge and acknowledges at once; turns run in the background.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.errorResponse(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	if err := whatsapp.VerifySignature(s.cfg.AppSecret, body, r.Header.Get(whatsapp.SignatureHeader)); err != nil {
		s.logger.Warn("webhook signature rejected", "error", err, "remote", r.RemoteAddr)
		s.errorResponse(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if s.cfg.Webhook == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "messaging disabled")
		return
	}

	n, err := s.cfg.Webhook.Deliver(body)
	switch {
	case errors.Is(err, whatsapp.ErrInboxFull):
		s.errorResponse(w, http.StatusServiceUnavailable, "busy")
		return
	case err != nil:
		s.logger.Warn("malformed webhook payload", "error", err)
		s.errorResponse(w, http.StatusBadRequest, "bad payload")
		return
	}

	status := "received"
	if n == 0 {
		status = "ignored"
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": status}, s.logger)
}
