package api

import (
	"io"
	"log/slog"
	"net/http"
	"pipelines/internal/trigger"
)

// GitHubWebhook handles POST /v1/webhooks/github. Pings are answered, push
// events trigger runs, deletions and other event types are acknowledged and
// ignored.
func (h *Handler) GitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "webhook body too large")
		return
	}
	if err := trigger.VerifySignature(h.webhookSecret, body, r.Header.Get(trigger.HeaderSignature)); err != nil {
		h.handleError(w, r, err)
		return
	}

	logger := slog.With("delivery", r.Header.Get(trigger.HeaderDelivery))
	switch kind := r.Header.Get(trigger.HeaderEvent); kind {
	case trigger.GitHubEventPing:
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	case trigger.GitHubEventPush:
	default:
		logger.Debug("Webhook event ignored", "event", kind)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "reason": "unsupported event " + kind})
		return
	}

	e, ok, err := trigger.ParsePush(body)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !ok {
		logger.Info("Ref deletion ignored")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "reason": "ref deleted"})
		return
	}

	created, err := h.runs.Trigger(r.Context(), e)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}
