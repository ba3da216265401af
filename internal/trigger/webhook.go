package trigger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"pipelines/internal/apperrors"
	"pipelines/pkg/cloudevent"
	"strings"
)

// GitHub webhook headers and event names
const (
	HeaderEvent     = "X-GitHub-Event"
	HeaderSignature = "X-Hub-Signature-256"
	HeaderDelivery  = "X-GitHub-Delivery"

	GitHubEventPush = "push"
	GitHubEventPing = "ping"

	signaturePrefix = "sha256="
)

// PushPayload is the subset of a GitHub push webhook used to build events.
type PushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// VerifySignature checks an X-Hub-Signature-256 header against the body.
// An empty secret disables verification.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return nil
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return apperrors.Unauthorized("missing or malformed webhook signature")
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return apperrors.Unauthorized("malformed webhook signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return apperrors.Unauthorized("webhook signature mismatch")
	}
	return nil
}

// Sign returns the X-Hub-Signature-256 header value for body.
// GitHub uses the same sha256=<hex> format as callback signatures.
func Sign(secret string, body []byte) string {
	return cloudevent.Sign(body, secret)
}

// ParsePush decodes a push payload into an event.
// ok is false for ref deletions, which never start a run.
func ParsePush(body []byte) (e Event, ok bool, err error) {
	var p PushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, false, apperrors.Validation("body", "invalid push payload")
	}
	if p.Deleted {
		return Event{}, false, nil
	}
	e, err = ParseRef(p.Ref)
	if err != nil {
		return Event{}, false, err
	}
	e.SHA = p.After
	e.Repository = p.Repository.FullName
	e.Source = SourceWebhook
	return e, true, nil
}
