package cloudevent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPermanent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"400", &HTTPError{StatusCode: 400}, true},
		{"404", &HTTPError{StatusCode: 404}, true},
		{"408 retried", &HTTPError{StatusCode: 408}, false},
		{"429 retried", &HTTPError{StatusCode: 429}, false},
		{"500", &HTTPError{StatusCode: 500}, false},
		{"wrapped 410", fmt.Errorf("deliver: %w", &HTTPError{StatusCode: 410}), true},
		{"network", context.DeadlineExceeded, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Permanent(tt.err); got != tt.want {
				t.Errorf("Permanent(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSign(t *testing.T) {
	t.Parallel()
	body := []byte(`{"type":"pipelines.run.start"}`)

	sig := Sign(body, "key")
	if len(sig) != len("sha256=")+64 || sig[:7] != "sha256=" {
		t.Fatalf("Sign() = %q, want sha256=<64 hex chars>", sig)
	}
	if Sign(body, "key") != sig {
		t.Error("Sign() is not deterministic")
	}
	if Sign(body, "other") == sig {
		t.Error("different keys produced the same signature")
	}
}

func TestSender_Send(t *testing.T) {
	t.Parallel()

	var (
		gotHeaders http.Header
		gotBody    []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	event := New("pipelines.run.complete", "/pipelines", "run-1", map[string]any{"state": "succeeded"})
	s := NewSender(5 * time.Second)
	if err := s.Send(context.Background(), srv.URL, event, "secret"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got := gotHeaders.Get("Content-Type"); got != "application/cloudevents+json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := gotHeaders.Get("Ce-Type"); got != "pipelines.run.complete" {
		t.Errorf("Ce-Type = %q", got)
	}
	if got := gotHeaders.Get("Ce-Subject"); got != "run-1" {
		t.Errorf("Ce-Subject = %q", got)
	}
	if got := gotHeaders.Get(SignatureHeader); got != Sign(gotBody, "secret") {
		t.Errorf("%s = %q, want signature of body", SignatureHeader, got)
	}

	var decoded CloudEvent
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if decoded.ID != event.ID || decoded.SpecVersion != SpecVersion {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestSender_SendErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SignatureHeader) != "" {
			t.Error("unsigned send carried a signature")
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewSender(time.Second).Send(context.Background(), srv.URL, New("t", "s", "", nil), "")
	he, ok := err.(*HTTPError)
	if !ok || he.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Send() error = %v, want HTTP 503", err)
	}
}
