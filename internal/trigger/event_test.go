package trigger

import (
	"errors"
	"pipelines/internal/apperrors"
	"strings"
	"testing"
)

func TestParseRef(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		ref      string
		wantKind Kind
		wantName string
		wantErr  string
	}{
		{name: "branch", ref: "refs/heads/main", wantKind: KindBranch, wantName: "main"},
		{name: "nested branch", ref: "refs/heads/feature/login", wantKind: KindBranch, wantName: "feature/login"},
		{name: "tag", ref: "refs/tags/v1.2.3", wantKind: KindTag, wantName: "v1.2.3"},
		{name: "empty", ref: "", wantErr: "ref is required"},
		{name: "short name", ref: "main", wantErr: "unsupported ref"},
		{name: "pull ref", ref: "refs/pull/1/head", wantErr: "unsupported ref"},
		{name: "empty branch name", ref: "refs/heads/", wantErr: "ref name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, err := ParseRef(tt.ref)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Expected error containing %q", tt.wantErr)
				}
				if !errors.Is(err, apperrors.ErrValidation) {
					t.Errorf("Expected validation error, got %v", err)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("Expected error containing %q, got %q", tt.wantErr, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if e.Kind != tt.wantKind || e.Name != tt.wantName {
				t.Errorf("Got %s, want %s %s", e, tt.wantKind, tt.wantName)
			}
			if e.Ref() != tt.ref {
				t.Errorf("Ref() = %q, want %q", e.Ref(), tt.ref)
			}
		})
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		kind    Kind
		refName string
		wantErr bool
	}{
		{"branch", KindBranch, "develop", false},
		{"tag", KindTag, "v0.1.0", false},
		{"missing kind", "", "main", true},
		{"unknown kind", "commit", "abc", true},
		{"missing name", KindBranch, "", true},
		{"whitespace", KindBranch, "bad name", true},
		{"too long", KindTag, strings.Repeat("x", maxRefNameLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.kind, tt.refName)
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%q, %q) error = %v, wantErr %v", tt.kind, tt.refName, err, tt.wantErr)
			}
		})
	}
}

func TestEventPredicates(t *testing.T) {
	t.Parallel()
	branch := Event{Kind: KindBranch, Name: "main"}
	tag := Event{Kind: KindTag, Name: "v1.0.0"}

	if !branch.IsBranch() || branch.IsTag() {
		t.Error("Expected branch event to be a branch only")
	}
	if !tag.IsTag() || tag.IsBranch() {
		t.Error("Expected tag event to be a tag only")
	}
	if tag.String() != "tag v1.0.0" {
		t.Errorf("Unexpected String(): %q", tag.String())
	}
}
