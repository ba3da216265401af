// Package trigger defines source-control trigger events and their parsing.
package trigger

import (
	"fmt"
	"pipelines/internal/apperrors"
	"strings"
)

// Kind identifies what a ref points at.
type Kind string

// Ref kinds
const (
	KindBranch Kind = "branch"
	KindTag    Kind = "tag"
)

// Event sources
const (
	SourceAPI     = "api"
	SourceWebhook = "webhook"
	SourceQueue   = "queue"
	SourceCLI     = "cli"
)

const (
	branchPrefix = "refs/heads/"
	tagPrefix    = "refs/tags/"

	maxRefNameLength = 255
)

// Event is a source-control event that may start a pipeline run.
// Only Kind and Name take part in trigger filtering and guards.
type Event struct {
	Kind       Kind   `json:"kind"`
	Name       string `json:"name"`
	SHA        string `json:"sha,omitempty"`
	Repository string `json:"repository,omitempty"`
	Source     string `json:"source,omitempty"`
}

// New builds an event from an explicit kind and name.
func New(kind Kind, name string) (Event, error) {
	e := Event{Kind: kind, Name: name}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// ParseRef builds an event from a full git ref such as refs/heads/main or refs/tags/v1.2.3.
func ParseRef(ref string) (Event, error) {
	var e Event
	switch {
	case strings.HasPrefix(ref, branchPrefix):
		e = Event{Kind: KindBranch, Name: strings.TrimPrefix(ref, branchPrefix)}
	case strings.HasPrefix(ref, tagPrefix):
		e = Event{Kind: KindTag, Name: strings.TrimPrefix(ref, tagPrefix)}
	case ref == "":
		return Event{}, apperrors.Validation("ref", "ref is required")
	default:
		return Event{}, apperrors.Validationf("ref", "unsupported ref %q (want refs/heads/<name> or refs/tags/<name>)", ref)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Validate checks the kind and name. Metadata fields are not checked.
func (e Event) Validate() error {
	switch e.Kind {
	case KindBranch, KindTag:
	case "":
		return apperrors.Validation("kind", "ref kind is required")
	default:
		return apperrors.Validationf("kind", "ref kind must be %q or %q, got %q", KindBranch, KindTag, e.Kind)
	}
	if e.Name == "" {
		return apperrors.Validation("name", "ref name is required")
	}
	if len(e.Name) > maxRefNameLength {
		return apperrors.Validationf("name", "ref name exceeds maximum length of %d", maxRefNameLength)
	}
	if strings.ContainsAny(e.Name, " \t\n\x00") {
		return apperrors.Validation("name", "ref name must not contain whitespace")
	}
	return nil
}

// Ref returns the full git ref for the event.
func (e Event) Ref() string {
	if e.Kind == KindTag {
		return tagPrefix + e.Name
	}
	return branchPrefix + e.Name
}

// IsBranch reports whether the event names a branch.
func (e Event) IsBranch() bool { return e.Kind == KindBranch }

// IsTag reports whether the event names a tag.
func (e Event) IsTag() bool { return e.Kind == KindTag }

func (e Event) String() string {
	return fmt.Sprintf("%s %s", e.Kind, e.Name)
}
