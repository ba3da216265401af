package workflow

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"pipelines/internal/apperrors"
	"regexp"
	"strings"
)

// Validation limits
const (
	maxJobs        = 64
	maxSteps       = 128
	maxMatrixCells = 256
	maxTimeout     = 24 * 60 * 60 // seconds
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Validate checks the workflow for unknown needs, cycles, empty steps,
// invalid matrices, bad patterns, unresolved templates and unsafe
// credentials paths.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return apperrors.Validation("name", "workflow name is required")
	}
	if w.On.Empty() {
		return apperrors.Validation("on", "workflow must track at least one branch or tag pattern")
	}
	if err := validatePatterns("on", w.On); err != nil {
		return err
	}
	if len(w.Jobs) == 0 {
		return apperrors.Validation("jobs", "workflow has no jobs")
	}
	if len(w.Jobs) > maxJobs {
		return apperrors.Validationf("jobs", "jobs exceed maximum of %d", maxJobs)
	}

	seen := make(map[string]bool, len(w.Jobs))
	for _, j := range w.Jobs {
		if !namePattern.MatchString(j.Name) {
			return apperrors.Validationf("jobs", "invalid job name %q", j.Name)
		}
		if seen[j.Name] {
			return apperrors.Validationf("jobs", "duplicate job %q", j.Name)
		}
		seen[j.Name] = true
	}

	for _, j := range w.Jobs {
		if err := j.validate(); err != nil {
			return err
		}
		for _, need := range j.Needs {
			if need == j.Name {
				return apperrors.Validationf(j.field("needs"), "job %q needs itself", j.Name)
			}
			if !seen[need] {
				return apperrors.Validationf(j.field("needs"), "job %q needs unknown job %q", j.Name, need)
			}
		}
	}

	if _, err := w.Order(); err != nil {
		return apperrors.Validation("jobs", err.Error())
	}
	return nil
}

func (j *Job) field(name string) string {
	return fmt.Sprintf("jobs.%s.%s", j.Name, name)
}

func (j *Job) validate() error {
	if len(j.Steps) == 0 {
		return apperrors.Validationf(j.field("steps"), "job %q has no steps", j.Name)
	}
	if len(j.Steps) > maxSteps {
		return apperrors.Validationf(j.field("steps"), "steps exceed maximum of %d", maxSteps)
	}
	for i, s := range j.Steps {
		if strings.TrimSpace(s.Run) == "" {
			return apperrors.Validationf(j.field("steps"), "step %d of job %q has no command", i, j.Name)
		}
	}

	if j.When != nil {
		if j.When.Empty() {
			return apperrors.Validationf(j.field("when"), "guard of job %q has no patterns", j.Name)
		}
		if err := validatePatterns(j.field("when"), *j.When); err != nil {
			return err
		}
	}

	if err := j.validateMatrix(); err != nil {
		return err
	}

	if j.Timeout < 0 || j.Timeout.Seconds() > maxTimeout {
		return apperrors.Validationf(j.field("timeout"), "timeout must be between 0 and %d seconds", maxTimeout)
	}

	// Every expression must resolve for every cell.
	known := map[string]bool{"ref.kind": true, "ref.name": true}
	for _, a := range j.Matrix {
		known["matrix."+a.Name] = true
	}
	templated := []string{j.Image}
	for _, v := range j.Env {
		templated = append(templated, v)
	}
	for _, s := range j.Steps {
		templated = append(templated, s.Run)
	}
	for _, t := range templated {
		for _, ref := range References(t) {
			if !known[ref] {
				return apperrors.Validationf(j.field("image"), "job %q references unknown expression %q", j.Name, ref)
			}
		}
	}

	for _, c := range j.Credentials {
		if err := ValidateRelativePath(c.Path); err != nil {
			return apperrors.Validationf(j.field("credentials"), "credentials path %q: %v", c.Path, err)
		}
		if len(c.Sections) == 0 {
			return apperrors.Validationf(j.field("credentials"), "credentials file %q has no sections", c.Path)
		}
		names := make(map[string]bool, len(c.Sections))
		for _, s := range c.Sections {
			if s.Name == "" || strings.ContainsAny(s.Name, "[]\n") {
				return apperrors.Validationf(j.field("credentials"), "invalid section name %q", s.Name)
			}
			if names[s.Name] {
				return apperrors.Validationf(j.field("credentials"), "duplicate section %q", s.Name)
			}
			names[s.Name] = true
			if s.Username == "" || s.PasswordSecret == "" {
				return apperrors.Validationf(j.field("credentials"), "section %q needs a username and password secret", s.Name)
			}
		}
	}
	return nil
}

func (j *Job) validateMatrix() error {
	cells := 1
	axes := make(map[string]bool, len(j.Matrix))
	for _, a := range j.Matrix {
		if !namePattern.MatchString(a.Name) {
			return apperrors.Validationf(j.field("matrix"), "invalid matrix axis %q", a.Name)
		}
		if axes[a.Name] {
			return apperrors.Validationf(j.field("matrix"), "duplicate matrix axis %q", a.Name)
		}
		axes[a.Name] = true
		if len(a.Values) == 0 {
			return apperrors.Validationf(j.field("matrix"), "matrix axis %q has no values", a.Name)
		}
		values := make(map[string]bool, len(a.Values))
		for _, v := range a.Values {
			if v == "" {
				return apperrors.Validationf(j.field("matrix"), "matrix axis %q has an empty value", a.Name)
			}
			if values[v] {
				return apperrors.Validationf(j.field("matrix"), "matrix axis %q repeats value %q", a.Name, v)
			}
			values[v] = true
		}
		cells *= len(a.Values)
		if cells > maxMatrixCells {
			return apperrors.Validationf(j.field("matrix"), "matrix exceeds maximum of %d cells", maxMatrixCells)
		}
	}
	return nil
}

func validatePatterns(field string, f Filter) error {
	for _, p := range append(append([]string{}, f.Branches...), f.Tags...) {
		if _, err := path.Match(p, ""); err != nil {
			return apperrors.Validationf(field, "invalid pattern %q", p)
		}
	}
	return nil
}

// ValidateRelativePath rejects absolute paths and paths escaping the workspace.
func ValidateRelativePath(p string) error {
	if p == "" {
		return errors.New("path is required")
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return errors.New("path must be relative")
	}
	clean := filepath.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return errors.New("path must stay inside the workspace")
	}
	return nil
}
