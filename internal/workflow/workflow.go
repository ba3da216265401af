// Package workflow declares pipeline workflows: trigger filters, jobs, their
// dependencies, guards, matrices and steps.
package workflow

import (
	"time"
)

// DefaultTimeout applies to jobs that declare no timeout.
const DefaultTimeout = 30 * time.Minute

// Workflow is a named, event-triggered graph of jobs.
type Workflow struct {
	Name string
	On   Filter
	Jobs []*Job // declaration order
}

// Job is a static job declaration. A job expands into one instance per matrix cell.
type Job struct {
	Name        string
	Needs       []string
	When        *Filter // guard; nil always holds
	Matrix      Matrix
	Image       string // may reference ${{ matrix.<axis> }}
	Env         map[string]string
	Steps       []Step
	Credentials []Credential
	Timeout     time.Duration
}

// Step is one shell command of a job. Setup steps prepare the toolchain.
type Step struct {
	Name  string `yaml:"name" hcl:"name,optional"`
	Run   string `yaml:"run" hcl:"run"`
	Setup bool   `yaml:"setup" hcl:"setup,optional"`
}

// Credential is a credentials file rebuilt from secrets before a job runs.
// Path is relative to the workspace root.
type Credential struct {
	Path     string
	Sections []CredentialSection
}

// CredentialSection is one named index section of a credentials file.
type CredentialSection struct {
	Name           string `yaml:"name" hcl:"name,label"`
	Username       string `yaml:"username" hcl:"username"`
	PasswordSecret string `yaml:"password_secret" hcl:"password_secret"`
}

// Job returns the named job, or nil.
func (w *Workflow) Job(name string) *Job {
	for _, j := range w.Jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}

// EffectiveTimeout returns the job timeout, or DefaultTimeout when unset.
func (j *Job) EffectiveTimeout() time.Duration {
	if j.Timeout > 0 {
		return j.Timeout
	}
	return DefaultTimeout
}
