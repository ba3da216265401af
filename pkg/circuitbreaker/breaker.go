// Package circuitbreaker stops calls to a destination after repeated failures
// and lets a single probe through once a cooldown has passed.
package circuitbreaker

import (
	"sync"
	"time"
)

// State of a breaker.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// Config for breakers. Zero values use defaults.
type Config struct {
	Threshold int           // consecutive failures before opening (default: 5)
	Cooldown  time.Duration // open duration before a probe (default: 30s)
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

type breaker struct {
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// Set holds one breaker per destination key. Breakers are created on first use.
type Set struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*breaker
	now      func() time.Time
}

// NewSet creates an empty breaker set.
func NewSet(cfg Config) *Set {
	return &Set{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

func (s *Set) get(key string) *breaker {
	b, ok := s.breakers[key]
	if !ok {
		b = &breaker{state: Closed}
		s.breakers[key] = b
	}
	return b
}

// Allow reports whether a call to key may proceed. In the half-open state
// only one probe is allowed until its outcome is recorded.
func (s *Set) Allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(key)
	switch b.state {
	case Open:
		if s.now().Sub(b.openedAt) < s.cfg.Cooldown {
			return false
		}
		b.state = HalfOpen
		b.probing = true
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// Success closes the breaker for key.
func (s *Set) Success(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(key)
	b.state = Closed
	b.failures = 0
	b.probing = false
}

// Failure counts a failed call. A failed probe reopens the breaker.
func (s *Set) Failure(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(key)
	b.failures++
	b.probing = false
	if b.state == HalfOpen || b.failures >= s.cfg.Threshold {
		b.state = Open
		b.openedAt = s.now()
	}
}

// State returns the state of the breaker for key.
func (s *Set) State(key string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[key]; ok {
		return b.state
	}
	return Closed
}

// OpenCount returns how many breakers are open or half-open.
func (s *Set) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.breakers {
		if b.state != Closed {
			n++
		}
	}
	return n
}
