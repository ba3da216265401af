package dispatcher

import (
	"pipelines/internal/config"
	"pipelines/pkg/backoff"
	"pipelines/pkg/circuitbreaker"
	"time"
)

// Config for the queue dispatcher. Zero values use defaults.
type Config struct {
	BufferSize  int           // default: 1000
	Workers     int           // default: 4
	HTTPTimeout time.Duration // default: 10s
	MaxRetries  int           // default: 3
	Backoff     backoff.Policy
	Breaker     circuitbreaker.Config
}

// LoadConfigFromEnv reads DISPATCHER_* variables.
func LoadConfigFromEnv() Config {
	return Config{
		BufferSize:  config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("DISPATCHER_WORKERS", 4),
		HTTPTimeout: config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:  config.GetIntEnv("DISPATCHER_MAX_RETRIES", 3),
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	return c
}
