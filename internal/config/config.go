// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// Executor kinds.
const (
	ExecutorShell  = "shell"
	ExecutorDocker = "docker"
)

// Store kinds.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// ServiceConfig holds configuration for the pipeline service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	LogLevel          string
	LogFormat         string // json or text

	WorkflowFile string // empty uses the built-in workflow
	SourceDir    string // checkout copied into every instance workspace
	Executor     string
	WorkspaceDir string // parent of instance workspaces; empty uses the system temp dir
	MaxParallel  int

	DockerNetwork    string
	DockerExtraHosts []string

	Store string
	DBURL string

	AMQPURL      string // empty disables the queue consumer
	AMQPQueue    string
	AMQPPrefetch int

	WebhookSecret string
	CallbackURL   string // empty disables lifecycle events
	CallbackKey   string

	// Secrets exposed to jobs by name (e.g. PYPI_API_TOKEN).
	SecretNames []string
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		LogLevel:          GetEnv("LOG_LEVEL", "info"),
		LogFormat:         GetEnv("LOG_FORMAT", "json"),

		WorkflowFile: GetEnv("WORKFLOW_FILE", ""),
		SourceDir:    GetEnv("SOURCE_DIR", "."),
		Executor:     GetEnv("EXECUTOR", ExecutorShell),
		WorkspaceDir: GetEnv("WORKSPACE_DIR", ""),
		MaxParallel:  GetIntEnv("MAX_PARALLEL", 4),

		DockerNetwork:    GetEnv("DOCKER_NETWORK", ""),
		DockerExtraHosts: GetListEnv("DOCKER_EXTRA_HOSTS", nil),

		Store: GetEnv("STORE", StoreMemory),
		DBURL: GetEnv("DB_URL", ""),

		AMQPURL:      GetEnv("AMQP_URL", ""),
		AMQPQueue:    GetEnv("AMQP_QUEUE", "pipelines.triggers"),
		AMQPPrefetch: GetIntEnv("AMQP_PREFETCH", 1),

		WebhookSecret: GetSecretFile(GetEnv("WEBHOOK_SECRET_FILE", "")),
		CallbackURL:   GetEnv("CALLBACK_URL", ""),
		CallbackKey:   GetSecretFile(GetEnv("CALLBACK_KEY_FILE", "")),

		SecretNames: GetListEnv("JOB_SECRETS", []string{"PYPI_API_TOKEN", "TEST_PYPI_API_TOKEN"}),
	}
}

// Secrets resolves every configured secret name. Unset secrets are omitted.
func (c *ServiceConfig) Secrets() map[string]string {
	out := make(map[string]string, len(c.SecretNames))
	for _, name := range c.SecretNames {
		if v := GetSecret(name); v != "" {
			out[name] = v
		}
	}
	return out
}
