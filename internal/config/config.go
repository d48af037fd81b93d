package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable for the server core: data socket, worker pool
// sizing, timeout and recycling policy, crash-loop escalation, and the admin
// surface. A Config is immutable once a supervisor starts with it; a rolling
// reload replaces workers under the same Config.
type Config struct {
	// BindAddr is the data socket address: "host:port" for TCP or
	// "unix:/path" for a Unix domain socket.
	BindAddr string

	// AdminAddr is the control-plane listen address. Empty disables the
	// admin server.
	AdminAddr string

	// AdminToken protects mutating admin endpoints when non-empty.
	AdminToken string

	// Workers is the pool size N.
	Workers int

	// RequestTimeout bounds a single handler invocation. A worker whose
	// request exceeds it is retired and replaced.
	RequestTimeout time.Duration

	// GracePeriod bounds graceful shutdown: in-flight requests get this
	// long to finish before their connections are force-closed.
	GracePeriod time.Duration

	// KeepAlive bounds how long an idle kept-alive connection is held
	// before the worker closes it and returns to accept.
	KeepAlive time.Duration

	// StartupTimeout bounds how long a spawned worker may take to reach
	// Idle, both at startup and during a rolling reload.
	StartupTimeout time.Duration

	// HeartbeatGrace is added to RequestTimeout when the health monitor
	// decides whether a worker is overdue.
	HeartbeatGrace time.Duration

	// MonitorInterval is the health monitor poll period. Zero derives
	// RequestTimeout/2.
	MonitorInterval time.Duration

	// MaxRequests recycles a worker after it has served this many
	// requests. Zero disables recycling.
	MaxRequests int

	// MaxRequestsJitter widens MaxRequests by a random 0..jitter offset
	// per worker so the pool does not recycle in lockstep.
	MaxRequestsJitter int

	// CrashLoopLimit and CrashLoopWindow bound respawn churn: more than
	// CrashLoopLimit crash-class exits inside CrashLoopWindow is fatal.
	CrashLoopLimit  int
	CrashLoopWindow time.Duration

	// EventBufferSize caps the in-memory lifecycle event ring served by
	// the admin API.
	EventBufferSize int

	// OTelExporter selects the OpenTelemetry exporter: none, stdout,
	// otlp-grpc or otlp-http. OTelEndpoint is the OTLP collector address.
	OTelExporter string
	OTelEndpoint string
}

// Default returns a Config populated with the package defaults.
func Default() *Config {
	return &Config{
		BindAddr:        DefaultBindAddr,
		AdminAddr:       DefaultAdminAddr,
		Workers:         DefaultWorkers,
		RequestTimeout:  DefaultRequestTimeout,
		GracePeriod:     DefaultGracePeriod,
		KeepAlive:       DefaultKeepAlive,
		StartupTimeout:  DefaultStartupTimeout,
		HeartbeatGrace:  DefaultHeartbeatGrace,
		CrashLoopLimit:  DefaultCrashLoopLimit,
		CrashLoopWindow: DefaultCrashLoopWindow,
		EventBufferSize: DefaultEventBufferSize,
		OTelExporter:    "none",
	}
}

// ApplyEnv overlays PREFORKD_* environment variables onto c. Malformed
// values are ignored in favor of the existing setting, matching flag
// precedence: defaults < environment < flags.
func (c *Config) ApplyEnv() {
	c.BindAddr = getEnvOrDefault("PREFORKD_BIND", c.BindAddr)
	c.AdminAddr = getEnvOrDefault("PREFORKD_ADMIN_ADDR", c.AdminAddr)
	c.AdminToken = getEnvOrDefault("PREFORKD_ADMIN_TOKEN", c.AdminToken)
	c.Workers = getEnvAsIntOrDefault("PREFORKD_WORKERS", c.Workers)
	c.RequestTimeout = getEnvAsDurationOrDefault("PREFORKD_TIMEOUT", c.RequestTimeout)
	c.GracePeriod = getEnvAsDurationOrDefault("PREFORKD_GRACE_PERIOD", c.GracePeriod)
	c.KeepAlive = getEnvAsDurationOrDefault("PREFORKD_KEEPALIVE", c.KeepAlive)
	c.MaxRequests = getEnvAsIntOrDefault("PREFORKD_MAX_REQUESTS", c.MaxRequests)
	c.MaxRequestsJitter = getEnvAsIntOrDefault("PREFORKD_MAX_REQUESTS_JITTER", c.MaxRequestsJitter)
	c.CrashLoopLimit = getEnvAsIntOrDefault("PREFORKD_CRASH_LOOP_LIMIT", c.CrashLoopLimit)
	c.CrashLoopWindow = getEnvAsDurationOrDefault("PREFORKD_CRASH_LOOP_WINDOW", c.CrashLoopWindow)
	c.OTelExporter = getEnvOrDefault("PREFORKD_OTEL_EXPORTER", c.OTelExporter)
	c.OTelEndpoint = getEnvOrDefault("PREFORKD_OTEL_ENDPOINT", c.OTelEndpoint)
}

// Validate rejects configurations the supervisor cannot run with.
func (c *Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("bind address must not be empty")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.RequestTimeout < MinRequestTimeout {
		return fmt.Errorf("request timeout must be >= %s, got %s", MinRequestTimeout, c.RequestTimeout)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace period must not be negative, got %s", c.GracePeriod)
	}
	if c.StartupTimeout <= 0 {
		return fmt.Errorf("startup timeout must be positive, got %s", c.StartupTimeout)
	}
	if c.MaxRequests < 0 {
		return fmt.Errorf("max requests must not be negative, got %d", c.MaxRequests)
	}
	if c.MaxRequestsJitter < 0 {
		return fmt.Errorf("max requests jitter must not be negative, got %d", c.MaxRequestsJitter)
	}
	if c.CrashLoopLimit < 1 {
		return fmt.Errorf("crash loop limit must be >= 1, got %d", c.CrashLoopLimit)
	}
	if c.CrashLoopWindow <= 0 {
		return fmt.Errorf("crash loop window must be positive, got %s", c.CrashLoopWindow)
	}
	switch c.OTelExporter {
	case "", "none", "stdout", "otlp-grpc", "otlp-http":
	default:
		return fmt.Errorf("unknown otel exporter %q", c.OTelExporter)
	}
	return nil
}

// EffectiveMonitorInterval resolves the health monitor poll period.
func (c *Config) EffectiveMonitorInterval() time.Duration {
	if c.MonitorInterval > 0 {
		return c.MonitorInterval
	}
	return c.RequestTimeout / 2
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
