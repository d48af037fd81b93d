package config

import "time"

// Default configuration constants for the server core and admin surface
const (
	DefaultBindAddr        = ":8000"
	DefaultAdminAddr       = "127.0.0.1:9901"
	DefaultWorkers         = 4
	DefaultRequestTimeout  = 30 * time.Second
	DefaultGracePeriod     = 30 * time.Second
	DefaultKeepAlive       = 5 * time.Second
	DefaultStartupTimeout  = 10 * time.Second
	DefaultHeartbeatGrace  = 2 * time.Second
	DefaultCrashLoopLimit  = 5
	DefaultCrashLoopWindow = 30 * time.Second
	DefaultEventBufferSize = 512
	MinRequestTimeout      = 100 * time.Millisecond
)
