package config

import "time"

// QueueConfig contains dispatcher and per-agent queue configuration.
type QueueConfig struct {
	// MaxQueueDepth bounds how many items one agent queue holds before
	// Enqueue starts rejecting. Zero means unbounded.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// EnqueueWaitTimeout is the default ceiling for EnqueueAndWait when the
	// caller's context carries no deadline.
	EnqueueWaitTimeout time.Duration `yaml:"enqueue_wait_timeout"`

	// GracefulShutdownTimeout is the max time to wait for in-flight work
	// items to complete during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxQueueDepth:           256,
		EnqueueWaitTimeout:      10 * time.Minute,
		GracefulShutdownTimeout: 5 * time.Minute,
	}
}
