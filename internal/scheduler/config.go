package scheduler

import "time"

// Config controls scheduler intervals and windows.
type Config struct {
	RunInterval time.Duration
	// CleanupWindow is how old abandoned checkout data must be before the
	// cleanup job removes it.
	CleanupWindow time.Duration
	// SweepOverdue is how far past due a manual-debit subscription may be
	// before the sweep forces a renewal attempt.
	SweepOverdue time.Duration
	// PollAfter is how long an input/pending payment must sit untouched
	// before its provider is re-polled.
	PollAfter time.Duration
	PollBatch int
	// EnabledJobs restricts which jobs run; empty means all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:   5 * time.Minute,
		CleanupWindow: 12 * time.Hour,
		SweepOverdue:  4 * 24 * time.Hour,
		PollAfter:     time.Hour,
		PollBatch:     50,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.CleanupWindow <= 0 {
		c.CleanupWindow = defaults.CleanupWindow
	}
	if c.SweepOverdue <= 0 {
		c.SweepOverdue = defaults.SweepOverdue
	}
	if c.PollAfter <= 0 {
		c.PollAfter = defaults.PollAfter
	}
	if c.PollBatch <= 0 {
		c.PollBatch = defaults.PollBatch
	}
	return c
}
