package coordinator

import (
	"time"

	"go.uber.org/zap"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger replaces the coordinator's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock replaces the revision clock (unix seconds). Used by tests to
// drive deterministic revision markers.
func WithClock(now func() int64) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithSaveTimeout bounds each backend call made during a save cycle,
// including conflict re-fetches. Zero disables the bound (the caller's
// context still applies).
func WithSaveTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.saveTimeout = d }
}

// WithUploadParallelism caps how many attachment uploads run concurrently.
func WithUploadParallelism(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.uploadParallelism = n
		}
	}
}

// WithNotifier installs a sink for user-facing notifications (conflict and
// save-failure messages). The default sink drops them; errors returned from
// coordinator methods carry the same information.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}
