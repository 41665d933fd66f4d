package service

import "time"

var (
	ErrServiceClosed = errServiceClosed
)

// WithShutdownTimeout overrides how long the metrics server may take to drain.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		o.shutdownTimeout = d
	}
}
