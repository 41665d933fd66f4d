package pipeline

import "time"

// WithSleep overrides the inter-sample sleep function.
func WithSleep(sleep func(time.Duration)) Options {
	return func(o *options) {
		o.sleep = sleep
	}
}
