package transformer

import "time"

// WithClock overrides the time source used to stamp records.
func WithClock(now func() time.Time) Options {
	return func(o *options) {
		o.clock = funcTimeProvider(now)
	}
}

type funcTimeProvider func() time.Time

func (f funcTimeProvider) Now() time.Time {
	return f()
}
