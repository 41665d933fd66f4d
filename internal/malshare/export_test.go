package malshare

import (
	"net/http"
	"time"
)

// WithTransport overrides the HTTP transport used by the client.
func WithTransport(rt http.RoundTripper) Options {
	return func(o *options) {
		o.transport = rt
	}
}

// WithSleep overrides the sleep function used between retries.
func WithSleep(sleep func(time.Duration)) Options {
	return func(o *options) {
		o.sleep = sleep
	}
}
