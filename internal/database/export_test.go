package database

import "context"

// DBPool is the pool interface used by the manager, exported for tests.
type DBPool = dbPool

// WithNewPool overrides the connection pool constructor.
func WithNewPool(newPool func(ctx context.Context, dsn string) (DBPool, error)) Options {
	return func(o *options) {
		o.newPool = newPool
	}
}
