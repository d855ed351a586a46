package outbox

import "log/slog"

type storeOptions struct {
	logger *slog.Logger
}

// Option configures a store.
type Option func(*storeOptions)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

func applyOptions(opts []Option) storeOptions {
	o := storeOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
