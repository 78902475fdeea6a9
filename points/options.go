package points

import (
	"time"

	"github.com/rs/zerolog"
)

// Option configures a service (Ledger, Inventory, Redemptions, Directory).
type Option func(*options)

type options struct {
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func defaultOptions() options {
	return options{
		publisher: NopPublisher{},
		logger:    zerolog.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithPublisher sends domain events to p after each committed change.
func WithPublisher(p Publisher) Option {
	return func(o *options) {
		if p != nil {
			o.publisher = p
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func (o options) emitter() emitter {
	return emitter{pub: o.publisher, log: o.logger}
}
