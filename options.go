package redirectory

import (
	"time"

	"github.com/thejohnfreeman/redirectory/internal/logging"
)

// DefaultConcurrency bounds parallel asset operations per request.
const DefaultConcurrency = 4

// Options configures a Registry.
type Options struct {
	Logger      logging.Logger
	Concurrency int
	Now         func() time.Time
}

// Option is a functional option for configuring New.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Logger:      logging.Discard(),
		Concurrency: DefaultConcurrency,
		Now:         time.Now,
	}
}

// WithLogger sets the registry's logger.
func WithLogger(log logging.Logger) Option {
	return func(o *Options) { o.Logger = log }
}

// WithConcurrency sets the number of parallel asset operations.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithClock substitutes the time source. Tests use this to pin revision
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}
