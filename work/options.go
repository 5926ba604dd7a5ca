package work

import (
	"errors"
	"time"

	"github.com/facebookgo/clock"
	"github.com/joeycumines/go-scriptloop/thread"
	"github.com/joeycumines/logiface"
	"golang.org/x/time/rate"
)

const (
	// DefaultRecheckPeriod is the period of the re-check job.
	DefaultRecheckPeriod = 15 * time.Minute

	// DefaultPollInterval is how often a [PollingBackend] checks for due
	// armings.
	DefaultPollInterval = time.Second

	// DefaultPollBatch bounds the number of firings per poll.
	DefaultPollBatch = 100
)

type providerOptions struct {
	clock         clock.Clock
	logger        *logiface.Logger[logiface.Event]
	sink          thread.FailureSink
	source        TaskSource
	metrics       *Metrics
	limiter       *rate.Limiter
	recheckPeriod time.Duration
	defaultWindow time.Duration
}

// ProviderOption configures a [Provider].
type ProviderOption interface {
	applyProvider(*providerOptions) error
}

type providerOptionImpl struct {
	applyProviderFunc func(*providerOptions) error
}

func (o *providerOptionImpl) applyProvider(opts *providerOptions) error {
	return o.applyProviderFunc(opts)
}

// WithLogger configures structured logging. Defaults to no logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) ProviderOption {
	return &providerOptionImpl{func(opts *providerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithClock overrides the time source.
func WithClock(c clock.Clock) ProviderOption {
	return &providerOptionImpl{func(opts *providerOptions) error {
		if c == nil {
			return errors.New("work: nil clock")
		}
		opts.clock = c
		return nil
	}}
}

// WithFailureSink receives scheduler and resurrection failures. Defaults to
// a [thread.LogSink].
func WithFailureSink(sink thread.FailureSink) ProviderOption {
	return &providerOptionImpl{func(opts *providerOptions) error {
		opts.sink = sink
		return nil
	}}
}

// WithTaskSource enables re-arming of pending tasks by the re-check job.
func WithTaskSource(source TaskSource) ProviderOption {
	return &providerOptionImpl{func(opts *providerOptions) error {
		opts.source = source
		return nil
	}}
}

// WithRecheckPeriod overrides [DefaultRecheckPeriod].
func WithRecheckPeriod(period time.Duration) ProviderOption {
	return &providerOptionImpl{func(opts *providerOptions) error {
		if period <= 0 {
			return errors.New("work: non-positive recheck period")
		}
		opts.recheckPeriod = period
		return nil
	}}
}

// WithDefaultWindow is used by [Provider.EnqueueWork] when the window
// argument is not positive. Defaults to zero, i.e. exactly at trigger time.
func WithDefaultWindow(window time.Duration) ProviderOption {
	return &providerOptionImpl{func(opts *providerOptions) error {
		if window < 0 {
			return errors.New("work: negative default window")
		}
		opts.defaultWindow = window
		return nil
	}}
}

// WithResurrectLimit throttles resurrections, e.g. after a restart with
// many overdue tasks. Unlimited by default.
func WithResurrectLimit(limit rate.Limit, burst int) ProviderOption {
	return &providerOptionImpl{func(opts *providerOptions) error {
		if burst <= 0 && limit != rate.Inf {
			return errors.New("work: non-positive resurrect burst")
		}
		opts.limiter = rate.NewLimiter(limit, burst)
		return nil
	}}
}

// WithMetrics enables prometheus metrics.
func WithMetrics(metrics *Metrics) ProviderOption {
	return &providerOptionImpl{func(opts *providerOptions) error {
		opts.metrics = metrics
		return nil
	}}
}

func resolveProviderOptions(opts []ProviderOption) (*providerOptions, error) {
	cfg := &providerOptions{
		recheckPeriod: DefaultRecheckPeriod,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyProvider(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}
	if cfg.sink == nil {
		cfg.sink = thread.NewLogSink(cfg.logger, nil)
	}
	if cfg.limiter == nil {
		cfg.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return cfg, nil
}

type pollingOptions struct {
	clock    clock.Clock
	logger   *logiface.Logger[logiface.Event]
	interval time.Duration
	batch    int
}

// PollingOption configures a [PollingBackend].
type PollingOption interface {
	applyPolling(*pollingOptions) error
}

type pollingOptionImpl struct {
	applyPollingFunc func(*pollingOptions) error
}

func (o *pollingOptionImpl) applyPolling(opts *pollingOptions) error {
	return o.applyPollingFunc(opts)
}

// WithPollInterval overrides [DefaultPollInterval].
func WithPollInterval(interval time.Duration) PollingOption {
	return &pollingOptionImpl{func(opts *pollingOptions) error {
		if interval <= 0 {
			return errors.New("work: non-positive poll interval")
		}
		opts.interval = interval
		return nil
	}}
}

// WithPollBatch overrides [DefaultPollBatch].
func WithPollBatch(batch int) PollingOption {
	return &pollingOptionImpl{func(opts *pollingOptions) error {
		if batch <= 0 {
			return errors.New("work: non-positive poll batch")
		}
		opts.batch = batch
		return nil
	}}
}

// WithPollingClock overrides the time source of the backend.
func WithPollingClock(c clock.Clock) PollingOption {
	return &pollingOptionImpl{func(opts *pollingOptions) error {
		if c == nil {
			return errors.New("work: nil clock")
		}
		opts.clock = c
		return nil
	}}
}

// WithPollingLogger configures structured logging for the backend.
func WithPollingLogger(logger *logiface.Logger[logiface.Event]) PollingOption {
	return &pollingOptionImpl{func(opts *pollingOptions) error {
		opts.logger = logger
		return nil
	}}
}

func resolvePollingOptions(opts []PollingOption) (*pollingOptions, error) {
	cfg := &pollingOptions{
		interval: DefaultPollInterval,
		batch:    DefaultPollBatch,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyPolling(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}
	return cfg, nil
}
