package admin

import (
	"github.com/joeycumines/go-scriptloop/work"
	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
)

type (
	// Option configures a [Server].
	Option interface {
		applyServer(*serverOptions)
	}

	serverOptions struct {
		provider *work.Provider
		start    StartFunc
		gatherer prometheus.Gatherer
		logger   *logiface.Logger[logiface.Event]
	}

	serverOptionImpl struct {
		applyServerFunc func(*serverOptions)
	}
)

func (x *serverOptionImpl) applyServer(opts *serverOptions) {
	x.applyServerFunc(opts)
}

// WithProvider enables the /v1/work routes.
func WithProvider(provider *work.Provider) Option {
	return &serverOptionImpl{func(opts *serverOptions) {
		opts.provider = provider
	}}
}

// WithStart enables starting threads via POST /v1/threads.
func WithStart(start StartFunc) Option {
	return &serverOptionImpl{func(opts *serverOptions) {
		opts.start = start
	}}
}

// WithGatherer exposes metrics on /metrics.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return &serverOptionImpl{func(opts *serverOptions) {
		opts.gatherer = gatherer
	}}
}

func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &serverOptionImpl{func(opts *serverOptions) {
		opts.logger = logger
	}}
}

func resolveOptions(opts []Option) *serverOptions {
	var cfg serverOptions
	for _, opt := range opts {
		if opt != nil {
			opt.applyServer(&cfg)
		}
	}
	return &cfg
}
