package script

import (
	"github.com/joeycumines/logiface"
)

type engineOptions struct {
	logger  *logiface.Logger[logiface.Event]
	loader  Loader
	globals map[string]any
}

// Option configures an [Engine].
type Option interface {
	applyEngine(*engineOptions) error
}

type engineOptionImpl struct {
	applyEngineFunc func(*engineOptions) error
}

func (o *engineOptionImpl) applyEngine(opts *engineOptions) error {
	return o.applyEngineFunc(opts)
}

// WithLogger overrides the logger console output is written to. Defaults
// to the logger of the thread's runtime.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithLoader enables require of non-native modules.
func WithLoader(loader Loader) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.loader = loader
		return nil
	}}
}

// WithGlobal sets a global variable, converted using goja's ToValue.
func WithGlobal(name string, value any) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		if opts.globals == nil {
			opts.globals = make(map[string]any)
		}
		opts.globals[name] = value
		return nil
	}}
}

func resolveEngineOptions(opts []Option) (*engineOptions, error) {
	cfg := &engineOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyEngine(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
