package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/joeycumines/go-scriptloop/internal/admin"
	"github.com/joeycumines/go-scriptloop/internal/config"
	"github.com/joeycumines/go-scriptloop/internal/logging"
	"github.com/joeycumines/go-scriptloop/script"
	"github.com/joeycumines/go-scriptloop/thread"
	"github.com/joeycumines/go-scriptloop/timerqueue"
	"github.com/joeycumines/go-scriptloop/work"
	"github.com/joeycumines/go-scriptloop/work/sqlitestore"
	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const closeTimeout = 10 * time.Second

type daemon struct {
	cfg      config.Config
	logger   *logiface.Logger[logiface.Event]
	registry *prometheus.Registry
	runtime  *thread.Runtime
	store    work.Store
	provider *work.Provider
	loader   script.Loader
	// ctx bounds started threads, set by run
	ctx context.Context
}

func newDaemon(configPath string, logOutput io.Writer) (*daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Options{
		Writer:  logOutput,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		NoColor: cfg.Log.NoColor,
	})
	if err != nil {
		return nil, err
	}

	d := &daemon{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		loader:   script.DirLoader{Dir: cfg.Scripts.Dir},
		ctx:      context.Background(),
	}
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d.runtime, err = thread.NewRuntime(
		thread.WithLogger(logger),
		thread.WithFailureSink(thread.NewLogSink(logger, nil)),
		thread.WithMetrics(thread.NewMetrics(d.registry)),
		thread.WithCallbackBudget(cfg.Runtime.CallbackBudget),
		thread.WithQueueOptions(timerqueue.WithMinInterval(cfg.Runtime.MinInterval)),
	)
	if err != nil {
		return nil, err
	}

	switch cfg.Work.Store {
	case config.StoreSQLite:
		d.store, err = sqlitestore.New(cfg.Work.SQLitePath)
		if err != nil {
			return nil, err
		}
	default:
		d.store = work.NewMemoryStore()
	}

	backend, err := work.NewPollingBackend(d.store,
		work.WithPollInterval(cfg.Work.PollInterval),
		work.WithPollingLogger(logger),
	)
	if err != nil {
		_ = d.store.Close()
		return nil, err
	}

	providerOpts := []work.ProviderOption{
		work.WithLogger(logger),
		work.WithFailureSink(thread.NewLogSink(logger, nil)),
		work.WithRecheckPeriod(cfg.Work.RecheckPeriod),
		work.WithDefaultWindow(cfg.Work.DefaultWindow),
		work.WithMetrics(work.NewMetrics(d.registry)),
	}
	if cfg.Work.ResurrectRate > 0 {
		providerOpts = append(providerOpts, work.WithResurrectLimit(rate.Limit(cfg.Work.ResurrectRate), cfg.Work.ResurrectBurst))
	}
	d.provider, err = work.NewProvider(backend, work.ResurrectorFunc(d.resurrect), providerOpts...)
	if err != nil {
		_ = d.store.Close()
		return nil, err
	}

	return d, nil
}

// startScript starts a thread running the script entry, with payload
// exposed as the global "payload".
func (d *daemon) startScript(entry string, payload map[string]any) (*thread.Thread, error) {
	var opts []script.Option
	if payload != nil {
		opts = append(opts, script.WithGlobal("payload", payload))
	}
	return d.runtime.Go(d.ctx, script.Entry(d.loader, entry, opts...), thread.WithLabel(entry))
}

func (d *daemon) resurrect(_ context.Context, task work.TimedTask) error {
	if task.Entry == "" {
		return fmt.Errorf("%w: task %q has no entry", work.ErrInvalidTask, task.Key)
	}
	payload := task.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	_, err := d.startScript(task.Entry, payload)
	return err
}

func (d *daemon) run(ctx context.Context) (err error) {
	d.ctx = ctx
	defer func() {
		err = multierr.Append(err, d.close())
	}()

	if err := d.provider.Refresh(ctx); err != nil {
		d.logger.Warning().
			Err(err).
			Log(`scriptloopd: failed to refresh work provider`)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.runtime.NewWatchdog(d.cfg.Runtime.WatchdogInterval).Run(gctx)
	})
	g.Go(func() error {
		return d.provider.Run(gctx)
	})

	if !d.provider.IsCheckWorkFine() {
		if err := d.provider.EnqueuePeriodicWork(gctx, d.cfg.Work.RecheckDelay); err != nil {
			// reported to the sink, the admin API exposes the health
			d.logger.Warning().
				Err(err).
				Log(`scriptloopd: failed to arm re-check job`)
		}
	}

	if d.cfg.Admin.Listen != "" {
		srv, err := admin.NewServer(d.runtime,
			admin.WithProvider(d.provider),
			admin.WithStart(d.startScript),
			admin.WithGatherer(d.registry),
			admin.WithLogger(d.logger),
		)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.Serve(gctx, d.cfg.Admin.Listen)
		})
	}

	for _, entry := range d.cfg.Scripts.Autostart {
		if _, err := d.startScript(entry, nil); err != nil {
			d.logger.Err().
				Err(err).
				Str(`entry`, entry).
				Log(`scriptloopd: failed to start script`)
		}
	}

	d.logger.Info().
		Str(`store`, d.cfg.Work.Store).
		Int(`autostart`, len(d.cfg.Scripts.Autostart)).
		Log(`scriptloopd: started`)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (d *daemon) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := d.runtime.Close(ctx)
	err = multierr.Append(err, d.store.Close())
	d.logger.Info().Log(`scriptloopd: stopped`)
	return err
}
