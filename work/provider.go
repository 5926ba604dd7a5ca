package work

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/joeycumines/go-scriptloop/thread"
	"github.com/joeycumines/logiface"
	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

// failureLabel is the label [Provider] failures are reported under, when
// they are not specific to a task.
const failureLabel = "work"

// Resurrector starts the action a task references, typically as a new
// thread.
type Resurrector interface {
	Resurrect(ctx context.Context, task TimedTask) error
}

// ResurrectorFunc adapts a function to [Resurrector].
type ResurrectorFunc func(ctx context.Context, task TimedTask) error

func (f ResurrectorFunc) Resurrect(ctx context.Context, task TimedTask) error {
	return f(ctx, task)
}

// TaskSource lists the tasks the host considers pending, i.e. that should
// currently be armed.
type TaskSource interface {
	PendingTasks(ctx context.Context) ([]TimedTask, error)
}

// TaskSourceFunc adapts a function to [TaskSource].
type TaskSourceFunc func(ctx context.Context) ([]TimedTask, error)

func (f TaskSourceFunc) PendingTasks(ctx context.Context) ([]TimedTask, error) {
	return f(ctx)
}

// Provider arms tasks with a [Backend], and resurrects them as they fire.
// Backend failures are wrapped with [ErrSchedulerUnavailable], reported to
// the failure sink, and returned. Methods are safe for concurrent use.
type Provider struct {
	backend       Backend
	resurrector   Resurrector
	source        TaskSource
	sink          thread.FailureSink
	logger        *logiface.Logger[logiface.Event]
	clock         clock.Clock
	limiter       *rate.Limiter
	metrics       *Metrics
	recheckPeriod time.Duration
	defaultWindow time.Duration

	mu      sync.Mutex
	entropy io.Reader
	// latest token armed per key, "" if cancelled
	tokens map[string]string
	// cancellation time of each "" token, pruned after the recheck period
	cancelled map[string]time.Time
	lastPrune time.Time
	// re-check job tokens, see IsCheckWorkFine
	checkArmed string
	checkRan   string
	// checkKnown is set once checkArmed reflects an arm, cancel or refresh
	checkKnown bool
}

// NewProvider constructs a [Provider]. Call [Provider.Run] to receive
// firings.
func NewProvider(backend Backend, resurrector Resurrector, opts ...ProviderOption) (*Provider, error) {
	if backend == nil {
		return nil, errors.New("work: nil backend")
	}
	if resurrector == nil {
		return nil, errors.New("work: nil resurrector")
	}
	cfg, err := resolveProviderOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Provider{
		backend:       backend,
		resurrector:   resurrector,
		source:        cfg.source,
		sink:          cfg.sink,
		logger:        cfg.logger,
		clock:         cfg.clock,
		limiter:       cfg.limiter,
		metrics:       cfg.metrics,
		recheckPeriod: cfg.recheckPeriod,
		defaultWindow: cfg.defaultWindow,
		entropy:       ulid.Monotonic(rand.Reader, 0),
		tokens:        make(map[string]string),
		cancelled:     make(map[string]time.Time),
	}, nil
}

// RecheckPeriod returns the period of the re-check job.
func (p *Provider) RecheckPeriod() time.Duration { return p.recheckPeriod }

// Now returns the current time according to the provider's clock, which
// trigger times are relative to.
func (p *Provider) Now() time.Time { return p.clock.Now() }

// EnqueueWork arms task to fire once, within window after its trigger time.
// A non-positive window uses the default window. Arming a key that is
// already armed replaces the previous arming, which will not fire.
func (p *Provider) EnqueueWork(ctx context.Context, task TimedTask, window time.Duration) error {
	if task.Key == "" || task.Key == RecheckKey {
		return fmt.Errorf("%w: key %q", ErrInvalidTask, task.Key)
	}
	if window <= 0 {
		window = p.defaultWindow
	}
	task.Window = window

	p.mu.Lock()
	now := p.clock.Now()
	token := p.newTokenLocked(now)
	prev, hadPrev := p.tokens[task.Key]
	p.tokens[task.Key] = token
	p.mu.Unlock()

	trigger := task.TriggerAt
	if trigger.IsZero() {
		trigger = now
	}
	arming := Arming{
		EarliestAt: trigger,
		LatestAt:   trigger.Add(window),
		Task:       task,
		Key:        task.Key,
		Token:      token,
	}

	if err := p.backend.ArmOnce(ctx, arming); err != nil {
		p.mu.Lock()
		if p.tokens[task.Key] == token {
			if hadPrev {
				p.tokens[task.Key] = prev
			} else {
				delete(p.tokens, task.Key)
			}
		}
		p.mu.Unlock()
		return p.unavailable(`arm`, task.Key, err)
	}

	p.metrics.armed(false)
	p.logger.Debug().
		Str(`task_key`, task.Key).
		Str(`token`, token).
		Time(`trigger_at`, trigger).
		Dur(`window`, window).
		Log(`work: task armed`)
	return nil
}

// EnqueuePeriodicWork arms the re-check job, first firing after delay, then
// every [Provider.RecheckPeriod]. Callers should retry if
// [Provider.IsCheckWorkFine] remains false.
func (p *Provider) EnqueuePeriodicWork(ctx context.Context, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}

	p.mu.Lock()
	now := p.clock.Now()
	token := p.newTokenLocked(now)
	p.checkArmed = token
	p.checkKnown = true
	p.mu.Unlock()

	arming := Arming{
		EarliestAt: now.Add(delay),
		Key:        RecheckKey,
		Token:      token,
		Schedule:   EverySchedule(p.recheckPeriod),
		Periodic:   true,
	}

	if err := p.backend.ArmPeriodic(ctx, arming); err != nil {
		p.mu.Lock()
		if p.checkArmed == token {
			p.checkArmed = ""
		}
		p.mu.Unlock()
		return p.unavailable(`arm`, RecheckKey, err)
	}

	p.metrics.armed(true)
	p.logger.Info().
		Dur(`delay`, delay).
		Dur(`period`, p.recheckPeriod).
		Log(`work: re-check job armed`)
	return nil
}

// Cancel removes the arming of the task's key. Cancelling a task that
// already fired, or was never armed, is not an error.
func (p *Provider) Cancel(ctx context.Context, task TimedTask) error {
	if task.Key == "" || task.Key == RecheckKey {
		return fmt.Errorf("%w: key %q", ErrInvalidTask, task.Key)
	}

	p.mu.Lock()
	now := p.clock.Now()
	p.pruneLocked(now)
	p.tokens[task.Key] = ""
	p.cancelled[task.Key] = now
	p.mu.Unlock()

	if err := p.backend.Cancel(ctx, task.Key); err != nil {
		return p.unavailable(`cancel`, task.Key, err)
	}

	p.logger.Debug().
		Str(`task_key`, task.Key).
		Log(`work: task cancelled`)
	return nil
}

// CancelAllWorks removes every arming, including the re-check job.
func (p *Provider) CancelAllWorks(ctx context.Context) error {
	p.mu.Lock()
	now := p.clock.Now()
	p.pruneLocked(now)
	for key, token := range p.tokens {
		if token != "" {
			p.tokens[key] = ""
			p.cancelled[key] = now
		}
	}
	p.checkArmed = ""
	p.checkKnown = true
	p.mu.Unlock()

	if err := p.backend.CancelAll(ctx); err != nil {
		return p.unavailable(`cancel_all`, "", err)
	}

	p.logger.Info().Log(`work: all work cancelled`)
	return nil
}

// IsCheckWorkFine returns true if the re-check job is armed, and has run
// at least once since it was last armed.
func (p *Provider) IsCheckWorkFine() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkArmed != "" && p.checkRan == p.checkArmed
}

// Refresh synchronises the state of the re-check job with the backend,
// e.g. after a restart, or if the backend may have dropped it.
func (p *Provider) Refresh(ctx context.Context) error {
	status, err := p.backend.Status(ctx, RecheckKey)
	if err != nil {
		return p.unavailable(`status`, RecheckKey, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkKnown = true
	if !status.Armed {
		p.checkArmed = ""
		return nil
	}
	p.checkArmed = status.Token
	if status.Runs > 0 {
		p.checkRan = status.Token
	}
	return nil
}

// Run refreshes, then handles firings from the backend until ctx is done.
func (p *Provider) Run(ctx context.Context) error {
	if err := p.Refresh(ctx); err != nil {
		p.logger.Warning().
			Err(err).
			Log(`work: initial refresh failed`)
	}
	return p.backend.Run(ctx, p.handle)
}

// Recheck re-arms each pending task the backend has no arming for,
// returning the number re-armed.
func (p *Provider) Recheck(ctx context.Context) (int, error) {
	if p.source == nil {
		return 0, nil
	}
	tasks, err := p.source.PendingTasks(ctx)
	if err != nil {
		err = fmt.Errorf("work: list pending tasks: %w", err)
		p.sink.Report(failureLabel, err)
		return 0, err
	}

	var (
		rearmed int
		errs    error
	)
	for _, task := range tasks {
		if task.Key == "" || task.Key == RecheckKey {
			continue
		}
		status, err := p.backend.Status(ctx, task.Key)
		if err != nil {
			errs = multierr.Append(errs, p.unavailable(`status`, task.Key, err))
			continue
		}
		if status.Armed {
			continue
		}
		if err := p.EnqueueWork(ctx, task, task.Window); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		rearmed++
	}

	p.metrics.rearmed(rearmed)
	p.logger.Info().
		Int(`pending`, len(tasks)).
		Int(`rearmed`, rearmed).
		Log(`work: re-check complete`)
	return rearmed, errs
}

// handle is the [FireFunc] given to the backend.
func (p *Provider) handle(ctx context.Context, firing Firing) error {
	if firing.Arming.Key == RecheckKey {
		return p.handleRecheck(ctx, firing)
	}

	key := firing.Arming.Key
	p.mu.Lock()
	latest, known := p.tokens[key]
	stale := known && latest != firing.Arming.Token
	if !stale && !firing.Arming.Periodic {
		delete(p.tokens, key)
	}
	p.mu.Unlock()

	if stale {
		p.metrics.firing(outcomeStale, false)
		p.logger.Debug().
			Str(`task_key`, key).
			Str(`token`, firing.Arming.Token).
			Log(`work: dropped stale firing`)
		return nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	task := firing.Arming.Task
	if err := p.resurrect(ctx, task); err != nil {
		p.metrics.firing(outcomeFailed, firing.Late)
		err = fmt.Errorf("work: resurrect %q: %w", key, err)
		p.sink.Report(key, err)
		if task.RecheckDelay > 0 {
			retry := task
			retry.TriggerAt = p.clock.Now().Add(task.RecheckDelay)
			if rearmErr := p.EnqueueWork(ctx, retry, task.Window); rearmErr != nil {
				err = multierr.Append(err, rearmErr)
			}
		}
		return err
	}

	p.metrics.firing(outcomeResurrected, firing.Late)
	p.logger.Info().
		Str(`task_key`, key).
		Str(`entry`, task.Entry).
		Bool(`late`, firing.Late).
		Log(`work: task resurrected`)
	return nil
}

func (p *Provider) handleRecheck(ctx context.Context, firing Firing) error {
	p.mu.Lock()
	known := p.checkKnown
	p.mu.Unlock()
	if !known {
		// armed before this provider started, and not yet refreshed
		if err := p.Refresh(ctx); err != nil {
			return err
		}
	}

	p.mu.Lock()
	stale := p.checkArmed == "" || p.checkArmed != firing.Arming.Token
	if !stale {
		p.checkRan = firing.Arming.Token
	}
	p.pruneLocked(p.clock.Now())
	p.mu.Unlock()

	if stale {
		p.metrics.firing(outcomeStale, false)
		return nil
	}
	p.metrics.firing(outcomeRecheck, false)
	_, err := p.Recheck(ctx)
	return err
}

// pruneLocked forgets cancellations older than the recheck period, by which
// time no firing of the cancelled arming can still be in flight. It runs at
// most once per recheck period.
func (p *Provider) pruneLocked(now time.Time) {
	if now.Sub(p.lastPrune) < p.recheckPeriod {
		return
	}
	p.lastPrune = now
	for key, at := range p.cancelled {
		if now.Sub(at) < p.recheckPeriod {
			continue
		}
		delete(p.cancelled, key)
		if p.tokens[key] == "" {
			delete(p.tokens, key)
		}
	}
}

func (p *Provider) resurrect(ctx context.Context, task TimedTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.resurrector.Resurrect(ctx, task)
}

func (p *Provider) unavailable(op, key string, err error) error {
	err = fmt.Errorf("%w: %s %q: %w", ErrSchedulerUnavailable, op, key, err)
	p.metrics.backendError(op)
	p.sink.Report(failureLabel, err)
	return err
}

func (p *Provider) newTokenLocked(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), p.entropy).String()
}
