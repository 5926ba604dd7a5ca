package work

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var leakOptions = []goleak.Option{
	goleak.IgnoreAnyFunction("github.com/joeycumines/go-catrate.(*Limiter).worker"),
}

type report struct {
	err   error
	label string
}

type sinkRecorder struct {
	reports []report
	mu      sync.Mutex
}

func (x *sinkRecorder) Report(label string, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.reports = append(x.reports, report{label: label, err: err})
}

func (x *sinkRecorder) snapshot() []report {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]report(nil), x.reports...)
}

type resurrections struct {
	tasks []TimedTask
	err   error
	mu    sync.Mutex
}

func (x *resurrections) Resurrect(_ context.Context, task TimedTask) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.tasks = append(x.tasks, task)
	return x.err
}

func (x *resurrections) snapshot() []TimedTask {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]TimedTask(nil), x.tasks...)
}

type harness struct {
	clock       *clock.Mock
	store       *MemoryStore
	backend     *PollingBackend
	provider    *Provider
	sink        *sinkRecorder
	resurrected *resurrections
}

func newHarness(t *testing.T, opts ...ProviderOption) *harness {
	t.Helper()
	h := &harness{
		clock:       clock.NewMock(),
		store:       NewMemoryStore(),
		sink:        new(sinkRecorder),
		resurrected: new(resurrections),
	}
	var err error
	h.backend, err = NewPollingBackend(h.store, WithPollingClock(h.clock))
	require.NoError(t, err)
	h.provider, err = NewProvider(h.backend, h.resurrected, append([]ProviderOption{
		WithClock(h.clock),
		WithFailureSink(h.sink),
	}, opts...)...)
	require.NoError(t, err)
	return h
}

// poll fires due armings through the provider, synchronously.
func (h *harness) poll(t *testing.T) int {
	t.Helper()
	n, err := h.backend.Poll(context.Background(), h.provider.handle)
	require.NoError(t, err)
	return n
}

// failingBackend fails every operation.
type failingBackend struct {
	err error
}

func (x *failingBackend) ArmOnce(context.Context, Arming) error     { return x.err }
func (x *failingBackend) ArmPeriodic(context.Context, Arming) error { return x.err }
func (x *failingBackend) Cancel(context.Context, string) error      { return x.err }
func (x *failingBackend) CancelAll(context.Context) error           { return x.err }
func (x *failingBackend) Status(context.Context, string) (Status, error) {
	return Status{}, x.err
}
func (x *failingBackend) Run(ctx context.Context, _ FireFunc) error {
	<-ctx.Done()
	return nil
}

var errBackendDown = errors.New("backend down")
