package portmacro

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devghori1264/aerophoenix/portmacros/internal/macro"
	"github.com/devghori1264/aerophoenix/portmacros/internal/metrics"
	"github.com/devghori1264/aerophoenix/portmacros/internal/models"
)

const waitFor = 2 * time.Second

type fetchResult struct {
	descriptor *models.MachineDescriptor
	err        error
}

type fetchCall struct {
	workspaceID string
	machineID   string
	reply       chan fetchResult
}

// blockingFetcher parks every fetch until the test replies to it. It
// ignores cancellation so that late completions can be simulated.
type blockingFetcher struct {
	calls chan *fetchCall
}

func newBlockingFetcher() *blockingFetcher {
	return &blockingFetcher{calls: make(chan *fetchCall, 8)}
}

func (f *blockingFetcher) FetchDescriptor(_ context.Context, workspaceID, machineID string) (*models.MachineDescriptor, error) {
	c := &fetchCall{workspaceID: workspaceID, machineID: machineID, reply: make(chan fetchResult, 1)}
	f.calls <- c
	r := <-c.reply
	return r.descriptor, r.err
}

func (f *blockingFetcher) next(t *testing.T) *fetchCall {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(waitFor):
		t.Fatal("no fetch issued")
		return nil
	}
}

type fetcherFunc func(ctx context.Context, workspaceID, machineID string) (*models.MachineDescriptor, error)

func (f fetcherFunc) FetchDescriptor(ctx context.Context, workspaceID, machineID string) (*models.MachineDescriptor, error) {
	return f(ctx, workspaceID, machineID)
}

type harness struct {
	resolver *Resolver
	registry *macro.Registry
	metrics  *metrics.Resolver
	cancel   context.CancelFunc
	done     chan error
}

func newHarness(t *testing.T, fetcher Fetcher, opts Options) *harness {
	t.Helper()
	m, err := metrics.NewResolver(prometheus.NewRegistry())
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	reg := macro.NewRegistry(logger)
	opts.Metrics = m
	opts.Logger = logger

	h := &harness{
		resolver: New(fetcher, reg, opts),
		registry: reg,
		metrics:  m,
		done:     make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.resolver.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.resolver.Flush(ctx))
}

func (h *harness) waitState(t *testing.T, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.resolver.State() == s }, waitFor, 5*time.Millisecond)
}

func (h *harness) waitFetches(t *testing.T, result string, n float64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.Fetches.WithLabelValues(result)) == n
	}, waitFor, 5*time.Millisecond)
}

func (h *harness) snapshot() []entry {
	return entriesOf(h.registry.List())
}

func descriptor(machineID string, servers map[string]string) *models.MachineDescriptor {
	return &models.MachineDescriptor{WorkspaceID: "ws-1", MachineID: machineID, Servers: servers}
}

func TestResolver_LifecycleRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newBlockingFetcher()
	h := newHarness(t, f, Options{})

	unrelated := macro.New("workspace.name", "workspace", "demo")
	h.registry.Register(unrelated)
	before := h.snapshot()
	require.Equal(t, Idle, h.resolver.State())

	require.NoError(t, h.resolver.OnEnvironmentStarted(ctx, "ws-1", "m-1"))
	call := f.next(t)
	require.Equal(t, "ws-1", call.workspaceID)
	require.Equal(t, "m-1", call.machineID)
	require.Equal(t, AwaitingDescriptor, h.resolver.State())

	call.reply <- fetchResult{descriptor: descriptor("m-1", map[string]string{
		"8080/tcp": "127.0.0.1:21212",
		"ws":       "127.0.0.1:21213",
	})}
	h.waitState(t, Active)

	want := []entry{
		{"server.port.8080", "8080/tcp", "127.0.0.1:21212"},
		{"server.port.8080/tcp", "8080/tcp", "127.0.0.1:21212"},
		{"server.port.ws", "ws", "127.0.0.1:21213"},
		{"workspace.name", "workspace", "demo"},
	}
	if diff := cmp.Diff(want, h.snapshot()); diff != "" {
		t.Fatalf("registry after start (-want +got):\n%s", diff)
	}
	require.Len(t, h.resolver.Entries(), 3)
	require.Equal(t, 3.0, testutil.ToFloat64(h.metrics.Held))

	value, ok := h.resolver.Resolve("server.port.8080")
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:21212", value)

	require.NoError(t, h.resolver.OnEnvironmentStopped(ctx))
	h.flush(t)
	require.Equal(t, Stopped, h.resolver.State())
	require.Empty(t, h.resolver.Entries())
	if diff := cmp.Diff(before, h.snapshot()); diff != "" {
		t.Fatalf("registry after stop (-want +got):\n%s", diff)
	}
	_, ok = h.resolver.Resolve("server.port.8080")
	require.False(t, ok)
}

func TestResolver_IdempotentStop(t *testing.T) {
	ctx := context.Background()
	f := newBlockingFetcher()
	h := newHarness(t, f, Options{})

	// stopping before anything started is fine
	require.NoError(t, h.resolver.OnEnvironmentStopped(ctx))
	h.flush(t)
	require.Equal(t, Stopped, h.resolver.State())

	require.NoError(t, h.resolver.OnEnvironmentStarted(ctx, "ws-1", "m-1"))
	f.next(t).reply <- fetchResult{descriptor: descriptor("m-1", map[string]string{"22/tcp": "127.0.0.1:2222"})}
	h.waitState(t, Active)

	require.NoError(t, h.resolver.OnEnvironmentStopped(ctx))
	h.flush(t)
	afterFirst := h.snapshot()
	require.Empty(t, afterFirst)

	require.NoError(t, h.resolver.OnEnvironmentStopped(ctx))
	h.flush(t)
	require.Equal(t, Stopped, h.resolver.State())
	if diff := cmp.Diff(afterFirst, h.snapshot()); diff != "" {
		t.Fatalf("second stop changed registry (-want +got):\n%s", diff)
	}
}

func TestResolver_StaleFetchCompletingLate(t *testing.T) {
	ctx := context.Background()
	f := newBlockingFetcher()
	h := newHarness(t, f, Options{})

	require.NoError(t, h.resolver.OnEnvironmentStarted(ctx, "ws-1", "m-old"))
	first := f.next(t)
	require.NoError(t, h.resolver.OnEnvironmentStarted(ctx, "ws-1", "m-new"))
	second := f.next(t)
	require.Equal(t, "m-new", second.machineID)

	second.reply <- fetchResult{descriptor: descriptor("m-new", map[string]string{"9000/tcp": "10.0.0.2:9000"})}
	h.waitState(t, Active)

	first.reply <- fetchResult{descriptor: descriptor("m-old", map[string]string{"9000/tcp": "10.0.0.1:9000", "ws": "10.0.0.1:1"})}
	h.waitFetches(t, metrics.ResultStale, 1)

	want := []entry{
		{"server.port.9000", "9000/tcp", "10.0.0.2:9000"},
		{"server.port.9000/tcp", "9000/tcp", "10.0.0.2:9000"},
	}
	if diff := cmp.Diff(want, h.snapshot()); diff != "" {
		t.Fatalf("registry (-want +got):\n%s", diff)
	}
	require.Equal(t, Active, h.resolver.State())
}

func TestResolver_StaleFetchCompletingFirst(t *testing.T) {
	ctx := context.Background()
	f := newBlockingFetcher()
	h := newHarness(t, f, Options{})

	require.NoError(t, h.resolver.OnEnvironmentStarted(ctx, "ws-1", "m-old"))
	first := f.next(t)
	require.NoError(t, h.resolver.OnEnvironmentStarted(ctx, "ws-1", "m-new"))
	second := f.next(t)

	first.reply <- fetchResult{descriptor: descriptor("m-old", map[string]string{"ws": "10.0.0.1:1"})}
	h.waitFetches(t, metrics.ResultStale, 1)
	require.Equal(t, AwaitingDescriptor, h.resolver.State())
	require.Empty(t, h.snapshot())

	second.reply <- fetchResult{descriptor: descriptor("m-new", map[string]string{"ws": "10.0.0.2:1"})}
	h.waitState(t, Active)
	require.Equal(t, []entry{{"server.port.ws", "ws", "10.0.0.2:1"}}, h.snapshot())
}

func TestResolver_StopDuringFetch(t *testing.T) {
	ctx := context.Background()
	f := newBlockingFetcher()
	h := newHarness(t, f, Options{})

	require.NoError(t, h.resolver.OnEnvironmentStarted(ctx, "ws-1", "m-1"))
	call := f.next(t)
	require.NoError(t, h.resolver.OnEnvironmentStopped(ctx))
	h.flush(t)

	call.reply <- fetchResult{descriptor: descriptor("m-1", map[string]string{"ws": "10.0.0.1:1"})}
	h.waitFetches(t, metrics.ResultStale, 1)
	require.Equal(t, Stopped, h.resolver.State())
	require.Empty(t, h.snapshot())
}

func TestResolver_FetchFailureLeavesRegistry(t *testing.T) {
	ctx := context.Background()
	f := newBlockingFetcher()
	h := newHarness(t, f, Options{})

	require.NoError(t, h.resolver.OnEnvironmentStarted(ctx, "ws-1", "m-1"))
	f.next(t).reply <- fetchResult{err: errors.New("machine not found")}
	h.waitFetches(t, metrics.ResultError, 1)

	require.Equal(t, AwaitingDescriptor, h.resolver.State())
	require.Empty(t, h.snapshot())

	// a later start signal is the retry
	require.NoError(t, h.resolver.OnEnvironmentStarted(ctx, "ws-1", "m-1"))
	f.next(t).reply <- fetchResult{descriptor: descriptor("m-1", map[string]string{"ws": "10.0.0.1:1"})}
	h.waitState(t, Active)
	require.Len(t, h.snapshot(), 1)
}

func TestResolver_NilDescriptorIsFailure(t *testing.T) {
	ctx := context.Background()
	f := newBlockingFetcher()
	h := newHarness(t, f, Options{})

	require.NoError(t, h.resolver.OnEnvironmentStarted(ctx, "ws-1", "m-1"))
	f.next(t).reply <- fetchResult{}
	h.waitFetches(t, metrics.ResultError, 1)
	require.Equal(t, AwaitingDescriptor, h.resolver.State())
}

func TestResolver_ValuesAreCapturedAtRegistration(t *testing.T) {
	ctx := context.Background()
	f := newBlockingFetcher()
	h := newHarness(t, f, Options{})

	servers := map[string]string{"8080/tcp": "127.0.0.1:21212"}
	require.NoError(t, h.resolver.OnEnvironmentStarted(ctx, "ws-1", "m-1"))
	f.next(t).reply <- fetchResult{descriptor: descriptor("m-1", servers)}
	h.waitState(t, Active)

	// the remote address moves without a new lifecycle cycle
	servers["8080/tcp"] = "127.0.0.1:30000"

	for _, name := range []string{"server.port.8080", "server.port.8080/tcp"} {
		value, ok := h.resolver.Resolve(name)
		require.True(t, ok, name)
		require.Equal(t, "127.0.0.1:21212", value, name)
	}
	require.Equal(t, "http://127.0.0.1:21212", h.registry.Expand("http://${server.port.8080}"))

	select {
	case c := <-f.calls:
		t.Fatalf("unexpected fetch for %s", c.machineID)
	default:
	}
}

func TestResolver_RestartReplacesHeldSet(t *testing.T) {
	ctx := context.Background()
	f := newBlockingFetcher()
	h := newHarness(t, f, Options{})

	require.NoError(t, h.resolver.OnEnvironmentStarted(ctx, "ws-1", "m-1"))
	f.next(t).reply <- fetchResult{descriptor: descriptor("m-1", map[string]string{"8080/tcp": "10.0.0.1:1"})}
	h.waitState(t, Active)

	require.NoError(t, h.resolver.OnEnvironmentStarted(ctx, "ws-1", "m-1"))
	call := f.next(t)
	h.flush(t)
	require.Equal(t, AwaitingDescriptor, h.resolver.State())
	require.Empty(t, h.snapshot())

	call.reply <- fetchResult{descriptor: descriptor("m-1", map[string]string{"ws": "10.0.0.1:2"})}
	h.waitState(t, Active)
	require.Equal(t, []entry{{"server.port.ws", "ws", "10.0.0.1:2"}}, h.snapshot())
}

func TestResolver_FetchTimeout(t *testing.T) {
	ctx := context.Background()
	fetcher := fetcherFunc(func(ctx context.Context, _, _ string) (*models.MachineDescriptor, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, fetcher, Options{FetchTimeout: 20 * time.Millisecond})

	require.NoError(t, h.resolver.OnEnvironmentStarted(ctx, "ws-1", "m-1"))
	h.waitFetches(t, metrics.ResultError, 1)
	require.Equal(t, AwaitingDescriptor, h.resolver.State())
}

func TestResolver_RunExitUnregisters(t *testing.T) {
	ctx := context.Background()
	f := newBlockingFetcher()
	h := newHarness(t, f, Options{})

	require.NoError(t, h.resolver.OnEnvironmentStarted(ctx, "ws-1", "m-1"))
	f.next(t).reply <- fetchResult{descriptor: descriptor("m-1", map[string]string{"ws": "10.0.0.1:1"})}
	h.waitState(t, Active)

	h.cancel()
	select {
	case err := <-h.done:
		require.ErrorIs(t, err, context.Canceled)
		h.done <- err
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	require.Empty(t, h.snapshot())
	require.Equal(t, Stopped, h.resolver.State())
}

func TestResolver_HandleRejectsInvalidEvents(t *testing.T) {
	h := newHarness(t, newBlockingFetcher(), Options{})
	ctx := context.Background()

	err := h.resolver.Handle(ctx, models.LifecycleEvent{Kind: "paused"})
	require.ErrorIs(t, err, models.ErrInvalidEvent)

	err = h.resolver.Handle(ctx, models.LifecycleEvent{Kind: models.EventStarted})
	require.ErrorIs(t, err, models.ErrInvalidEvent)

	require.NoError(t, h.resolver.Handle(ctx, models.LifecycleEvent{Kind: models.EventStopped}))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "idle", Idle.String())
	require.Equal(t, "awaiting_descriptor", AwaitingDescriptor.String())
	require.Equal(t, "active", Active.String())
	require.Equal(t, "stopped", Stopped.String())
	require.Equal(t, "unknown", State(42).String())
}
