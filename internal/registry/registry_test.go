package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/provider"
)

type stubProvider struct {
	*provider.Base
	static  provider.Properties
	dynamic provider.Properties
	initErr error
	handle  func(ctx context.Context, msg provider.Message, reply *provider.Reply)
	onHook  func(ctx context.Context, ev provider.Event)
	closed  atomic.Bool
}

func newStub(ns provider.Namespace) *stubProvider {
	return &stubProvider{Base: provider.NewBase(ns, nil)}
}

func (s *stubProvider) Initialise(ctx context.Context, pub provider.Publisher) error {
	if s.initErr != nil {
		return s.initErr
	}
	s.Attach(pub)
	if s.static != nil {
		if err := s.SetStatic(s.static); err != nil {
			return err
		}
	}
	if s.dynamic != nil {
		return s.SetDynamic(s.dynamic)
	}
	return nil
}

func (s *stubProvider) HandleMessage(ctx context.Context, msg provider.Message, reply *provider.Reply) {
	if s.handle == nil {
		reply.Send(provider.Properties{"echo": msg.Function})
		return
	}
	s.handle(ctx, msg, reply)
}

func (s *stubProvider) hook(ctx context.Context, ev provider.Event) {
	if s.onHook != nil {
		s.onHook(ctx, ev)
	}
}

func (s *stubProvider) OnDeviceSleep(ctx context.Context) { s.hook(ctx, provider.EventDeviceSleep) }
func (s *stubProvider) OnDeviceWake(ctx context.Context)  { s.hook(ctx, provider.EventDeviceWake) }
func (s *stubProvider) OnHourChange(ctx context.Context)  { s.hook(ctx, provider.EventHourChange) }

func (s *stubProvider) Close() error {
	s.closed.Store(true)
	return nil
}

type capturePublisher struct {
	mu   sync.Mutex
	got  []provider.Properties
	from []provider.Namespace
}

func (c *capturePublisher) PublishDynamic(ns provider.Namespace, p provider.Properties) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, p)
	c.from = append(c.from, ns)
}

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func msg(ns provider.Namespace, fn string) provider.Message {
	return provider.Message{Namespace: ns, Function: fn, Data: provider.Properties{}}
}

func TestRegistry_RegisterResolveReplace(t *testing.T) {
	r := New(nil)
	ctx := context.Background()

	p1 := newStub(provider.Weather)
	require.NoError(t, r.Register(ctx, p1))
	got, err := r.Resolve(provider.Weather)
	require.NoError(t, err)
	assert.Same(t, p1, got)

	p2 := newStub(provider.Weather)
	require.NoError(t, r.Register(ctx, p2))
	got, err = r.Resolve(provider.Weather)
	require.NoError(t, err)
	assert.Same(t, p2, got)
	assert.True(t, p1.closed.Load(), "replaced provider should be closed")
	assert.False(t, p2.closed.Load())
	assert.Equal(t, []provider.Namespace{provider.Weather}, r.Namespaces())
}

func TestRegistry_ReplacedProviderPublishesAreDropped(t *testing.T) {
	pub := &capturePublisher{}
	r := New(nil)
	r.SetPublisher(pub)
	ctx := context.Background()

	p1 := newStub(provider.Weather)
	require.NoError(t, r.Register(ctx, p1))
	require.NoError(t, r.Register(ctx, newStub(provider.Weather)))

	require.NoError(t, p1.SetDynamic(provider.Properties{"stale": true}))
	assert.Equal(t, 0, pub.count())
}

func TestRegistry_InitialiseFailureDoesNotRegister(t *testing.T) {
	r := New(nil)
	p := newStub(provider.Media)
	p.initErr = errors.New("no player")

	err := r.Register(context.Background(), p)
	require.Error(t, err)
	_, err = r.Resolve(provider.Media)
	assert.ErrorIs(t, err, protocol.ErrNamespaceNotFound)
}

func TestRegistry_RegisterInvalidNamespace(t *testing.T) {
	r := New(nil)
	err := r.Register(context.Background(), newStub("Not Valid"))
	assert.ErrorIs(t, err, ErrInvalidNamespace)
}

func TestRegistry_Deregister(t *testing.T) {
	r := New(nil)
	p := newStub(provider.Media)
	require.NoError(t, r.Register(context.Background(), p))

	assert.True(t, r.Deregister(provider.Media))
	assert.False(t, r.Deregister(provider.Media))
	assert.True(t, p.closed.Load())
	assert.Empty(t, r.Namespaces())
}

func TestRegistry_DispatchUnknownNamespace(t *testing.T) {
	r := New(nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.Dispatch(context.Background(), msg("nowhere", "f"))
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, protocol.ErrNamespaceNotFound)
		var perr *protocol.Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, provider.Namespace("nowhere"), perr.Namespace)
	case <-time.After(time.Second):
		t.Fatal("dispatch to unknown namespace hung")
	}
}

func TestRegistry_DispatchMalformed(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(context.Background(), newStub(provider.Weather)))

	_, err := r.Dispatch(context.Background(), provider.Message{Namespace: provider.Weather})
	assert.ErrorIs(t, err, protocol.ErrMalformedPayload)

	bad := msg(provider.Weather, "f")
	bad.Data["ch"] = make(chan int)
	_, err = r.Dispatch(context.Background(), bad)
	assert.ErrorIs(t, err, protocol.ErrMalformedPayload)
}

func TestRegistry_DispatchSecondReplyIgnored(t *testing.T) {
	r := New(nil)
	p := newStub(provider.Weather)
	p.handle = func(_ context.Context, _ provider.Message, reply *provider.Reply) {
		reply.Send(provider.Properties{"n": 1})
		reply.Send(provider.Properties{"n": 2})
		reply.Fail(errors.New("late"))
	}
	require.NoError(t, r.Register(context.Background(), p))

	res, err := r.Dispatch(context.Background(), msg(provider.Weather, "f"))
	require.NoError(t, err)
	assert.Equal(t, provider.Properties{"n": 1}, res)
}

func TestRegistry_DispatchTimeoutThenRecovers(t *testing.T) {
	r := New(nil)
	r.SetTimeouts(50*time.Millisecond, 0)

	var calls atomic.Int32
	p := newStub(provider.Weather)
	p.handle = func(_ context.Context, m provider.Message, reply *provider.Reply) {
		if calls.Add(1) == 1 {
			// Never reply.
			return
		}
		reply.Send(provider.Properties{"ok": true})
	}
	require.NoError(t, r.Register(context.Background(), p))

	start := time.Now()
	_, err := r.Dispatch(context.Background(), msg(provider.Weather, "stuck"))
	assert.ErrorIs(t, err, protocol.ErrProviderTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	res, err := r.Dispatch(context.Background(), msg(provider.Weather, "fine"))
	require.NoError(t, err)
	assert.Equal(t, true, res["ok"])
}

func TestRegistry_DispatchPanicBecomesProviderFailed(t *testing.T) {
	r := New(nil)
	p := newStub(provider.Weather)
	p.handle = func(context.Context, provider.Message, *provider.Reply) {
		panic("kaboom")
	}
	require.NoError(t, r.Register(context.Background(), p))

	_, err := r.Dispatch(context.Background(), msg(provider.Weather, "f"))
	assert.ErrorIs(t, err, protocol.ErrProviderFailed)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRegistry_DispatchProviderError(t *testing.T) {
	r := New(nil)
	p := newStub(provider.Weather)
	p.handle = func(_ context.Context, _ provider.Message, reply *provider.Reply) {
		reply.Fail(errors.New("api down"))
	}
	require.NoError(t, r.Register(context.Background(), p))

	_, err := r.Dispatch(context.Background(), msg(provider.Weather, "f"))
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, protocol.CodeProviderFailed, perr.Code)
	assert.Equal(t, provider.Weather, perr.Namespace)
}

func TestRegistry_DispatchSerializedPerNamespace(t *testing.T) {
	r := New(nil)

	var inFlight, maxInFlight atomic.Int32
	handle := func(_ context.Context, _ provider.Message, reply *provider.Reply) {
		n := inFlight.Add(1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		reply.Send(nil)
	}
	p := newStub(provider.Weather)
	p.handle = handle
	require.NoError(t, r.Register(context.Background(), p))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Dispatch(context.Background(), msg(provider.Weather, "f"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestRegistry_DispatchConcurrentAcrossNamespaces(t *testing.T) {
	r := New(nil)
	release := make(chan struct{})

	blocking := newStub(provider.Weather)
	blocking.handle = func(_ context.Context, _ provider.Message, reply *provider.Reply) {
		<-release
		reply.Send(nil)
	}
	require.NoError(t, r.Register(context.Background(), blocking))
	require.NoError(t, r.Register(context.Background(), newStub(provider.Media)))

	go func() {
		_, _ = r.Dispatch(context.Background(), msg(provider.Weather, "slow"))
	}()

	res, err := r.Dispatch(context.Background(), msg(provider.Media, "fast"))
	require.NoError(t, err)
	assert.Equal(t, "fast", res["echo"])
	close(release)
}

func TestRegistry_NotifySlowProviderDoesNotBlockOthers(t *testing.T) {
	r := New(nil)
	r.SetTimeouts(0, 50*time.Millisecond)

	var mu sync.Mutex
	delivered := map[provider.Namespace]provider.Event{}
	record := func(ns provider.Namespace) func(context.Context, provider.Event) {
		return func(_ context.Context, ev provider.Event) {
			mu.Lock()
			delivered[ns] = ev
			mu.Unlock()
		}
	}

	slow := newStub(provider.Weather)
	slow.onHook = func(context.Context, provider.Event) { time.Sleep(time.Second) }
	fast1 := newStub(provider.Media)
	fast1.onHook = record(provider.Media)
	fast2 := newStub(provider.Location)
	fast2.onHook = record(provider.Location)

	for _, p := range []*stubProvider{slow, fast1, fast2} {
		require.NoError(t, r.Register(context.Background(), p))
	}

	start := time.Now()
	r.Notify(context.Background(), provider.EventDeviceSleep)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, provider.EventDeviceSleep, delivered[provider.Media])
	assert.Equal(t, provider.EventDeviceSleep, delivered[provider.Location])
}

func TestRegistry_NotifyHookPanicIsContained(t *testing.T) {
	r := New(nil)
	var got atomic.Bool

	bad := newStub(provider.Weather)
	bad.onHook = func(context.Context, provider.Event) { panic("hook") }
	good := newStub(provider.Media)
	good.onHook = func(context.Context, provider.Event) { got.Store(true) }
	require.NoError(t, r.Register(context.Background(), bad))
	require.NoError(t, r.Register(context.Background(), good))

	r.Notify(context.Background(), provider.EventHourChange)
	assert.True(t, got.Load())
}

func TestRegistry_WeatherSnapshotScenario(t *testing.T) {
	r := New(nil)
	p := newStub(provider.Weather)
	p.static = provider.Properties{"units": "metric"}
	p.dynamic = provider.Properties{"temp": 20}
	require.NoError(t, r.Register(context.Background(), p))

	d, err := r.Snapshot(provider.Weather)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"static":  map[string]any{"units": "metric"},
		"dynamic": map[string]any{"temp": 20},
	}, d.ToMap())

	all := r.SnapshotAll()
	require.Len(t, all, 1)
	assert.Equal(t, d, all[provider.Weather])
}

func TestRegistry_SnapshotAllConsistentUnderMutation(t *testing.T) {
	r := New(nil)
	p := newStub(provider.Resources)
	p.static = provider.Properties{"host": "box"}
	p.dynamic = provider.Properties{"a": 0, "b": 0}
	require.NoError(t, r.Register(context.Background(), p))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for i := 1; ctx.Err() == nil; i++ {
			_ = p.UpdateDynamic(func(d provider.Properties) {
				d["a"] = i
				d["b"] = i
			})
		}
	}()

	for i := 0; i < 2000; i++ {
		snap := r.SnapshotAll()[provider.Resources]
		require.Equal(t, snap.Dynamic["a"], snap.Dynamic["b"], fmt.Sprintf("torn snapshot at iteration %d", i))
		require.Equal(t, "box", snap.Static["host"])
	}
}

func TestRegistry_Close(t *testing.T) {
	r := New(nil)
	a, b := newStub(provider.Weather), newStub(provider.Media)
	require.NoError(t, r.Register(context.Background(), a))
	require.NoError(t, r.Register(context.Background(), b))

	r.Close()
	assert.True(t, a.closed.Load())
	assert.True(t, b.closed.Load())
	assert.Empty(t, r.Namespaces())
}
