package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/provider"
	"github.com/jmylchreest/widgetinfo/internal/registry"
	"github.com/jmylchreest/widgetinfo/internal/state"
	"github.com/jmylchreest/widgetinfo/internal/transport/simulated"
)

// weatherProvider serves fixed data and records lifecycle hooks. Messages
// to "hang" never reply.
type weatherProvider struct {
	*provider.Base

	mu     sync.Mutex
	events []provider.Event
}

func newWeatherProvider() *weatherProvider {
	return &weatherProvider{Base: provider.NewBase(provider.Weather, nil)}
}

func (p *weatherProvider) Initialise(_ context.Context, pub provider.Publisher) error {
	p.Attach(pub)
	if err := p.SetStatic(provider.Properties{"units": "metric"}); err != nil {
		return err
	}
	return p.SetDynamic(provider.Properties{"temp": int64(20)})
}

func (p *weatherProvider) HandleMessage(_ context.Context, msg provider.Message, reply *provider.Reply) {
	switch msg.Function {
	case "hang":
		return
	case "setTemp":
		_ = p.UpdateDynamic(func(d provider.Properties) { d["temp"] = msg.Data["temp"] })
		reply.Send(provider.Properties{"ok": true})
	default:
		reply.Send(provider.Properties{"echo": msg.Function})
	}
}

func (p *weatherProvider) record(ev provider.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *weatherProvider) recorded() []provider.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.Event(nil), p.events...)
}

func (p *weatherProvider) OnDeviceSleep(context.Context) { p.record(provider.EventDeviceSleep) }
func (p *weatherProvider) OnDeviceWake(context.Context)  { p.record(provider.EventDeviceWake) }
func (p *weatherProvider) OnNetworkUp(context.Context)   { p.record(provider.EventNetworkUp) }
func (p *weatherProvider) OnNetworkDown(context.Context) { p.record(provider.EventNetworkDown) }

// recordingClient records every push. gate, when set, blocks each
// DynamicPropertiesUpdated until a value is received.
type recordingClient struct {
	mu      sync.Mutex
	updates []provider.Properties
	events  []provider.Event
	gate    chan struct{}
}

func (c *recordingClient) DynamicPropertiesUpdated(_ provider.Namespace, d provider.Properties) {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, d)
}

func (c *recordingClient) event(ev provider.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *recordingClient) DeviceDidEnterSleep()   { c.event(provider.EventDeviceSleep) }
func (c *recordingClient) DeviceDidExitSleep()    { c.event(provider.EventDeviceWake) }
func (c *recordingClient) NetworkConnected()      { c.event(provider.EventNetworkUp) }
func (c *recordingClient) NetworkDisconnected()   { c.event(provider.EventNetworkDown) }
func (c *recordingClient) SignificantTimeChange() { c.event(provider.EventSignificantTimeChange) }
func (c *recordingClient) HourChange()            { c.event(provider.EventHourChange) }

func (c *recordingClient) snapshot() ([]provider.Properties, []provider.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]provider.Properties(nil), c.updates...), append([]provider.Event(nil), c.events...)
}

type fixture struct {
	registry *registry.Registry
	state    *state.Manager
	listener *Listener
	weather  *weatherProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	reg := registry.New(nil)
	st := state.NewManager(ctx, nil, nil, nil)
	l := NewListener(reg, st, nil)
	require.NoError(t, l.Start(ctx))

	w := newWeatherProvider()
	require.NoError(t, reg.Register(ctx, w))

	t.Cleanup(func() {
		l.Stop()
		reg.Close()
	})
	return &fixture{registry: reg, state: st, listener: l, weather: w}
}

func TestListenerRequestCurrentProperties(t *testing.T) {
	f := newFixture(t)

	data, err := f.listener.RequestCurrentProperties(context.Background(), provider.Weather)
	require.NoError(t, err)
	assert.Equal(t, provider.Properties{"units": "metric"}, data.Static)
	assert.Equal(t, provider.Properties{"temp": int64(20)}, data.Dynamic)

	_, err = f.listener.RequestCurrentProperties(context.Background(), provider.Media)
	assert.ErrorIs(t, err, protocol.ErrNamespaceNotFound)
}

func TestListenerDeviceStateCapability(t *testing.T) {
	f := newFixture(t)

	st, err := f.listener.RequestCurrentDeviceState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.DeviceState{Sleep: false, Network: true}, st)

	f.listener.SetDeviceStateEnabled(false)
	_, err = f.listener.RequestCurrentDeviceState(context.Background())
	assert.True(t, protocol.IsCapabilityUnavailable(err))
}

func TestListenerBroadcastsStateEventsInOrder(t *testing.T) {
	f := newFixture(t)
	c1, c2 := &recordingClient{}, &recordingClient{}
	defer f.listener.Attach(c1)()
	defer f.listener.Attach(c2)()

	f.state.SetSleeping(true)
	f.state.SetSleeping(true) // duplicate, not re-emitted
	f.state.SetNetworkReachable(false)
	f.state.SetSleeping(false)
	f.state.NoteHourChange()

	want := []provider.Event{
		provider.EventDeviceSleep,
		provider.EventNetworkDown,
		provider.EventDeviceWake,
		provider.EventHourChange,
	}
	for _, c := range []*recordingClient{c1, c2} {
		assert.Eventually(t, func() bool {
			_, evs := c.snapshot()
			return len(evs) == len(want)
		}, time.Second, 5*time.Millisecond)
		_, evs := c.snapshot()
		assert.Equal(t, want, evs)
	}

	// Providers get the hooks they implement, in the same order.
	assert.Eventually(t, func() bool { return len(f.weather.recorded()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []provider.Event{
		provider.EventDeviceSleep,
		provider.EventNetworkDown,
		provider.EventDeviceWake,
	}, f.weather.recorded())
}

// stuckProvider blocks in OnDeviceSleep until release is closed.
type stuckProvider struct {
	*provider.Base
	release chan struct{}
}

func (p *stuckProvider) OnDeviceSleep(context.Context) { <-p.release }

func TestListenerSlowHookDoesNotDelayClients(t *testing.T) {
	f := newFixture(t)
	f.registry.SetTimeouts(0, 5*time.Second)

	stuck := &stuckProvider{Base: provider.NewBase(provider.Media, nil), release: make(chan struct{})}
	require.NoError(t, f.registry.Register(context.Background(), stuck))
	defer close(stuck.release)

	c := &recordingClient{}
	defer f.listener.Attach(c)()

	f.state.SetSleeping(true)
	f.state.SetSleeping(false)

	// Both events reach the client while the sleep hook is still blocked.
	require.Eventually(t, func() bool {
		_, evs := c.snapshot()
		return len(evs) == 2
	}, time.Second, 5*time.Millisecond)
	_, evs := c.snapshot()
	assert.Equal(t, []provider.Event{provider.EventDeviceSleep, provider.EventDeviceWake}, evs)

	// Hooks stay ordered behind the slow one.
	require.Eventually(t, func() bool { return len(f.weather.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []provider.Event{provider.EventDeviceSleep}, f.weather.recorded())
}

func TestListenerWithoutClients(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 0, f.listener.Clients())

	f.state.SetSleeping(true)
	assert.Eventually(t, func() bool { return len(f.weather.recorded()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestListenerDetach(t *testing.T) {
	f := newFixture(t)
	c := &recordingClient{}
	detach := f.listener.Attach(c)
	assert.Equal(t, 1, f.listener.Clients())

	detach()
	detach()
	assert.Equal(t, 0, f.listener.Clients())

	f.state.SetSleeping(true)
	assert.Eventually(t, func() bool { return len(f.weather.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	_, evs := c.snapshot()
	assert.Empty(t, evs)
}

func TestListenerCoalescesDynamicUpdates(t *testing.T) {
	f := newFixture(t)
	c := &recordingClient{gate: make(chan struct{})}
	defer f.listener.Attach(c)()

	ctx := context.Background()
	setTemp := func(v int64) {
		_, err := f.listener.DeliverWidgetMessage(ctx, provider.Message{
			Namespace: provider.Weather,
			Function:  "setTemp",
			Data:      provider.Properties{"temp": v},
		})
		require.NoError(t, err)
	}

	// The first push blocks in the client; everything after it piles up.
	// Values start above the initial snapshot, which may still be in flight.
	setTemp(101)
	time.Sleep(20 * time.Millisecond)
	for i := int64(102); i <= 200; i++ {
		setTemp(i)
	}
	close(c.gate)

	assert.Eventually(t, func() bool {
		ups, _ := c.snapshot()
		return len(ups) > 0 && ups[len(ups)-1]["temp"] == int64(200)
	}, time.Second, 5*time.Millisecond)

	ups, _ := c.snapshot()
	assert.Less(t, len(ups), 100, "intermediate snapshots are dropped")

	last := int64(0)
	for _, u := range ups {
		v := u["temp"].(int64)
		assert.Greater(t, v, last, "never an older snapshot after a newer one")
		last = v
	}
}

func TestEndToEndSimulated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conn := simulated.New(f.listener, nil)
	defer conn.Close()
	client := &recordingClient{}
	conn.SetClient(client)

	data, err := conn.RequestCurrentProperties(ctx, provider.Weather)
	require.NoError(t, err)
	assert.Equal(t, provider.Properties{"units": "metric"}, data.Static)
	assert.Equal(t, provider.Properties{"temp": int64(20)}, data.Dynamic)

	res, err := conn.SendWidgetMessage(ctx, provider.Message{
		Namespace: provider.Weather,
		Function:  "setTemp",
		Data:      provider.Properties{"temp": int64(23)},
	})
	require.NoError(t, err)
	assert.Equal(t, true, res["ok"])

	assert.Eventually(t, func() bool {
		ups, _ := client.snapshot()
		return len(ups) > 0 && ups[len(ups)-1]["temp"] == int64(23)
	}, time.Second, 5*time.Millisecond)

	f.state.SetNetworkReachable(false)
	assert.Eventually(t, func() bool {
		_, evs := client.snapshot()
		return len(evs) == 1 && evs[0] == provider.EventNetworkDown
	}, time.Second, 5*time.Millisecond)

	st, err := conn.RequestCurrentDeviceState(ctx)
	require.NoError(t, err)
	assert.False(t, st.Network)
}

func TestEndToEndProviderTimeout(t *testing.T) {
	f := newFixture(t)
	f.registry.SetTimeouts(50*time.Millisecond, 0)
	ctx := context.Background()

	conn := simulated.New(f.listener, nil)
	defer conn.Close()

	_, err := conn.SendWidgetMessage(ctx, provider.Message{Namespace: provider.Weather, Function: "hang"})
	assert.ErrorIs(t, err, protocol.ErrProviderTimeout)

	res, err := conn.SendWidgetMessage(ctx, provider.Message{Namespace: provider.Weather, Function: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "ping", res["echo"])

	_, err = conn.SendWidgetMessage(ctx, provider.Message{Namespace: "nowhere", Function: "ping"})
	assert.ErrorIs(t, err, protocol.ErrNamespaceNotFound)
}
