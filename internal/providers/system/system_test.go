package system

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/widgetinfo/internal/provider"
	"github.com/jmylchreest/widgetinfo/internal/state"
)

type fakeHost struct {
	infoErr error
	uptime  uint64
}

func (h *fakeHost) Info(context.Context) (*host.InfoStat, error) {
	if h.infoErr != nil {
		return nil, h.infoErr
	}
	return &host.InfoStat{
		Hostname:        "testbox",
		OS:              "linux",
		Platform:        "arch",
		PlatformVersion: "rolling",
		KernelVersion:   "6.18.0",
	}, nil
}

func (h *fakeHost) Uptime(context.Context) (uint64, error) { return h.uptime, nil }
func (h *fakeHost) CPUCount(context.Context) (int, error)  { return 8, nil }
func (h *fakeHost) Interfaces(context.Context) ([]string, error) {
	return []string{"wlan0"}, nil
}

type fixedState state.Summary

func (s fixedState) Summarise() state.Summary { return state.Summary(s) }

type recorder struct {
	mu    sync.Mutex
	snaps []provider.Properties
}

func (r *recorder) PublishDynamic(_ provider.Namespace, d provider.Properties) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, d)
}

func (r *recorder) last() provider.Properties {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func newTestProvider(t *testing.T, st Summariser, h Host) (*Provider, *recorder) {
	t.Helper()
	p := New(st, nil)
	p.SetHost(h)
	rec := &recorder{}
	require.NoError(t, p.Initialise(context.Background(), rec))
	return p, rec
}

func TestInitialise(t *testing.T) {
	p, rec := newTestProvider(t, fixedState{Sleeping: false, NetworkReachable: false}, &fakeHost{uptime: 42})

	data := p.CurrentData()
	assert.Equal(t, provider.System, p.Namespace())
	assert.Equal(t, "testbox", data.Static["deviceName"])
	assert.Equal(t, "rolling", data.Static["systemVersion"])
	assert.Equal(t, int64(8), data.Static["processorCount"])

	assert.Equal(t, false, data.Dynamic["isSleeping"])
	assert.Equal(t, false, data.Dynamic["isNetworkConnected"])
	assert.Equal(t, int64(42), data.Dynamic["uptime"])
	assert.Equal(t, []any{"wlan0"}, data.Dynamic["networkInterfaces"])
	require.Len(t, rec.snaps, 1)
}

func TestInitialiseWithoutHostInfo(t *testing.T) {
	p, _ := newTestProvider(t, nil, &fakeHost{infoErr: errors.New("no /proc")})

	data := p.CurrentData()
	assert.Contains(t, data.Static, "deviceName")
	assert.NotContains(t, data.Static, "kernelVersion")
	assert.Equal(t, true, data.Dynamic["isNetworkConnected"])
}

func TestLifecycleHooks(t *testing.T) {
	h := &fakeHost{uptime: 1}
	p, rec := newTestProvider(t, fixedState{NetworkReachable: true}, h)
	ctx := context.Background()

	p.OnDeviceSleep(ctx)
	assert.Equal(t, true, rec.last()["isSleeping"])

	h.uptime = 100
	p.OnDeviceWake(ctx)
	assert.Equal(t, false, rec.last()["isSleeping"])
	assert.Equal(t, int64(100), rec.last()["uptime"])

	p.OnNetworkDown(ctx)
	assert.Equal(t, false, rec.last()["isNetworkConnected"])
	p.OnNetworkUp(ctx)
	assert.Equal(t, true, rec.last()["isNetworkConnected"])
}

func TestHandleMessage(t *testing.T) {
	p, _ := newTestProvider(t, nil, &fakeHost{uptime: 7})

	reply := provider.NewReply(provider.System, "refresh", nil)
	p.HandleMessage(context.Background(), provider.Message{Namespace: provider.System, Function: "refresh"}, reply)
	res := <-reply.Done()
	require.NoError(t, res.Err)
	assert.Equal(t, int64(7), res.Data["uptime"])

	reply = provider.NewReply(provider.System, "reboot", nil)
	p.HandleMessage(context.Background(), provider.Message{Namespace: provider.System, Function: "reboot"}, reply)
	res = <-reply.Done()
	assert.ErrorIs(t, res.Err, provider.ErrUnsupportedFunction)
}
