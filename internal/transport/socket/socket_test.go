package socket

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/provider"
)

type echoDaemon struct {
	block chan struct{}
	calls atomic.Int32
}

func (d *echoDaemon) DeliverWidgetMessage(_ context.Context, msg provider.Message) (provider.Properties, error) {
	d.calls.Add(1)
	if d.block != nil {
		<-d.block
	}
	if msg.Namespace != provider.Weather {
		return nil, protocol.Errorf(protocol.CodeNamespaceNotFound, msg.Namespace, "missing")
	}
	time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
	return provider.Properties{"function": msg.Function, "echo": msg.Data["n"]}, nil
}

func (d *echoDaemon) RequestCurrentProperties(_ context.Context, ns provider.Namespace) (provider.Data, error) {
	return provider.Data{
		Static:  provider.Properties{"units": "metric"},
		Dynamic: provider.Properties{"temp": 20},
	}, nil
}

func (d *echoDaemon) RequestCurrentDeviceState(context.Context) (protocol.DeviceState, error) {
	return protocol.DeviceState{Sleep: false, Network: true}, nil
}

type pushRecorder struct {
	protocol.NopClient
	mu      sync.Mutex
	updates []provider.Properties
	events  []string
}

func (r *pushRecorder) DynamicPropertiesUpdated(_ provider.Namespace, p provider.Properties) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, p)
}

func (r *pushRecorder) NetworkDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "down")
}

func (r *pushRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates), len(r.events)
}

func startServer(t *testing.T, d protocol.Daemon) (*Server, string, context.CancelFunc) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "w.sock")
	srv := NewServer(path, d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool {
		c, err := Dial(context.Background(), path, nil)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	stop := sync.OnceFunc(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	t.Cleanup(stop)
	return srv, path, stop
}

func dial(t *testing.T, path string) *Connection {
	t.Helper()
	c, err := Dial(context.Background(), path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSocket_ConcurrentCallsArePaired(t *testing.T) {
	_, path, _ := startServer(t, &echoDaemon{})
	c := dial(t, path)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn := fmt.Sprintf("f%d", i)
			res, err := c.SendWidgetMessage(context.Background(), provider.Message{
				Namespace: provider.Weather,
				Function:  fn,
				Data:      provider.Properties{"n": i},
			})
			if assert.NoError(t, err) {
				assert.Equal(t, fn, res["function"])
				assert.Equal(t, int64(i), res["echo"])
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, c.pending.Len())
}

func TestSocket_PropertiesStateAndErrors(t *testing.T) {
	_, path, _ := startServer(t, &echoDaemon{})
	c := dial(t, path)
	ctx := context.Background()

	d, err := c.RequestCurrentProperties(ctx, provider.Weather)
	require.NoError(t, err)
	assert.Equal(t, "metric", d.Static["units"])
	assert.Equal(t, provider.Properties{"temp": int64(20)}, d.Dynamic)

	st, err := c.RequestCurrentDeviceState(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.DeviceState{Network: true}, st)

	_, err = c.SendWidgetMessage(ctx, provider.Message{Namespace: provider.Media, Function: "play"})
	assert.ErrorIs(t, err, protocol.ErrNamespaceNotFound)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, provider.Media, perr.Namespace)
}

func TestSocket_PushesReachEveryClient(t *testing.T) {
	srv, path, _ := startServer(t, &echoDaemon{})

	recs := []*pushRecorder{{}, {}}
	for _, r := range recs {
		c := dial(t, path)
		c.SetClient(r)
	}
	require.Eventually(t, func() bool { return srv.Peers() == 2 }, time.Second, 5*time.Millisecond)

	srv.DynamicPropertiesUpdated(provider.Weather, provider.Properties{"temp": 21})
	srv.NetworkDisconnected()

	for _, r := range recs {
		require.Eventually(t, func() bool {
			u, e := r.counts()
			return u == 1 && e == 1
		}, time.Second, 5*time.Millisecond)
		r.mu.Lock()
		assert.Equal(t, int64(21), r.updates[0]["temp"])
		r.mu.Unlock()
	}
}

func TestSocket_StalledPeerDoesNotDelayOthers(t *testing.T) {
	srv, path, _ := startServer(t, &echoDaemon{})

	// A peer that never reads; its socket buffer fills after a few frames.
	stalled, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer stalled.Close()

	rec := &pushRecorder{}
	dial(t, path).SetClient(rec)
	require.Eventually(t, func() bool { return srv.Peers() == 2 }, time.Second, 5*time.Millisecond)

	const n = 20
	blob := make([]byte, 256<<10)
	start := time.Now()
	for i := 0; i < n; i++ {
		srv.DynamicPropertiesUpdated(provider.Weather, provider.Properties{"n": i, "blob": blob})
	}
	assert.Less(t, time.Since(start), time.Second, "broadcast waited on a peer")

	require.Eventually(t, func() bool {
		u, _ := rec.counts()
		return u == n
	}, 2*time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, int64(n-1), rec.updates[n-1]["n"])
	rec.mu.Unlock()
}

func TestSocket_ShutdownFailsPendingAndInvalidatesOnce(t *testing.T) {
	d := &echoDaemon{block: make(chan struct{})}
	defer close(d.block)
	_, path, stop := startServer(t, d)
	c := dial(t, path)

	var invalidations atomic.Int32
	c.SetInvalidationHandler(func(err error) {
		assert.ErrorIs(t, err, protocol.ErrConnectionLost)
		invalidations.Add(1)
	})

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.SendWidgetMessage(context.Background(), provider.Message{Namespace: provider.Weather, Function: "f"})
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return d.calls.Load() == n }, time.Second, 5*time.Millisecond)

	go stop()

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, protocol.ErrConnectionLost)
		case <-time.After(2 * time.Second):
			t.Fatal("pending call not resolved after server shutdown")
		}
	}
	assert.Equal(t, 0, c.pending.Len())
	require.Eventually(t, func() bool { return invalidations.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := c.RequestCurrentProperties(context.Background(), provider.Weather)
	assert.ErrorIs(t, err, protocol.ErrConnectionLost)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), invalidations.Load())
}

func TestSocket_CloseDoesNotInvalidate(t *testing.T) {
	_, path, _ := startServer(t, &echoDaemon{})
	c, err := Dial(context.Background(), path, nil)
	require.NoError(t, err)

	var invalidated atomic.Bool
	c.SetInvalidationHandler(func(error) { invalidated.Store(true) })
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	time.Sleep(20 * time.Millisecond)
	assert.False(t, invalidated.Load())
}

func TestSocket_HandlerSetAfterLossFiresAtOnce(t *testing.T) {
	_, path, stop := startServer(t, &echoDaemon{})
	c := dial(t, path)
	stop()

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := c.RequestCurrentProperties(ctx, provider.Weather)
		return errors.Is(err, protocol.ErrConnectionLost)
	}, 2*time.Second, 10*time.Millisecond)

	fired := make(chan error, 1)
	c.SetInvalidationHandler(func(err error) { fired <- err })
	select {
	case err := <-fired:
		assert.ErrorIs(t, err, protocol.ErrConnectionLost)
	case <-time.After(time.Second):
		t.Fatal("handler installed after the loss never fired")
	}
}
