package state

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/widgetinfo/internal/provider"
)

// Delegate receives state transitions and one-shot events. It is called
// while the sub-machine lock is held and must not block.
type Delegate interface {
	StateEvent(ev provider.Event)
}

// DelegateFunc adapts a function to the Delegate interface.
type DelegateFunc func(ev provider.Event)

// StateEvent calls f(ev).
func (f DelegateFunc) StateEvent(ev provider.Event) {
	f(ev)
}

// Summary is a point-in-time read of both sub-machines.
type Summary struct {
	Sleeping         bool `json:"sleeping"`
	NetworkReachable bool `json:"network_reachable"`
}

// Sampler reads the current platform value of a boolean state.
type Sampler interface {
	Sample(ctx context.Context) (bool, error)
}

// binaryState is one Awake/Asleep or Disconnected/Connected sub-machine.
type binaryState struct {
	mu          sync.Mutex
	value       bool
	transitions int
	changedAt   time.Time
}

// Manager owns the sleep and network state. The two sub-machines are locked
// independently.
type Manager struct {
	sleep   binaryState
	network binaryState

	delegateMu sync.RWMutex
	delegate   Delegate

	logger *slog.Logger
}

// NewManager creates a Manager whose initial values are sampled from the
// platform. A nil or failing sleep sampler means awake, since the process is
// running. A nil network sampler means reachable; a failing one means not
// reachable.
func NewManager(ctx context.Context, sleep, network Sampler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{logger: logger}

	if sleep != nil {
		v, err := sleep.Sample(ctx)
		if err != nil {
			logger.Warn("failed to sample sleep state, assuming awake", "error", err)
		} else {
			m.sleep.value = v
		}
	}

	m.network.value = true
	if network != nil {
		v, err := network.Sample(ctx)
		if err != nil {
			logger.Warn("failed to sample network state, assuming disconnected", "error", err)
			v = false
		}
		m.network.value = v
	}

	now := time.Now()
	m.sleep.changedAt = now
	m.network.changedAt = now

	logger.Debug("state manager initialised",
		"sleeping", m.sleep.value,
		"network_reachable", m.network.value,
	)
	return m
}

// SetDelegate sets the receiver of state events.
func (m *Manager) SetDelegate(d Delegate) {
	m.delegateMu.Lock()
	defer m.delegateMu.Unlock()
	m.delegate = d
}

func (m *Manager) emit(ev provider.Event) {
	m.delegateMu.RLock()
	d := m.delegate
	m.delegateMu.RUnlock()

	m.logger.Debug("state event", "event", ev.String())
	if d != nil {
		d.StateEvent(ev)
	}
}

// SetSleeping records a sleep observation. It emits EventDeviceSleep or
// EventDeviceWake only when the value differs from the current state, and
// reports whether a transition happened.
func (m *Manager) SetSleeping(sleeping bool) bool {
	return m.transition(&m.sleep, sleeping, provider.EventDeviceSleep, provider.EventDeviceWake)
}

// SetNetworkReachable records a network observation with the same
// de-duplication as SetSleeping.
func (m *Manager) SetNetworkReachable(reachable bool) bool {
	return m.transition(&m.network, reachable, provider.EventNetworkUp, provider.EventNetworkDown)
}

func (m *Manager) transition(s *binaryState, v bool, onTrue, onFalse provider.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.value == v {
		return false
	}
	s.value = v
	s.transitions++
	s.changedAt = time.Now()

	// Emit under the lock so events leave in transition order.
	if v {
		m.emit(onTrue)
	} else {
		m.emit(onFalse)
	}
	return true
}

// NoteSignificantTimeChange forwards a significant time change.
func (m *Manager) NoteSignificantTimeChange() {
	m.emit(provider.EventSignificantTimeChange)
}

// NoteHourChange forwards an hour boundary.
func (m *Manager) NoteHourChange() {
	m.emit(provider.EventHourChange)
}

// Summarise returns the current state without side effects.
func (m *Manager) Summarise() Summary {
	return Summary{
		Sleeping:         m.Sleeping(),
		NetworkReachable: m.NetworkReachable(),
	}
}

// Sleeping returns the current sleep state.
func (m *Manager) Sleeping() bool {
	m.sleep.mu.Lock()
	defer m.sleep.mu.Unlock()
	return m.sleep.value
}

// NetworkReachable returns the current network state.
func (m *Manager) NetworkReachable() bool {
	m.network.mu.Lock()
	defer m.network.mu.Unlock()
	return m.network.value
}

// Transitions returns how many sleep and network transitions have occurred.
func (m *Manager) Transitions() (sleep, network int) {
	m.sleep.mu.Lock()
	sleep = m.sleep.transitions
	m.sleep.mu.Unlock()

	m.network.mu.Lock()
	network = m.network.transitions
	m.network.mu.Unlock()
	return sleep, network
}

// LastChanged returns when each sub-machine last changed, or when the
// manager was created if it never has.
func (m *Manager) LastChanged() (sleep, network time.Time) {
	m.sleep.mu.Lock()
	sleep = m.sleep.changedAt
	m.sleep.mu.Unlock()

	m.network.mu.Lock()
	network = m.network.changedAt
	m.network.mu.Unlock()
	return sleep, network
}
