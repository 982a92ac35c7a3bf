package provider

import "context"

// Publisher receives full dynamic snapshots from providers. Implementations
// must not block: providers publish while holding their own lock.
type Publisher interface {
	PublishDynamic(ns Namespace, dynamic Properties)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ns Namespace, dynamic Properties)

// PublishDynamic calls f(ns, dynamic).
func (f PublisherFunc) PublishDynamic(ns Namespace, dynamic Properties) {
	f(ns, dynamic)
}

// Lifecycle hooks are fire-and-forget. Each may be delivered more than once
// and must tolerate that. The context is bounded by the registry's hook
// timeout.
type Lifecycle interface {
	OnDeviceSleep(ctx context.Context)
	OnDeviceWake(ctx context.Context)
	OnNetworkUp(ctx context.Context)
	OnNetworkDown(ctx context.Context)
	OnSignificantTimeChange(ctx context.Context)
	OnHourChange(ctx context.Context)
}

// Provider owns the data for a single namespace.
type Provider interface {
	Lifecycle

	// Namespace returns the stable namespace identifier.
	Namespace() Namespace

	// Initialise computes the static snapshot and starts any internal
	// refresh logic. It is called once, before the provider receives calls.
	Initialise(ctx context.Context, pub Publisher) error

	// CurrentData returns a consistent copy of both snapshots.
	CurrentData() Data

	// HandleMessage processes a widget message. The result goes through
	// reply, which accepts exactly one completion.
	HandleMessage(ctx context.Context, msg Message, reply *Reply)
}

// Event is a device-wide state transition delivered to every provider.
type Event int

// Device events.
const (
	EventDeviceSleep Event = iota + 1
	EventDeviceWake
	EventNetworkUp
	EventNetworkDown
	EventSignificantTimeChange
	EventHourChange
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventDeviceSleep:
		return "device_sleep"
	case EventDeviceWake:
		return "device_wake"
	case EventNetworkUp:
		return "network_up"
	case EventNetworkDown:
		return "network_down"
	case EventSignificantTimeChange:
		return "significant_time_change"
	case EventHourChange:
		return "hour_change"
	default:
		return "unknown"
	}
}

// Deliver invokes the hook matching e on l.
func (e Event) Deliver(ctx context.Context, l Lifecycle) {
	switch e {
	case EventDeviceSleep:
		l.OnDeviceSleep(ctx)
	case EventDeviceWake:
		l.OnDeviceWake(ctx)
	case EventNetworkUp:
		l.OnNetworkUp(ctx)
	case EventNetworkDown:
		l.OnNetworkDown(ctx)
	case EventSignificantTimeChange:
		l.OnSignificantTimeChange(ctx)
	case EventHourChange:
		l.OnHourChange(ctx)
	}
}
