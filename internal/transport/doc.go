// Package transport defines the client side of the remote protocol: a
// Connection that pairs every outbound call with exactly one result and
// delivers daemon pushes to a protocol.Client. Implementations live in the
// simulated and socket subpackages and in internal/dbus.
package transport
