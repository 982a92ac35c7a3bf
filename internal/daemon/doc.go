// Package daemon provides the main orchestration for widgetinfod.
// It coordinates the provider registry, the device state manager, the
// listener that bridges them to clients, the D-Bus and socket transports,
// and configuration hot-reload.
package daemon
