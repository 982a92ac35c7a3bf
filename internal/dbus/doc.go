// Package dbus carries the widget-info protocol over the D-Bus session bus.
// The daemon exports the io.github.jmylchreest.WidgetInfo1 interface with
// method calls for widget messages and property snapshots, and emits a
// signal for every push. Property maps travel as CBOR encoded byte arrays
// because nested maps do not fit a{sv} variants.
package dbus
