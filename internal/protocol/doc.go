// Package protocol defines the transport-agnostic remote protocol between the
// widget-info daemon and its clients, and the error taxonomy carried on it.
package protocol
