// Package provider defines the data provider contract: one provider per
// namespace, owning an immutable static snapshot and a mutable dynamic
// snapshot, plus the lifecycle hooks driven by device state changes.
package provider
