// Package registry maps namespaces to data providers and routes calls to
// them. Dispatch is serialized per namespace and bounded by a call timeout;
// lifecycle events fan out to every provider concurrently.
package registry
