// Package state tracks device-wide state (sleep and network reachability)
// and turns platform notifications into de-duplicated transition events.
//
// Platform observations come from Sources: logind for sleep, NetworkManager
// for connectivity and a wall clock watcher for hour and significant time
// changes. Sources feed the Manager, which owns the state and emits events to
// its Delegate.
package state
