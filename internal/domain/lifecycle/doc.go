// Package lifecycle runs app instances through their state machine.
//
// States:
//
//	initializing -> loading -> mounted -> active <-> inactive
//	                   ^          |          |          |
//	                   |          +----------+----------+--> error
//	                   +------------ retry ---------------------+
//	any running state -> unmounting -> unmounted
//
// At most one instance exists per app id and at most one instance is
// active. Loads are admitted only while fewer than the configured ceiling
// of instances are mounted, active or loading.
//
// Every transition is published on the event bus.
package lifecycle
