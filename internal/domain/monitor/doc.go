// Package monitor samples the resource consumption of one app instance on
// a fixed interval and reports limit breaches on the event bus. Monitors
// only report; enforcement is left to the lifecycle and sandbox layers.
package monitor
