// Package events provides the in-process event bus that decouples the
// lifecycle manager, sandbox layer, resource monitors and authorization
// engines from each other and from the shell.
//
// Delivery is synchronous and ordered. A handler that panics is recovered
// and logged; it never reaches other handlers or the publisher.
//
// Example Usage:
//
//	bus := events.NewBus(logger)
//	off := bus.Subscribe(events.AppMounted, func(e events.Event) {
//	    log.Println("mounted", e.AppID)
//	})
//	defer off()
package events
