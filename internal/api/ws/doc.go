// Package ws streams host bus events to WebSocket clients.
//
// A client connects to the events endpoint and receives every bus event
// that passes its filter. The filter is set at connect time with query
// parameters and can be replaced later with a subscribe message.
//
// Query parameters:
//   - app: only events for this app ID
//   - types: comma separated event types or patterns, e.g. "app:*"
//
// Message Types (Client → Server):
//   - subscribe: replace the filter ({"type":"subscribe","app_id":...,"types":[...]})
//   - ping: keep-alive ping
//
// Message Types (Server → Client):
//   - system: connection established
//   - event: one bus event
//   - pong: reply to ping
//   - error: malformed or unknown client message
//
// Example Usage:
//
//	stream := ws.NewHandler(bus, logger).WithMetrics(metrics)
//	router.GET("/events", stream.HandleConnection)
package ws
