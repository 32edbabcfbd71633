// Package transport carries relay frames over WebSocket.
//
// Each accepted connection gets a reader goroutine (the HTTP handler itself)
// and a writer goroutine fed by a bounded queue. Send never blocks the hub:
// a connection whose queue overflows is dropped. Liveness pings are
// WebSocket control frames and their pongs are reported back to the hub.
package transport
