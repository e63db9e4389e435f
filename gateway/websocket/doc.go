// Package websocket serves the log stream namespace over WebSocket.
//
// Each upgraded socket is one stream connection: opening it subscribes, and a
// read error or close unsubscribes. Every server-to-client event is a text
// frame holding an Envelope:
//
//	{"namespace": "/logs", "event": "connected", "data": {"data": "/logs Connected"}}
//	{"namespace": "/logs", "event": "log_entry", "data": {...}}
//
// Each client has:
//  1. A read goroutine that detects disconnect (client messages are ignored)
//  2. A write goroutine draining a bounded queue
//  3. A ping ticker on the write goroutine
//
// The queue drops the oldest event when full, so a slow browser never blocks
// its poller.
package websocket
