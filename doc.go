// Package aprsgate is the admin gateway for an APRS daemon.
//
// The daemon exposes its state over NATS request/reply. aprsgate turns that
// into two things a browser dashboard needs:
//
//   - A status snapshot (GET /stats, /overview, /packets): every fact is
//     fetched independently, and a fact that cannot be fetched is replaced by
//     its default, so the document is always complete.
//   - A live log stream on the "/logs" namespace, over WebSocket (GET /logs)
//     or server-sent events (GET /logs/events). Each connection gets its own
//     poller, which pushes new log entries every poll interval until the
//     connection goes away.
//
// # Layout
//
//	provider/          daemon state interface and its NATS RPC implementation
//	snapshot/          snapshot and overview aggregation
//	stream/            connection registry, pollers, subscribe/unsubscribe
//	gateway/websocket  WebSocket transport for the log stream
//	gateway/http       HTTP routes, SSE transport, request IDs
//	natsclient/        NATS connection with circuit breaker and health
//	service/           composition root and lifecycle
//	config/            configuration loading (JSON/YAML + env)
//	errors/ health/ metric/ pkg/   shared infrastructure
//	cmd/aprsgate       CLI
//
// # Running
//
//	aprsgate serve --config aprsgate.yaml
//	aprsgate snapshot -o json
package aprsgate
