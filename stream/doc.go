// Package stream delivers new daemon log entries to connected clients.
//
// Each subscribed connection owns exactly one LogPoller. The Gateway starts
// the poller when the connection subscribes and stops it, waiting until it
// has reached Stopped, when the connection unsubscribes. Lifecycle events for
// the same connection ID are serialised by the Registry, so a connection can
// never end up with two pollers or with a poller that outlives its entry.
//
// Delivery is best effort: each fetched entry is pushed at most once, in the
// order the daemon returned it, and failed pushes are dropped.
package stream
