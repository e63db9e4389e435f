// Package testutil provides test doubles for the daemon state provider and
// for streaming clients.
package testutil
