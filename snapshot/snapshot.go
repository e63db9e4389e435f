// Package snapshot assembles the daemon's independently fetched facts into a
// single, always complete status document.
package snapshot

import (
	"time"

	"github.com/c360/aprsgate/provider"
)

// TimeFormat is the layout of Snapshot.Time (MM-DD-YYYY HH:MM:SS).
const TimeFormat = "01-02-2006 15:04:05"

// Stats is the daemon stats document with packet totals attached.
type Stats struct {
	provider.Stats
	Packets provider.Counts `json:"packets"`
}

// Snapshot is one merged view of daemon state. Facts are read independently,
// so a snapshot approximates rather than captures a single instant.
type Snapshot struct {
	GeneratedAt time.Time `json:"-"`
	Time        string    `json:"time"`
	SizeTracker int       `json:"size_tracker"`
	Stats       Stats     `json:"stats"`
}

// Packets returns the packet totals.
func (s Snapshot) Packets() provider.Counts {
	return s.Stats.Packets
}

// WatchList returns the watch-list ages.
func (s Snapshot) WatchList() map[string]int64 {
	return s.Stats.APRSD.WatchList
}

func empty(now time.Time) Snapshot {
	return Snapshot{
		GeneratedAt: now,
		Time:        now.Format(TimeFormat),
		Stats:       Stats{Stats: provider.EmptyStats()},
	}
}
