// Package provider defines the read-only view of the APRS daemon's state that
// the gateway consumes, and a NATS request/reply implementation of it.
//
// Every fact is fetched independently. A fact that cannot be fetched is
// reported as an error wrapping ErrUnavailable, which callers must treat
// differently from an empty result.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360/aprsgate/errors"
)

// ErrUnavailable is wrapped by every error a StateProvider returns.
var ErrUnavailable = errors.ErrProviderUnavailable

// Fact names, used for logging, metrics and health components.
const (
	FactTrackedCount  = "tracked_count"
	FactStats         = "stats"
	FactWatchList     = "watch_list"
	FactSeenList      = "seen_list"
	FactPacketTotals  = "packet_totals"
	FactLogEntries    = "log_entries"
	FactRecentPackets = "recent_packets"
)

// Counts is a sent/received counter pair.
type Counts struct {
	Sent     int64 `json:"sent"`
	Received int64 `json:"received"`
}

// DaemonInfo is the "aprsd" section of the stats document.
type DaemonInfo struct {
	Version       string `json:"version,omitempty"`
	Uptime        string `json:"uptime,omitempty"`
	Callsign      string `json:"callsign,omitempty"`
	MemoryCurrent int64  `json:"memory_current,omitempty"`
	MemoryPeak    int64  `json:"memory_peak,omitempty"`

	// WatchList is filled by the snapshot aggregator, never by the daemon.
	WatchList map[string]int64 `json:"watch_list"`
}

// TransportInfo is the "aprs-is" section of the stats document.
type TransportInfo struct {
	Server string `json:"server"`
}

// Stats is the daemon's aggregated stats document.
type Stats struct {
	APRSD    DaemonInfo    `json:"aprsd"`
	APRSIS   TransportInfo `json:"aprs-is"`
	Messages Counts        `json:"messages"`
	Email    Counts        `json:"email"`
	SeenList Counts        `json:"seen_list"`
}

// EmptyStats returns the canonical zeroed stats document.
func EmptyStats() Stats {
	return Stats{APRSD: DaemonInfo{WatchList: map[string]int64{}}}
}

// WatchList maps a tracked callsign to the seconds since it was last heard.
type WatchList map[string]int64

// SeenList maps a recently heard callsign to the seconds since it was last heard.
type SeenList map[string]int64

// PacketTotals holds the daemon's packet list totals.
type PacketTotals struct {
	Sent     int64 `json:"sent"`
	Received int64 `json:"received"`
}

// LogEntry is one log record, forwarded to clients unmodified.
type LogEntry = json.RawMessage

// Cursor is an opaque position in the daemon's log. The zero value asks for
// whatever the daemon still retains.
type Cursor uint64

// LogSource yields log entries emitted after a cursor.
type LogSource interface {
	NewLogEntries(ctx context.Context, since Cursor) ([]LogEntry, Cursor, error)
}

// StateProvider is the set of independently fallible daemon facts.
// Implementations must be safe for concurrent use.
type StateProvider interface {
	LogSource

	TrackedCount(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
	WatchList(ctx context.Context) (WatchList, error)
	SeenList(ctx context.Context) (SeenList, error)
	PacketTotals(ctx context.Context) (PacketTotals, error)
	RecentPackets(ctx context.Context) ([]json.RawMessage, error)
}

// Unavailable wraps cause so that it matches ErrUnavailable.
func Unavailable(fact string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", fact, ErrUnavailable)
	}
	return fmt.Errorf("%s: %w: %w", fact, ErrUnavailable, cause)
}

// age accepts either a bare number of seconds or an object carrying the
// number under "last", which is how the daemon reports watch-list entries.
type age int64

func (a *age) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			Last float64 `json:"last"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*a = age(obj.Last)
		return nil
	}

	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*a = age(n)
	return nil
}

func decodeAges(raw json.RawMessage) (map[string]int64, error) {
	var entries map[string]age
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(entries))
	for call, a := range entries {
		out[call] = int64(a)
	}
	return out, nil
}
