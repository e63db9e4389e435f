package snapshot

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/c360/aprsgate/config"
)

// Transport names reported in Overview.Transport.
const (
	TransportAPRSIS     = "aprs-is"
	TransportTCPKISS    = "tcpkiss"
	TransportSerialKISS = "serialkiss"
	TransportNone       = "none"
)

// Overview is the dashboard summary: a snapshot plus list sizes and a
// description of the active radio transport.
type Overview struct {
	Snapshot Snapshot `json:"snapshot"`

	WatchCount int `json:"watch_count"`
	// WatchAge is the watch-list alert threshold in seconds.
	WatchAge  int64 `json:"watch_age"`
	SeenCount int   `json:"seen_count"`

	Transport  string `json:"transport"`
	Connection string `json:"aprs_connection"`
	Callsign   string `json:"callsign"`
	Version    string `json:"version"`
}

// Overview builds a snapshot and the dashboard summary around it. Like Build,
// it never fails.
func (a *Aggregator) Overview(ctx context.Context) Overview {
	var (
		snap Snapshot
		seen int
	)

	var g errgroup.Group
	g.Go(func() error {
		snap = a.Build(ctx)
		return nil
	})
	g.Go(func() error {
		seen = len(a.seenList(ctx))
		return nil
	})
	_ = g.Wait()

	ov := Overview{
		Snapshot:  snap,
		SeenCount: seen,
		Callsign:  snap.Stats.APRSD.Callsign,
		Version:   snap.Stats.APRSD.Version,
	}
	if ov.Callsign == "" {
		ov.Callsign = a.callsign
	}

	if a.features.WatchList {
		ov.WatchCount = len(snap.WatchList())
		ov.WatchAge = int64(a.watchAlert.Seconds())
	}

	ov.Transport, ov.Connection = describeTransport(a.transport, snap.Stats.APRSIS.Server)
	return ov
}

// describeTransport names the active transport and its connection string.
// When no transport is enabled the result is TransportNone with an empty
// connection string.
func describeTransport(t config.TransportConfig, server string) (string, string) {
	switch {
	case t.APRSNetwork.Enabled:
		return TransportAPRSIS, "APRS-IS Server: " + server
	case t.KISSTCP.Enabled:
		return TransportTCPKISS, fmt.Sprintf("TCPKISS://%s:%d", t.KISSTCP.Host, t.KISSTCP.Port)
	case t.KISSSerial.Enabled:
		return TransportSerialKISS, fmt.Sprintf("SerialKISS://%s@%d baud", t.KISSSerial.Device, t.KISSSerial.BaudRate)
	default:
		return TransportNone, ""
	}
}
