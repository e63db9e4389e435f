package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/c360/aprsgate/config"
	"github.com/c360/aprsgate/testutil"
)

func TestOverview_Counts(t *testing.T) {
	agg := NewAggregator(testutil.NewHealthyMockProvider(),
		WithFeatures(Features{WatchList: true, SeenList: true}),
		WithWatchListAlert(12*time.Hour),
	)

	ov := agg.Overview(context.Background())
	assert.Equal(t, 2, ov.WatchCount)
	assert.Equal(t, int64(43200), ov.WatchAge)
	assert.Equal(t, 1, ov.SeenCount)
	assert.Equal(t, "N0CALL", ov.Callsign)
	assert.Equal(t, "3.4.0", ov.Version)
}

func TestOverview_FeaturesDisabled(t *testing.T) {
	mock := testutil.NewHealthyMockProvider()
	agg := NewAggregator(mock, WithFeatures(Features{}), WithWatchListAlert(time.Hour))

	ov := agg.Overview(context.Background())
	assert.Zero(t, ov.WatchCount)
	assert.Zero(t, ov.WatchAge)
	assert.Zero(t, ov.SeenCount)
	assert.Zero(t, mock.Calls("seen_list"))
}

func TestOverview_CallsignFallback(t *testing.T) {
	agg := NewAggregator(testutil.NewMockProvider(), WithCallsign("K1ABC"))
	assert.Equal(t, "K1ABC", agg.Overview(context.Background()).Callsign)
}

func TestDescribeTransport(t *testing.T) {
	tests := []struct {
		name      string
		transport config.TransportConfig
		wantName  string
		wantConn  string
	}{
		{
			name:      "aprs-is",
			transport: config.TransportConfig{APRSNetwork: config.APRSNetworkConfig{Enabled: true}},
			wantName:  TransportAPRSIS,
			wantConn:  "APRS-IS Server: rotate.aprs2.net",
		},
		{
			name: "tcp kiss",
			transport: config.TransportConfig{
				KISSTCP: config.KISSTCPConfig{Enabled: true, Host: "tnc.local", Port: 8001},
			},
			wantName: TransportTCPKISS,
			wantConn: "TCPKISS://tnc.local:8001",
		},
		{
			name: "serial kiss",
			transport: config.TransportConfig{
				KISSSerial: config.KISSSerialConfig{Enabled: true, Device: "/dev/ttyUSB0", BaudRate: 9600},
			},
			wantName: TransportSerialKISS,
			wantConn: "SerialKISS:///dev/ttyUSB0@9600 baud",
		},
		{
			name:     "nothing enabled",
			wantName: TransportNone,
			wantConn: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, conn := describeTransport(tt.transport, "rotate.aprs2.net")
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantConn, conn)
		})
	}
}

func TestOverview_UsesConfiguredTransport(t *testing.T) {
	agg := NewAggregator(testutil.NewHealthyMockProvider(), WithTransport(config.TransportConfig{}))
	ov := agg.Overview(context.Background())
	assert.Equal(t, TransportNone, ov.Transport)
	assert.Empty(t, ov.Connection)
}
