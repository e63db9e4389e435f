package provider

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/aprsgate/natsclient"
)

func TestIntegration_RPCOverNATS(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run container tests")
	}

	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())
	ctx := context.Background()

	respond := func(subject, reply string) {
		err := tc.Client.Reply(ctx, subject, time.Second, func(context.Context, []byte) []byte {
			return []byte(reply)
		})
		require.NoError(t, err)
	}
	respond("aprsd.rpc.get_packet_track", `{"result": 7}`)
	respond("aprsd.rpc.get_watch_list", `{"result": {"N0CALL": {"last": 30}}}`)
	respond("aprsd.rpc.get_seen_list", `{"error": "seen list disabled"}`)

	since := make(chan uint64, 1)
	err := tc.Client.Reply(ctx, "aprsd.rpc.get_log_entries", time.Second, func(_ context.Context, data []byte) []byte {
		var req struct {
			Since uint64 `json:"since"`
		}
		_ = json.Unmarshal(data, &req)
		since <- req.Since
		return []byte(`{"result": [{"message": "one"}, {"message": "two"}], "cursor": 42}`)
	})
	require.NoError(t, err)

	rpc := NewRPC(tc.Client, WithTimeout(time.Second))

	tracked, err := rpc.TrackedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, tracked)

	wl, err := rpc.WatchList(ctx)
	require.NoError(t, err)
	assert.Equal(t, WatchList{"N0CALL": 30}, wl)

	_, err = rpc.SeenList(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = rpc.PacketTotals(ctx)
	assert.ErrorIs(t, err, ErrUnavailable, "no responder")

	entries, next, err := rpc.NewLogEntries(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, Cursor(42), next)
	assert.Equal(t, uint64(5), <-since)
}
