package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/aprsgate/errors"
)

// Requester sends one request and waits for its reply.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// Daemon RPC methods. The subject for each is "<prefix>.<method>".
const (
	MethodPacketTrack  = "get_packet_track"
	MethodStatsDict    = "get_stats_dict"
	MethodWatchList    = "get_watch_list"
	MethodSeenList     = "get_seen_list"
	MethodPacketTotals = "get_packet_totals"
	MethodLogEntries   = "get_log_entries"
	MethodPacketList   = "get_packet_list"
)

const (
	DefaultSubjectPrefix = "aprsd.rpc"
	DefaultTimeout       = 2 * time.Second
)

// RPCOption configures an RPC provider.
type RPCOption func(*RPC)

// WithSubjectPrefix sets the subject prefix requests are sent under.
func WithSubjectPrefix(prefix string) RPCOption {
	return func(r *RPC) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithTimeout bounds each call.
func WithTimeout(d time.Duration) RPCOption {
	return func(r *RPC) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RPCOption {
	return func(r *RPC) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// RPC is a StateProvider backed by request/reply calls to the daemon.
type RPC struct {
	requester Requester
	prefix    string
	timeout   time.Duration
	logger    *slog.Logger
}

var _ StateProvider = (*RPC)(nil)

// NewRPC creates an RPC provider.
func NewRPC(requester Requester, opts ...RPCOption) *RPC {
	r := &RPC{
		requester: requester,
		prefix:    DefaultSubjectPrefix,
		timeout:   DefaultTimeout,
		logger:    slog.Default().With("component", "provider"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
	Cursor *uint64         `json:"cursor,omitempty"`
}

type logRequest struct {
	Since uint64 `json:"since"`
}

// call performs one request. Any transport error, timeout, daemon-reported
// error or null result is returned wrapping ErrUnavailable.
func (r *RPC) call(ctx context.Context, fact, method string, req any) (envelope, error) {
	var env envelope

	body := []byte("{}")
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return env, errors.WrapInvalid(err, "RPC", method, "encode request")
		}
		body = b
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	subject := fmt.Sprintf("%s.%s", r.prefix, method)
	data, err := r.requester.Request(ctx, subject, body)
	if err != nil {
		return env, Unavailable(fact, errors.Wrap(err, "RPC", method, "request"))
	}

	if err := json.Unmarshal(data, &env); err != nil {
		return env, Unavailable(fact, errors.Wrap(err, "RPC", method, "decode reply"))
	}
	if env.Error != "" {
		return env, Unavailable(fact, fmt.Errorf("daemon: %s", env.Error))
	}
	if len(env.Result) == 0 || bytes.Equal(bytes.TrimSpace(env.Result), []byte("null")) {
		return env, Unavailable(fact, nil)
	}

	return env, nil
}

func decodeResult[T any](ctx context.Context, r *RPC, fact, method string) (T, error) {
	var out T
	env, err := r.call(ctx, fact, method, nil)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(env.Result, &out); err != nil {
		return out, Unavailable(fact, errors.Wrap(err, "RPC", method, "decode result"))
	}
	return out, nil
}

// TrackedCount returns the number of packets awaiting acknowledgement.
func (r *RPC) TrackedCount(ctx context.Context) (int, error) {
	return decodeResult[int](ctx, r, FactTrackedCount, MethodPacketTrack)
}

// Stats returns the daemon's stats document.
func (r *RPC) Stats(ctx context.Context) (Stats, error) {
	stats, err := decodeResult[Stats](ctx, r, FactStats, MethodStatsDict)
	if err != nil {
		return Stats{}, err
	}
	stats.APRSD.WatchList = nil
	return stats, nil
}

// WatchList returns the watch-list ages.
func (r *RPC) WatchList(ctx context.Context) (WatchList, error) {
	env, err := r.call(ctx, FactWatchList, MethodWatchList, nil)
	if err != nil {
		return nil, err
	}
	ages, err := decodeAges(env.Result)
	if err != nil {
		return nil, Unavailable(FactWatchList, err)
	}
	return WatchList(ages), nil
}

// SeenList returns the seen-list ages.
func (r *RPC) SeenList(ctx context.Context) (SeenList, error) {
	env, err := r.call(ctx, FactSeenList, MethodSeenList, nil)
	if err != nil {
		return nil, err
	}
	ages, err := decodeAges(env.Result)
	if err != nil {
		return nil, Unavailable(FactSeenList, err)
	}
	return SeenList(ages), nil
}

// PacketTotals returns the packet list's sent and received totals.
func (r *RPC) PacketTotals(ctx context.Context) (PacketTotals, error) {
	return decodeResult[PacketTotals](ctx, r, FactPacketTotals, MethodPacketTotals)
}

// RecentPackets returns the daemon's recent packet list, undecoded.
func (r *RPC) RecentPackets(ctx context.Context) ([]json.RawMessage, error) {
	return decodeResult[[]json.RawMessage](ctx, r, FactRecentPackets, MethodPacketList)
}

// NewLogEntries returns entries emitted after since and the cursor to pass
// next time. If the daemon omits a cursor, since is advanced by the number of
// entries returned.
func (r *RPC) NewLogEntries(ctx context.Context, since Cursor) ([]LogEntry, Cursor, error) {
	env, err := r.call(ctx, FactLogEntries, MethodLogEntries, logRequest{Since: uint64(since)})
	if err != nil {
		return nil, since, err
	}

	var entries []LogEntry
	if err := json.Unmarshal(env.Result, &entries); err != nil {
		return nil, since, Unavailable(FactLogEntries, errors.Wrap(err, "RPC", MethodLogEntries, "decode result"))
	}

	next := since + Cursor(len(entries))
	if env.Cursor != nil {
		next = Cursor(*env.Cursor)
	}

	r.logger.Debug("fetched log entries", "count", len(entries), "since", uint64(since), "next", uint64(next))
	return entries, next, nil
}
