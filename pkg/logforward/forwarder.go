// Package logforward implements the Log-Server Forwarder (spec.md C9):
// a fire-and-forget mirror of every C6 mutation to an external
// log-server endpoint. Failures are logged and dropped; they never
// block or fail the originating mutation.
package logforward

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/baby/sf1r-lite/pkg/events"
	"github.com/baby/sf1r-lite/pkg/log"
	"github.com/baby/sf1r-lite/pkg/metrics"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// forwardMethod is the log-server's RPC method, invoked generically via
// grpc.ClientConn.Invoke rather than a generated stub: the only shape
// the endpoint needs is a structpb.Struct in and an empty ack out, so
// carrying hand-written generated code for a single method is not
// worth the weight.
const forwardMethod = "/sf1r.logserver.LogServer/Forward"

// Mutation is one C6 mutation to mirror.
type Mutation struct {
	Collection string
	DocIdHash  [16]byte
	Op         string // "insert", "update", or "delete"
	BundleText string // reassembled bundle record text; empty for deletes
}

// Forwarder asynchronously mirrors mutations to a log-server endpoint
// over a bounded queue. Submit never blocks the caller (a full queue
// drops the mutation), and never returns an error: every failure is logged and
// counted, consistent with spec.md §4.9's "never block or fail the
// originating mutation."
type Forwarder struct {
	conn    *grpc.ClientConn
	queue   chan *Mutation
	done    chan struct{}
	broker  *events.Broker
	logger  zerolog.Logger
	enabled bool
}

// Config configures a Forwarder.
type Config struct {
	Addr       string
	QueueDepth int // defaults to 256
	Broker     *events.Broker
}

// New dials addr and starts the background send loop. If addr is
// empty, the forwarder is constructed in disabled mode: Submit becomes
// a no-op and nothing is dialed, so collections that don't configure a
// log-server pay no cost.
func New(cfg Config) (*Forwarder, error) {
	if cfg.Addr == "" {
		return &Forwarder{enabled: false, logger: log.WithComponent("logforward")}, nil
	}

	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial log-server: %w", err)
	}

	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}

	f := &Forwarder{
		conn:    conn,
		queue:   make(chan *Mutation, depth),
		done:    make(chan struct{}),
		broker:  cfg.Broker,
		logger:  log.WithComponent("logforward"),
		enabled: true,
	}
	go f.run()
	return f, nil
}

// Submit enqueues m for asynchronous mirroring. If the queue is full,
// m is dropped immediately rather than applying backpressure to the
// caller — a full queue means the log-server is falling behind, and
// the originating mutation must never wait on it.
func (f *Forwarder) Submit(collection string, m *Mutation) {
	if !f.enabled {
		return
	}
	select {
	case f.queue <- m:
	default:
		f.logger.Warn().Str("collection", collection).Msg("log-server queue full, dropping mutation")
		metrics.LogForwardFailedTotal.WithLabelValues(collection).Inc()
		f.publishDropped(collection, "queue_full")
	}
}

// Close stops the send loop and closes the underlying connection. It
// does not drain the queue; in-flight and still-queued mutations are
// abandoned, consistent with the fire-and-forget contract.
func (f *Forwarder) Close() error {
	if !f.enabled {
		return nil
	}
	close(f.done)
	return f.conn.Close()
}

func (f *Forwarder) run() {
	for {
		select {
		case m := <-f.queue:
			f.send(m)
		case <-f.done:
			return
		}
	}
}

func (f *Forwarder) send(m *Mutation) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := structpb.NewStruct(map[string]any{
		"collection":  m.Collection,
		"docid_hash":  hex.EncodeToString(m.DocIdHash[:]),
		"op":          m.Op,
		"bundle_text": m.BundleText,
	})
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to encode log-server mutation")
		metrics.LogForwardFailedTotal.WithLabelValues(m.Collection).Inc()
		return
	}

	var resp structpb.Struct
	if err := f.conn.Invoke(ctx, forwardMethod, req, &resp); err != nil {
		f.logger.Warn().Err(err).Str("collection", m.Collection).Msg("log-server mirror send failed")
		metrics.LogForwardFailedTotal.WithLabelValues(m.Collection).Inc()
		f.publishDropped(m.Collection, "send_failed")
	}
}

func (f *Forwarder) publishDropped(collection, reason string) {
	if f.broker == nil {
		return
	}
	f.broker.Publish(&events.Event{
		Type:           events.EventLogForwardDropped,
		CollectionName: collection,
		Message:        reason,
	})
}
