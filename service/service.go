// Package service implements the single-threaded cooperative event reactor
// (C8) from SPEC_FULL.md §4.8: it owns peer sessions, drains the wire codec,
// dispatches to routing and fetch, and emits outbound operations through an
// Outbox. Grounded on original_source/radicle-node/src/service/io.rs (the
// Io enum this package's Outbox/Op mirrors) and
// original_source/radicle-node/src/service/peer.rs (PingState and the
// Initial/Negotiated/Disconnected session states) for the per-tick dispatch
// shape, and on the teacher's core/network.go Node/loop pattern for the Go
// idiom: a single goroutine owns mutable session state, worker results
// re-enter via channels, never shared memory.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/hwmesh/hw/internal/identity"
	"github.com/hwmesh/hw/internal/sign"
	"github.com/hwmesh/hw/routing"
	"github.com/hwmesh/hw/wire"
)

// metrics are the reactor's ops-visibility counters, exposed for scraping by
// whatever front-end the deployment wires up (out of scope per §1).
var metrics = struct {
	ticks         prometheus.Counter
	framesDropped prometheus.Counter
	fetchesSent   prometheus.Counter
}{
	ticks: promauto.NewCounter(prometheus.CounterOpts{
		Name: "hwnode_reactor_ticks_total",
		Help: "Total number of Reactor.Tick invocations.",
	}),
	framesDropped: promauto.NewCounter(prometheus.CounterOpts{
		Name: "hwnode_reactor_frames_dropped_total",
		Help: "Total number of frames dropped for being malformed or overflowing the buffer.",
	}),
	fetchesSent: promauto.NewCounter(prometheus.CounterOpts{
		Name: "hwnode_reactor_fetches_dispatched_total",
		Help: "Total number of fetches dispatched via RequestFetch.",
	}),
}

// SessionState is a peer session's lifecycle position, per §3's Session
// data model.
type SessionState int

const (
	Initial SessionState = iota
	Negotiated
	Disconnected
)

func (s SessionState) String() string {
	switch s {
	case Initial:
		return "initial"
	case Negotiated:
		return "negotiated"
	default:
		return "disconnected"
	}
}

// PingState tracks an outstanding keepalive round-trip.
type PingState struct {
	Outstanding bool
	SentAt      time.Time
}

// Session is per-connected-peer state, owned exclusively by the reactor
// goroutine; no two operations on the same session run concurrently (§5).
type Session struct {
	Address      string
	Direction    Direction
	State        SessionState
	Subscription *bloom.BloomFilter
	LastActive   time.Time
	Attempts     int

	NegotiatedSince time.Time
	Ping            PingState

	DisconnectedSince time.Time

	deser *wire.Deserializer
}

// Direction is whether this node or the peer initiated the connection.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// OpKind tags an Outbox entry.
type OpKind int

const (
	OpWrite OpKind = iota
	OpConnect
	OpDisconnect
	OpFetch
	OpWakeup
)

// Op is a single outbound instruction for the transport layer to execute,
// per §4.8 step 4.
type Op struct {
	Kind    OpKind
	PeerID  string
	Bytes   []byte        // OpWrite
	Addr    string        // OpConnect
	Repo    identity.ID   // OpFetch
	Remote  sign.PublicKey // OpFetch
	At      time.Time     // OpWakeup
	Reason  string        // OpDisconnect
}

// Outbox accumulates operations emitted during a tick; the transport layer
// drains and executes it after each Reactor.Tick call.
type Outbox struct {
	mu  sync.Mutex
	ops []Op
}

func (o *Outbox) push(op Op) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, op)
}

// Drain returns and clears all accumulated operations.
func (o *Outbox) Drain() []Op {
	o.mu.Lock()
	defer o.mu.Unlock()
	ops := o.ops
	o.ops = nil
	return ops
}

// FetchDispatcher lets the reactor request a fetch without importing the
// fetch package directly, keeping C6 a downstream dependency of C8 rather
// than a circular one.
type FetchDispatcher interface {
	Dispatch(ctx context.Context, repo identity.ID, remote sign.PublicKey)
}

// ReconnectBackoff computes the delay before retrying a peer after attempts
// failed connections, exponential with a ceiling, matching the teacher's
// connection_pool.go backoff shape.
func ReconnectBackoff(attempts int) time.Duration {
	const (
		base = 500 * time.Millisecond
		cap  = 2 * time.Minute
	)
	d := base
	for i := 0; i < attempts && d < cap; i++ {
		d *= 2
	}
	if d > cap {
		d = cap
	}
	return d
}

// PingInterval is how often a Negotiated session is pinged.
const PingInterval = 30 * time.Second

// PongTimeout is how long a ping may go unanswered before the session is
// disconnected.
const PongTimeout = 90 * time.Second

// Reactor is the C8 service loop: cooperative, single-threaded, driven by
// repeated Tick calls from the owning goroutine.
type Reactor struct {
	mu sync.Mutex

	magic    uint32
	sessions map[string]*Session
	routing  *routing.Table
	fetcher  FetchDispatcher
	outbox   Outbox
	log      *logrus.Logger
	now      func() time.Time
}

// NewReactor builds an idle reactor. magic is this network's 4-byte wire
// identifier (§6); every frame the reactor encodes carries it, and every
// frame it decodes must carry the same value or the session is disconnected
// with errs.WrongMagic.
func NewReactor(magic uint32, rt *routing.Table, fetcher FetchDispatcher, log *logrus.Logger) *Reactor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reactor{
		magic:    magic,
		sessions: make(map[string]*Session),
		routing:  rt,
		fetcher:  fetcher,
		log:      log,
		now:      time.Now,
	}
}

// Connect registers a new session in Initial state, per §3 "Sessions are
// created on connect".
func (r *Reactor) Connect(peerID, addr string, dir Direction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[peerID] = &Session{
		Address:    addr,
		Direction:  dir,
		State:      Initial,
		LastActive: r.now(),
		deser:      wire.NewDeserializer(r.magic),
	}
	r.log.Infof("service: session %s connected (%s)", peerID, addr)
}

// Negotiated transitions a session out of Initial once the handshake and
// initial subscribe exchange completes.
func (r *Reactor) Negotiated(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[peerID]
	if !ok {
		return
	}
	s.State = Negotiated
	s.NegotiatedSince = r.now()
}

// Disconnect transitions a session to Disconnected and drops it from
// routing's subscriber table, per §3 "dropped on disconnect".
func (r *Reactor) Disconnect(peerID string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[peerID]
	if !ok {
		return
	}
	s.State = Disconnected
	s.DisconnectedSince = r.now()
	r.routing.Unsubscribe(peerID)
	r.log.Infof("service: session %s disconnected: %s", peerID, reason)
}

// FeedBytes is step 1 of the per-tick dispatch (§4.8): newly arrived bytes
// are pushed through the peer's deserialiser, and every complete frame is
// dispatched immediately.
func (r *Reactor) FeedBytes(peerID string, b []byte) {
	r.mu.Lock()
	s, ok := r.sessions[peerID]
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := s.deser.Input(b); err != nil {
		metrics.framesDropped.Inc()
		r.log.Warnf("service: session %s buffer overflow: %v", peerID, err)
		r.outbox.push(Op{Kind: OpDisconnect, PeerID: peerID, Reason: "buffer overflow"})
		r.Disconnect(peerID, "buffer overflow")
		return
	}
	for {
		msg, err := s.deser.DeserializeNext()
		if err != nil {
			r.log.Warnf("service: session %s malformed frame: %v", peerID, err)
			r.outbox.push(Op{Kind: OpDisconnect, PeerID: peerID, Reason: "malformed frame"})
			r.Disconnect(peerID, "malformed frame")
			return
		}
		if msg == nil {
			return // incomplete frame; wait for more bytes
		}
		r.dispatch(peerID, s, *msg)
	}
}

// dispatch is step 2-3 of the per-tick model: update session state, enforce
// invariants, then hand off to routing (announcements) or the fetch
// dispatcher (refs triggers).
func (r *Reactor) dispatch(peerID string, s *Session, msg wire.Message) {
	r.mu.Lock()
	s.LastActive = r.now()
	r.mu.Unlock()

	switch msg.Type {
	case wire.TypeNode:
		a, err := wire.DecodeNode(msg.Body)
		if err != nil {
			r.disconnectMalformed(peerID, err)
			return
		}
		targets, err := r.routing.ReceiveNode(a)
		if err != nil {
			r.log.Debugf("service: %s: %v", peerID, err)
			return
		}
		r.relay(targets, msg)
	case wire.TypeInventory:
		a, err := wire.DecodeInventory(msg.Body)
		if err != nil {
			r.disconnectMalformed(peerID, err)
			return
		}
		targets, err := r.routing.ReceiveInventory(a)
		if err != nil {
			r.log.Debugf("service: %s: %v", peerID, err)
			return
		}
		r.relay(targets, msg)
	case wire.TypeRefs:
		a, err := wire.DecodeRefs(msg.Body)
		if err != nil {
			r.disconnectMalformed(peerID, err)
			return
		}
		targets, err := r.routing.ReceiveRefs(a)
		if err != nil {
			r.log.Debugf("service: %s: %v", peerID, err)
			return
		}
		// ScheduleFetch (inside ReceiveRefs) has already been invoked
		// synchronously above, before the relay below executes. The relay
		// does not wait for that fetch to run or for its refs to be adopted.
		r.relay(targets, msg)
	case wire.TypeSubscribe:
		filter, err := wire.DecodeSubscribe(msg.Body)
		if err != nil {
			r.disconnectMalformed(peerID, err)
			return
		}
		r.mu.Lock()
		s.Subscription = filter
		r.mu.Unlock()
		r.routing.Subscribe(peerID, filter)
	case wire.TypePing:
		r.outbox.push(Op{Kind: OpWrite, PeerID: peerID, Bytes: r.pongFrame()})
	case wire.TypePong:
		r.mu.Lock()
		s.Ping.Outstanding = false
		r.mu.Unlock()
	default:
		r.disconnectMalformed(peerID, fmt.Errorf("unhandled message type %d", msg.Type))
	}
}

func (r *Reactor) disconnectMalformed(peerID string, err error) {
	metrics.framesDropped.Inc()
	r.log.Warnf("service: session %s: %v", peerID, err)
	r.outbox.push(Op{Kind: OpDisconnect, PeerID: peerID, Reason: err.Error()})
	r.Disconnect(peerID, err.Error())
}

func (r *Reactor) relay(targets []string, msg wire.Message) {
	if len(targets) == 0 {
		return
	}
	frame, err := wire.Encode(r.magic, msg.Type, msg.Body)
	if err != nil {
		r.log.Warnf("service: relay encode: %v", err)
		return
	}
	for _, peerID := range targets {
		r.outbox.push(Op{Kind: OpWrite, PeerID: peerID, Bytes: frame})
	}
}

func (r *Reactor) pongFrame() []byte {
	f, _ := wire.Encode(r.magic, wire.TypePong, nil)
	return f
}

// Tick runs step 3's timer-driven dispatch: keepalive pings, reconnect
// backoff for disconnected sessions, and routing-table pruning. It is
// intended to be called periodically (e.g. every second) by the owning
// goroutine.
func (r *Reactor) Tick() {
	metrics.ticks.Inc()
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for peerID, s := range r.sessions {
		switch s.State {
		case Negotiated:
			if s.Ping.Outstanding && now.Sub(s.Ping.SentAt) > PongTimeout {
				r.outbox.push(Op{Kind: OpDisconnect, PeerID: peerID, Reason: "ping timeout"})
				s.State = Disconnected
				s.DisconnectedSince = now
				continue
			}
			if !s.Ping.Outstanding && now.Sub(s.LastActive) > PingInterval {
				s.Ping = PingState{Outstanding: true, SentAt: now}
				f, _ := wire.Encode(r.magic, wire.TypePing, nil)
				r.outbox.push(Op{Kind: OpWrite, PeerID: peerID, Bytes: f})
			}
		case Disconnected:
			backoff := ReconnectBackoff(s.Attempts)
			if now.Sub(s.DisconnectedSince) >= backoff {
				s.Attempts++
				r.outbox.push(Op{Kind: OpConnect, PeerID: peerID, Addr: s.Address})
			}
		}
	}
	r.routing.Prune()
}

// RequestFetch enqueues an OpFetch instruction, invoked by policy/routing
// decisions (e.g. a RefsAnnouncement scheduling replication).
func (r *Reactor) RequestFetch(ctx context.Context, repo identity.ID, remote sign.PublicKey) {
	metrics.fetchesSent.Inc()
	r.outbox.push(Op{Kind: OpFetch, Repo: repo, Remote: remote})
	if r.fetcher != nil {
		r.fetcher.Dispatch(ctx, repo, remote)
	}
}

// Outbox exposes the accumulated outbound operations for the transport
// layer to drain after a Tick/FeedBytes call.
func (r *Reactor) Outbox() *Outbox { return &r.outbox }

// SessionSnapshot returns a read-only copy of a session's state, for status
// reporting / CLI front-ends (outside this package's scope per §1).
func (r *Reactor) SessionSnapshot(peerID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[peerID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}
