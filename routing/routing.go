// Package routing implements the announcement and routing subsystem (C7)
// from SPEC_FULL.md §4.7: node/inventory/refs announcements, subscribe-filter
// relay, and the (repo, node, last_seen) routing table. Grounded on
// original_source/radicle-node/src/service/routing.rs for the receipt-rule
// ordering and the SQL-backed table shape, and on the teacher's
// core/Nodes/ package for the Go idiom of a bounded table with an explicit
// prune pass. Uses github.com/hashicorp/golang-lru/v2 to bound the
// subscriber table itself (an eviction callback drops the oldest
// subscriber's filter once the table exceeds its capacity), and
// github.com/bits-and-blooms/bloom/v3 for the subscribe filter, both already
// present in the dependency pack.
package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/hwmesh/hw/internal/errs"
	"github.com/hwmesh/hw/internal/identity"
	"github.com/hwmesh/hw/internal/sign"
)

// Kind discriminates the three announcement bodies of §4.7.
type Kind int

const (
	KindNode Kind = iota
	KindInventory
	KindRefs
)

// Address is a single network address with an optional protocol tag, per §6
// ("addresses carry (host, port, optional protocol tag)").
type Address struct {
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
	Protocol string `json:"protocol,omitempty"`
}

// NodeAnnouncement advertises a node's features, alias and reachable addresses.
type NodeAnnouncement struct {
	Origin    sign.PublicKey `json:"origin"`
	Features  uint64         `json:"features"`
	Alias     string         `json:"alias"`
	Addresses []Address      `json:"addresses"`
	Timestamp int64          `json:"timestamp"`
	Nonce     uint64         `json:"nonce"`
	Signature sign.Signature `json:"signature"`
}

// body is what gets signed: every field of the announcement except the
// signature itself, in a fixed order.
func (a NodeAnnouncement) body() []byte {
	return fmt.Appendf(nil, "node|%x|%d|%s|%v|%d|%d", a.Origin[:], a.Features, a.Alias, a.Addresses, a.Timestamp, a.Nonce)
}

// InventoryAnnouncement advertises the set of repos a node seeds.
type InventoryAnnouncement struct {
	Origin    sign.PublicKey `json:"origin"`
	Inventory []identity.ID  `json:"inventory"`
	Timestamp int64          `json:"timestamp"`
	Signature sign.Signature `json:"signature"`
}

func (a InventoryAnnouncement) body() []byte {
	return fmt.Appendf(nil, "inventory|%x|%v|%d", a.Origin[:], a.Inventory, a.Timestamp)
}

// RefsAnnouncement advertises the sigrefs object id a node holds for a repo,
// per remote.
type RefsAnnouncement struct {
	Origin    sign.PublicKey          `json:"origin"`
	Repo      identity.ID             `json:"repo"`
	Refs      []RemoteSigrefs         `json:"refs"`
	Timestamp int64                   `json:"timestamp"`
	Signature sign.Signature          `json:"signature"`
}

// RemoteSigrefs pairs a remote's public key with its sigrefs object id.
type RemoteSigrefs struct {
	Remote     sign.PublicKey `json:"remote"`
	SigrefsOID identity.ID    `json:"sigrefs_oid"`
}

func (a RefsAnnouncement) body() []byte {
	return fmt.Appendf(nil, "refs|%x|%s|%v|%d", a.Origin[:], a.Repo, a.Refs, a.Timestamp)
}

// MaxSkew bounds how far into the future an announcement's timestamp may
// sit before it is dropped (§4.7 "Drop if timestamp is in the future beyond
// a skew bound").
const MaxSkew = 2 * time.Minute

// lastSeenKey identifies an (origin, kind) stream for the monotonicity check.
type lastSeenKey struct {
	origin string
	kind   Kind
}

// FetchScheduler is invoked when a RefsAnnouncement indicates a seeded
// repo's sigrefs changed locally, per §4.7's "schedule a fetch from origin".
type FetchScheduler interface {
	ScheduleFetch(origin sign.PublicKey, repo identity.ID)
}

// Table is the gossip receipt/relay engine plus the bounded routing table
// of (repo_id, node_id, last_seen), per §4.7 and §3.
type Table struct {
	mu sync.Mutex

	verifier sign.Verifier
	log      *logrus.Logger
	now      func() int64

	lastSeen map[lastSeenKey]int64

	maxSize int
	maxAge  time.Duration
	routes  map[identity.ID]map[string]int64 // repo -> did:key -> last_seen unix

	subscribers map[string]*bloom.BloomFilter // peer id -> subscribe filter

	localSigrefs map[localSigrefsKey]identity.ID // (repo, remote) -> locally known sigrefs oid
	scheduler    FetchScheduler
	isSeeded     func(identity.ID) bool

	persist RoutingPersistence // optional; nil means routes live in memory only

	// subscriberLRU bounds the subscriber table itself to maxSize entries:
	// once a new peer subscribes past that bound, the least-recently-touched
	// peer's subscribe filter is evicted via its eviction callback.
	subscriberLRU *lru.Cache[string, struct{}]
}

// RoutingPersistence is the narrow, trait-shaped store a Table may persist
// route changes through, satisfied structurally by *store.RoutingStore
// without this package importing database/sql directly (§1: "the core
// consumes trait-shaped stores, not concrete SQL schemas").
type RoutingPersistence interface {
	Upsert(ctx context.Context, repo identity.ID, node string, ts time.Time) error
	Remove(ctx context.Context, repo identity.ID, node string) error
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type localSigrefsKey struct {
	repo   identity.ID
	remote sign.PublicKey
}

// NewTable builds a routing/announcement table bounded to maxSize entries
// and maxAge retention.
func NewTable(maxSize int, maxAge time.Duration, verifier sign.Verifier, isSeeded func(identity.ID) bool, scheduler FetchScheduler, log *logrus.Logger) *Table {
	if log == nil {
		log = logrus.StandardLogger()
	}
	t := &Table{
		verifier:     verifier,
		log:          log,
		now:          func() int64 { return time.Now().Unix() },
		lastSeen:     make(map[lastSeenKey]int64),
		maxSize:      maxSize,
		maxAge:       maxAge,
		routes:       make(map[identity.ID]map[string]int64),
		subscribers:  make(map[string]*bloom.BloomFilter),
		localSigrefs: make(map[localSigrefsKey]identity.ID),
		scheduler:    scheduler,
		isSeeded:     isSeeded,
	}
	c, err := lru.NewWithEvict[string, struct{}](max(maxSize, 1), func(peerID string, _ struct{}) {
		delete(t.subscribers, peerID)
		t.log.Debugf("routing: evicted subscriber %s, subscriber table at capacity", peerID)
	})
	if err != nil {
		panic(err) // only fails for non-positive size, guarded above
	}
	t.subscriberLRU = c
	return t
}

// AttachPersistence wires p as the Table's backing store: every Insert,
// Remove and Prune from this point on also writes through to p (§3
// "policies and routing persist across restarts"). Failures are logged, not
// returned, since the in-memory table remains the source of truth for
// already-running gossip decisions.
func (t *Table) AttachPersistence(p RoutingPersistence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.persist = p
}

// Restore loads a single persisted (repo, node, last_seen) row into the
// in-memory table without writing it back to the persistence layer it came
// from, for startup hydration.
func (t *Table) Restore(repo identity.ID, did string, lastSeen time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.routes[repo] == nil {
		t.routes[repo] = make(map[string]int64)
	}
	t.routes[repo][did] = lastSeen.Unix()
}

// Subscribe records peerID's subscribe filter (a bloom filter over repo ids).
// Peers that never call Subscribe receive no relays, per §4.7. The
// subscriber table itself is bounded to maxSize entries via subscriberLRU;
// subscribing past that bound evicts the least-recently-touched peer.
func (t *Table) Subscribe(peerID string, filter *bloom.BloomFilter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers[peerID] = filter
	t.subscriberLRU.Add(peerID, struct{}{})
}

// Unsubscribe drops peerID's filter, e.g. on disconnect.
func (t *Table) Unsubscribe(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscribers, peerID)
	t.subscriberLRU.Remove(peerID)
}

// ReceiveNode applies §4.7's receipt rules to a NodeAnnouncement and returns
// the set of peer ids it should be relayed to (broadcast to every
// subscriber, per "other kinds are broadcast to all interested peers").
func (t *Table) ReceiveNode(a NodeAnnouncement) ([]string, error) {
	if !t.verifier.Verify(a.Origin, a.body(), a.Signature) {
		return nil, errs.New(errs.Signature, "routing.receive.node", fmt.Errorf("bad signature from %x", a.Origin[:]))
	}
	if !t.checkTimestamp(a.Origin, KindNode, a.Timestamp) {
		return nil, nil
	}
	return t.relayTargets(nil), nil
}

// ReceiveInventory applies §4.7's receipt rules to an InventoryAnnouncement
// and inserts a route for every repo it advertises.
func (t *Table) ReceiveInventory(a InventoryAnnouncement) ([]string, error) {
	if !t.verifier.Verify(a.Origin, a.body(), a.Signature) {
		return nil, errs.New(errs.Signature, "routing.receive.inventory", fmt.Errorf("bad signature from %x", a.Origin[:]))
	}
	if !t.checkTimestamp(a.Origin, KindInventory, a.Timestamp) {
		return nil, nil
	}
	did := identity.DID{Key: a.Origin[:]}.String()
	for _, repo := range a.Inventory {
		t.Insert(repo, did)
	}
	return t.relayTargets(nil), nil
}

// ReceiveRefs applies §4.7's receipt rules to a RefsAnnouncement: schedules a
// fetch when the repo is seeded and the announced sigrefs differs locally,
// and relays only to subscribers whose filter contains the repo id.
func (t *Table) ReceiveRefs(a RefsAnnouncement) ([]string, error) {
	if !t.verifier.Verify(a.Origin, a.body(), a.Signature) {
		return nil, errs.New(errs.Signature, "routing.receive.refs", fmt.Errorf("bad signature from %x", a.Origin[:]))
	}
	if !t.checkTimestamp(a.Origin, KindRefs, a.Timestamp) {
		return nil, nil
	}

	if t.isSeeded != nil && t.isSeeded(a.Repo) && t.scheduler != nil {
		t.mu.Lock()
		for _, rs := range a.Refs {
			key := localSigrefsKey{repo: a.Repo, remote: rs.Remote}
			if t.localSigrefs[key] != rs.SigrefsOID {
				t.scheduler.ScheduleFetch(a.Origin, a.Repo)
				break
			}
		}
		t.mu.Unlock()
	}

	return t.relayTargets(&a.Repo), nil
}

// NoteLocalSigrefs records the sigrefs oid this node currently holds for
// (repo, remote), consulted by ReceiveRefs's diff check.
func (t *Table) NoteLocalSigrefs(repo identity.ID, remote sign.PublicKey, oid identity.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localSigrefs[localSigrefsKey{repo: repo, remote: remote}] = oid
}

// checkTimestamp enforces §4.7's drop rules: future beyond skew, or not
// strictly newer than the last seen (equal is treated as a duplicate per
// §9's stated default).
func (t *Table) checkTimestamp(origin sign.PublicKey, kind Kind, ts int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if ts > now+int64(MaxSkew.Seconds()) {
		t.log.Debugf("routing: dropping announcement from %x: timestamp too far in the future", origin[:])
		return false
	}
	key := lastSeenKey{origin: fmt.Sprintf("%x", origin[:]), kind: kind}
	if prev, ok := t.lastSeen[key]; ok && ts <= prev {
		t.log.Debugf("routing: dropping stale/duplicate announcement from %x", origin[:])
		return false
	}
	t.lastSeen[key] = ts
	return true
}

// relayTargets returns subscriber peer ids whose filter matches repo (when
// non-nil) or every subscriber (when repo is nil, per §4.7's "broadcast to
// all interested peers" for non-Refs kinds).
func (t *Table) relayTargets(repo *identity.ID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for peerID, filter := range t.subscribers {
		if repo == nil || filter.Test(repo[:]) {
			out = append(out, peerID)
		}
	}
	return out
}

// Insert records (repo, did) as seen now, per §4.7 "Routing table operations".
func (t *Table) Insert(repo identity.ID, did string) {
	t.mu.Lock()
	if t.routes[repo] == nil {
		t.routes[repo] = make(map[string]int64)
	}
	now := t.now()
	t.routes[repo][did] = now
	t.evictLocked()
	persist := t.persist
	t.mu.Unlock()

	if persist != nil {
		if err := persist.Upsert(context.Background(), repo, did, time.Unix(now, 0)); err != nil {
			t.log.Warnf("routing: persist insert of (%s, %s): %v", repo, did, err)
		}
	}
}

// Remove drops (repo, did).
func (t *Table) Remove(repo identity.ID, did string) {
	t.mu.Lock()
	delete(t.routes[repo], did)
	if len(t.routes[repo]) == 0 {
		delete(t.routes, repo)
	}
	persist := t.persist
	t.mu.Unlock()

	if persist != nil {
		if err := persist.Remove(context.Background(), repo, did); err != nil {
			t.log.Warnf("routing: persist removal of (%s, %s): %v", repo, did, err)
		}
	}
}

// Get returns the set of nodes currently routed for repo.
func (t *Table) Get(repo identity.ID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.routes[repo]))
	for did := range t.routes[repo] {
		out = append(out, did)
	}
	return out
}

// Len returns the total number of (repo, node) routes.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, set := range t.routes {
		n += len(set)
	}
	return n
}

// Prune removes entries older than maxAge and, if still over maxSize, evicts
// the oldest by last_seen until the table fits (§4.7 "pruning by size
// (bounded) and by age (max age)").
func (t *Table) Prune() {
	t.mu.Lock()
	cutoff := t.now() - int64(t.maxAge.Seconds())
	t.pruneAgeLocked()
	t.evictLocked()
	persist := t.persist
	t.mu.Unlock()

	if persist != nil {
		if _, err := persist.PruneOlderThan(context.Background(), time.Unix(cutoff, 0)); err != nil {
			t.log.Warnf("routing: persist prune: %v", err)
		}
	}
}

func (t *Table) pruneAgeLocked() {
	cutoff := t.now() - int64(t.maxAge.Seconds())
	for repo, set := range t.routes {
		for did, ts := range set {
			if ts < cutoff {
				delete(set, did)
			}
		}
		if len(set) == 0 {
			delete(t.routes, repo)
		}
	}
}

// evictLocked evicts the globally oldest entries (LRU by last_seen) until
// the table is within maxSize, matching the eviction policy of §3
// ("eviction is LRU by last_seen").
func (t *Table) evictLocked() {
	if t.maxSize <= 0 {
		return
	}
	for t.totalLocked() > t.maxSize {
		var (
			oldestRepo identity.ID
			oldestDID  string
			oldestTS   int64 = 1<<63 - 1
			found      bool
		)
		for repo, set := range t.routes {
			for did, ts := range set {
				if ts < oldestTS {
					oldestRepo, oldestDID, oldestTS, found = repo, did, ts, true
				}
			}
		}
		if !found {
			return
		}
		delete(t.routes[oldestRepo], oldestDID)
		if len(t.routes[oldestRepo]) == 0 {
			delete(t.routes, oldestRepo)
		}
	}
}

func (t *Table) totalLocked() int {
	n := 0
	for _, set := range t.routes {
		n += len(set)
	}
	return n
}
