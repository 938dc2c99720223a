// Package policy implements the seeding policy and namespace scope engine
// (C5) from SPEC_FULL.md §4.5: deciding which repositories are seeded and,
// per repository, which remote namespaces are trusted. Grounded on
// original_source/crates/radicle/src/node/policy.rs (Allow/Block shape with
// aliases and scope) and original_source/radicle-node/src/service/tracking.rs
// (Scope/Namespaces types and their blocked/no-trusted rejection cases), and
// on the teacher's core/Nodes/node_adaptive_state.go for the Go idiom of
// small decision functions over a persisted table.
package policy

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hwmesh/hw/internal/identity"
)

// Scope controls which remote namespaces are admissible once a repo is
// seeded under Allow.
type Scope int

const (
	// Followed admits only delegates of the repo's identity document plus
	// nodes with an Allow follow policy.
	Followed Scope = iota
	// All admits every remote namespace.
	All
)

func (s Scope) String() string {
	if s == All {
		return "all"
	}
	return "followed"
}

// RepoDisposition is a repo's seeding policy.
type RepoDisposition struct {
	Allowed bool
	Scope   Scope
}

// NodeDisposition is a node's follow policy, with an optional human alias
// for display (§3 "Seeding policy ... optional human alias").
type NodeDisposition struct {
	Allowed bool
	Alias   string
}

// Namespaces is the decision the engine returns to the fetch protocol:
// either no restriction, or an explicit admissible set. Set is keyed by the
// hex-encoded Ed25519 public key, the same identity string the wire and
// sigrefs namespaces use (refs/namespaces/<hex>/...), not the did:key
// encoding of that same key.
type Namespaces struct {
	All bool
	Set map[string]struct{} // keyed by hex-encoded public key
}

// Contains reports whether the hex-encoded public key hexKey is admissible
// under ns.
func (ns Namespaces) Contains(hexKey string) bool {
	if ns.All {
		return true
	}
	_, ok := ns.Set[hexKey]
	return ok
}

// AllNamespaces is the unrestricted namespace value.
func AllNamespaces() Namespaces { return Namespaces{All: true} }

// Store is the seeding/follow policy table (C5). It is held in memory only:
// entries are not persisted and do not survive a restart. It is safe for
// concurrent use.
type Store struct {
	mu sync.RWMutex

	defaultRepoAllowed bool
	defaultScope       Scope
	defaultNodeAllowed bool

	repos map[identity.ID]RepoDisposition
	nodes map[string]NodeDisposition // keyed by hex-encoded public key

	log *logrus.Logger
}

// NewStore builds an empty policy table with the given defaults, applied
// when no explicit entry exists for a repo or node (§3 "Default policy and
// default scope apply when no explicit entry exists").
func NewStore(defaultRepoAllowed bool, defaultScope Scope, defaultNodeAllowed bool, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{
		defaultRepoAllowed: defaultRepoAllowed,
		defaultScope:       defaultScope,
		defaultNodeAllowed: defaultNodeAllowed,
		repos:              make(map[identity.ID]RepoDisposition),
		nodes:              make(map[string]NodeDisposition),
		log:                log,
	}
}

// SetRepo records an explicit policy for repo.
func (s *Store) SetRepo(repo identity.ID, allowed bool, scope Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[repo] = RepoDisposition{Allowed: allowed, Scope: scope}
	s.log.Infof("policy: repo %s set to allowed=%v scope=%s", repo, allowed, scope)
}

// SetNode records an explicit follow policy for a node given its did:key
// string, with an optional alias. The did is resolved to its underlying
// public key once here so Decide and Contains can compare against the same
// hex identity the fetch and sigrefs packages use for namespace names.
func (s *Store) SetNode(did string, allowed bool, alias string) error {
	parsed, err := identity.ParseDID(did)
	if err != nil {
		return fmt.Errorf("policy: set node %q: %w", did, err)
	}
	hexKey := fmt.Sprintf("%x", []byte(parsed.Key))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[hexKey] = NodeDisposition{Allowed: allowed, Alias: alias}
	s.log.Infof("policy: node %s set to allowed=%v alias=%q", hexKey, allowed, alias)
	return nil
}

func (s *Store) repoPolicy(repo identity.ID) RepoDisposition {
	if d, ok := s.repos[repo]; ok {
		return d
	}
	return RepoDisposition{Allowed: s.defaultRepoAllowed, Scope: s.defaultScope}
}

func (s *Store) nodePolicy(did string) NodeDisposition {
	if d, ok := s.nodes[did]; ok {
		return d
	}
	return NodeDisposition{Allowed: s.defaultNodeAllowed}
}

// Decide implements §4.5's decision procedure for (repo, remote).
//
// If the repo policy is Block, ok is false. Otherwise a Namespaces value is
// returned: All if the repo's scope is All, or Followed(set) resolved from
// doc's delegates plus every node with an Allow follow policy. An empty
// Followed set (no policies and no delegates resolved) degrades to All,
// relying on downstream sigrefs verification to gate adoption — this is
// documented as safe in §4.5.
func (s *Store) Decide(repo identity.ID, doc identity.Document) (ns Namespaces, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rp := s.repoPolicy(repo)
	if !rp.Allowed {
		return Namespaces{}, false
	}
	if rp.Scope == All {
		return AllNamespaces(), true
	}

	set := make(map[string]struct{})
	for _, del := range doc.Delegates {
		set[fmt.Sprintf("%x", []byte(del.Key))] = struct{}{}
	}
	for hexKey, np := range s.nodes {
		if np.Allowed {
			set[hexKey] = struct{}{}
		}
	}
	if len(set) == 0 {
		s.log.Debugf("policy: repo %s resolved an empty Followed set; degrading to All", repo)
		return AllNamespaces(), true
	}
	return Namespaces{Set: set}, true
}

// IsRepoBlocked reports whether repo's policy is explicitly or by-default Block.
func (s *Store) IsRepoBlocked(repo identity.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.repoPolicy(repo).Allowed
}
