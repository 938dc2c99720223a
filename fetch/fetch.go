// Package fetch implements the fetch protocol state machine (C6) from
// SPEC_FULL.md §4.6: ls-refs, negotiation, pack application, sigrefs
// verification and ref adoption with fast-forward policy. Grounded on
// original_source/radicle-fetch/src/lib.rs for the state machine shape and
// on the teacher's core/network.go for the Go idiom (explicit phase enum,
// logrus at each transition, context.Context carrying cancellation).
package fetch

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/hwmesh/hw/internal/errs"
	"github.com/hwmesh/hw/internal/identity"
	"github.com/hwmesh/hw/internal/sign"
	"github.com/hwmesh/hw/policy"
	"github.com/hwmesh/hw/sigrefs"
	"github.com/hwmesh/hw/storage"
)

// Phase names the fetch protocol's state machine positions, per §4.6's
// diagram. Every phase but Done may transition to Abort on error.
type Phase int

const (
	Handshake Phase = iota
	LsRefs
	Negotiate
	PackApply
	Verify
	Adopt
	Done
	Abort
)

func (p Phase) String() string {
	switch p {
	case Handshake:
		return "handshake"
	case LsRefs:
		return "ls-refs"
	case Negotiate:
		return "negotiate"
	case PackApply:
		return "pack-apply"
	case Verify:
		return "verify"
	case Adopt:
		return "adopt"
	case Done:
		return "done"
	default:
		return "abort"
	}
}

// Limit bounds a single fetch's cost, per §4.6 "Limits".
type Limit struct {
	MaxBytes int64
	MaxRefs  int
}

// NoFFPolicy governs a Direct update that is not a fast-forward.
type NoFFPolicy int

const (
	// Abort cancels the whole adoption transaction.
	Abort NoFFPolicy = iota
	// Reject skips this single ref, others in the batch still apply.
	Reject
	// Allow forces the move even though it is not a fast-forward.
	Allow
)

// UpdateKind distinguishes a ref advance from a deletion.
type UpdateKind int

const (
	Direct UpdateKind = iota
	Prune
)

// Update is a single candidate ref change produced by Negotiate, adopted (or
// rejected) in the Adopt phase.
type Update struct {
	Kind   UpdateKind
	Name   string
	Target identity.ID // zero for Prune
	Prev   identity.ID // previous target, used for fast-forward checks
	NoFF   NoFFPolicy
}

// Applied records the outcome of one Adopt pass, per §4.6 step 5.
type Applied struct {
	Updated  []string
	Rejected []string
}

// Transport is the byte-stream capability a fetch negotiates over. Its
// concrete implementation (handshake bytes, ls-refs wire format) lives
// outside this package per SPEC_FULL.md §1 ("the transport handshake at the
// byte level" is out of scope — only its contractual properties here).
type Transport interface {
	// Handshake exchanges protocol versions; returns an error on mismatch.
	Handshake(ctx context.Context) error
	// LsRefs requests the remote's refs under the given namespace prefixes.
	LsRefs(ctx context.Context, prefixes []string) (map[string]identity.ID, error)
	// FetchPack requests a packfile covering want (missing object ids) and
	// writes it into backend, respecting limit and the interrupt flag.
	FetchPack(ctx context.Context, want []identity.ID, limit Limit, interrupt *atomic.Bool) error
}

// Request parameterises a single fetch, per §4.6 "Parameters:
// (handle, limit, remote, refs_at?)".
type Request struct {
	Repo   identity.ID
	Local  sign.PublicKey
	Remote sign.PublicKey
	Limit  Limit
	// RefsAt, if non-nil, is the caller's expected tip for remote's sigrefs;
	// the fetch is rejected if the fetched sigrefs disagrees (§4.6 step 4).
	RefsAt *identity.ID
}

// Result is the outcome of a completed fetch.
type Result struct {
	Phase   Phase
	Applied Applied
}

// Session drives one fetch through its state machine.
type Session struct {
	backend   storage.Backend
	policy    *policy.Store
	verifier  sign.Verifier
	transport Transport
	log       *logrus.Logger
	interrupt atomic.Bool
}

// NewSession builds a fetch session over backend, consulting policy for
// namespace admissibility and verifier for sigrefs/entry signatures.
func NewSession(backend storage.Backend, p *policy.Store, verifier sign.Verifier, transport Transport, log *logrus.Logger) *Session {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Session{backend: backend, policy: p, verifier: verifier, transport: transport, log: log}
}

// Cancel sets the interrupt flag; the in-flight pack writer observes it at
// its next checkpoint and yields errs.Cancelled (§4.6 "Cancellation", §5).
func (s *Session) Cancel() { s.interrupt.Store(true) }

// Run drives req through Handshake→LsRefs→Negotiate→PackApply→Verify→Adopt→Done.
func (s *Session) Run(ctx context.Context, req Request, doc identity.Document) (Result, error) {
	if req.Local == req.Remote {
		return Result{Phase: Abort}, errs.ReplicateSelf
	}

	ns, allowed := s.policy.Decide(req.Repo, doc)
	if !allowed {
		return Result{Phase: Abort}, errs.Blocked
	}

	s.log.Infof("fetch: handshake with remote %x", req.Remote[:])
	if err := s.transport.Handshake(ctx); err != nil {
		return Result{Phase: Abort}, errs.New(errs.Protocol, "fetch.handshake", err)
	}

	prefixes := s.namespacePrefixes(ns, req.Remote)
	s.log.Debugf("fetch: ls-refs across %d namespace prefixes", len(prefixes))
	remoteRefs, err := s.transport.LsRefs(ctx, prefixes)
	if err != nil {
		return Result{Phase: Abort}, errs.New(errs.Protocol, "fetch.lsrefs", err)
	}
	if req.Limit.MaxRefs > 0 && len(remoteRefs) > req.Limit.MaxRefs {
		return Result{Phase: Abort}, errs.New(errs.Resource, "fetch.lsrefs", fmt.Errorf("remote advertised %d refs, limit is %d", len(remoteRefs), req.Limit.MaxRefs))
	}

	want := s.missingObjects(remoteRefs)
	s.log.Debugf("fetch: negotiating %d missing objects", len(want))
	if err := s.transport.FetchPack(ctx, want, req.Limit, &s.interrupt); err != nil {
		if s.interrupt.Load() {
			return Result{Phase: Abort}, errs.Cancelled
		}
		return Result{Phase: Abort}, errs.New(errs.Storage, "fetch.packapply", err)
	}

	sr, sigrefsID, err := sigrefs.Load(s.backend, req.Remote)
	if err != nil {
		return Result{Phase: Abort}, errs.New(errs.Storage, "fetch.verify", err)
	}
	if err := sigrefs.Verify(sr, req.Remote, s.backend, s.verifier); err != nil {
		return Result{Phase: Abort}, err
	}
	if req.RefsAt != nil && *req.RefsAt != sigrefsID {
		return Result{Phase: Abort}, errs.New(errs.Signature, "fetch.verify", fmt.Errorf("fetched sigrefs %s disagrees with expected %s", sigrefsID, *req.RefsAt))
	}

	updates := s.planUpdates(req.Remote, sr, ns)
	applied, err := s.adopt(updates)
	if err != nil {
		return Result{Phase: Abort}, err
	}

	s.log.Infof("fetch: done, %d updated, %d rejected", len(applied.Updated), len(applied.Rejected))
	return Result{Phase: Done, Applied: applied}, nil
}

func (s *Session) namespacePrefixes(ns policy.Namespaces, remote sign.PublicKey) []string {
	base := fmt.Sprintf("refs/namespaces/%x/", remote[:])
	// rad/id and rad/sigrefs are always requested under every admissible
	// namespace, per §4.6 step 2.
	if ns.All {
		return []string{base}
	}
	out := make([]string, 0, len(ns.Set))
	for hexKey := range ns.Set {
		out = append(out, fmt.Sprintf("refs/namespaces/%s/", hexKey))
	}
	return out
}

func (s *Session) missingObjects(remoteRefs map[string]identity.ID) []identity.ID {
	var want []identity.ID
	for _, id := range remoteRefs {
		if !s.backend.HasObject(id) {
			want = append(want, id)
		}
	}
	return want
}

// planUpdates computes the Update set from the verified sigrefs document,
// restricted to namespaces ns admits: refs it lists become Direct updates;
// refs present locally under remote's namespace but absent from the sigrefs
// become Prune updates (§4.6 step 5).
func (s *Session) planUpdates(remote sign.PublicKey, sr *sigrefs.Sigrefs, ns policy.Namespaces) []Update {
	remoteNamespace := fmt.Sprintf("refs/namespaces/%x/", remote[:])

	listed := make(map[string]identity.ID, len(sr.Document.Refs))
	var updates []Update
	for _, re := range sr.Document.Refs {
		listed[re.Name] = re.Target
		if !ns.Contains(namespaceOf(re.Name)) {
			continue
		}
		prev, _, _ := s.backend.ResolveRef(re.Name)
		updates = append(updates, Update{Kind: Direct, Name: re.Name, Target: re.Target, Prev: prev, NoFF: Reject})
	}

	local, err := s.backend.ListRefs(remoteNamespace)
	if err == nil {
		for name := range local {
			if _, ok := listed[name]; !ok {
				updates = append(updates, Update{Kind: Prune, Name: name})
			}
		}
	}
	return updates
}

func namespaceOf(refName string) string {
	const prefix = "refs/namespaces/"
	if len(refName) <= len(prefix) {
		return ""
	}
	rest := refName[len(prefix):]
	for i, c := range rest {
		if c == '/' {
			return rest[:i]
		}
	}
	return rest
}

// adopt applies each update per §4.6 step 5. All updates produced by a
// single planUpdates call belong to one (repo, remote) pair and are applied
// as a single logical transaction (§5: "never within"): an Abort-policy
// non-fast-forward restores every ref this call already changed and applies
// nothing further. A cancellation or a storage error stops application
// without restoring refs changed earlier in the call.
func (s *Session) adopt(updates []Update) (Applied, error) {
	var applied Applied
	var undo []Update // refs changed so far, with their previous targets
	for _, u := range updates {
		if s.interrupt.Load() {
			return applied, errs.Cancelled
		}
		switch u.Kind {
		case Prune:
			prev, _, _ := s.backend.ResolveRef(u.Name)
			if err := s.backend.DeleteRef(u.Name); err != nil {
				return applied, errs.New(errs.Storage, "fetch.adopt", err)
			}
			undo = append(undo, Update{Name: u.Name, Prev: prev})
			applied.Updated = append(applied.Updated, u.Name)
		case Direct:
			ff := u.Prev.IsZero()
			if !ff {
				var err error
				ff, err = s.backend.IsAncestor(u.Prev, u.Target)
				if err != nil {
					return applied, errs.New(errs.Storage, "fetch.adopt", err)
				}
			}
			if !ff {
				switch u.NoFF {
				case Abort:
					for i := len(undo) - 1; i >= 0; i-- {
						if undo[i].Prev.IsZero() {
							_ = s.backend.DeleteRef(undo[i].Name)
						} else {
							_ = s.backend.SetRef(undo[i].Name, undo[i].Prev)
						}
					}
					return Applied{}, errs.New(errs.Protocol, "fetch.adopt", fmt.Errorf("non-fast-forward update to %s rejected: aborting batch", u.Name))
				case Reject:
					applied.Rejected = append(applied.Rejected, u.Name)
					continue
				case Allow:
					// fall through to apply
				}
			}
			if err := s.backend.SetRef(u.Name, u.Target); err != nil {
				return applied, errs.New(errs.Storage, "fetch.adopt", err)
			}
			undo = append(undo, Update{Name: u.Name, Prev: u.Prev})
			applied.Updated = append(applied.Updated, u.Name)
		}
	}
	return applied, nil
}
