// Package errs defines the error taxonomy shared by every component of the
// replication stack (see SPEC_FULL.md §7). Components never panic or use
// exceptions for control flow; every failure is an *Error whose Kind a caller
// can switch on.
package errs

import "fmt"

// Kind classifies an error without forcing callers to string-match messages.
type Kind int

const (
	// Unknown is the zero value; never returned deliberately.
	Unknown Kind = iota
	// Protocol covers bad magic, unknown wire version, malformed frames and
	// non-monotone timestamps. The session is disconnected; the node keeps running.
	Protocol
	// Signature covers an entry, sigrefs or announcement whose signature does
	// not verify. The message is dropped or the entry is pruned; never adopted.
	Signature
	// Storage covers a missing git object or a failed SQL write.
	Storage
	// Policy covers a fetch refused because the repo is blocked or the
	// namespace is not trusted under Followed scope.
	Policy
	// Resource covers a bounded buffer overflow or a fetch exceeding its
	// byte/ref limit.
	Resource
	// Timeout covers wall-clock expiry or an explicit cancellation.
	Timeout
	// Identity covers a COB whose root entry fails Evaluate.Init.
	Identity
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol"
	case Signature:
		return "signature"
	case Storage:
		return "storage"
	case Policy:
		return "policy"
	case Resource:
		return "resource"
	case Timeout:
		return "timeout"
	case Identity:
		return "identity"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and the operation it occurred
// in, the way ledger.go distinguishes "open WAL" from "WAL unmarshal" by
// message prefix, generalized into a structure callers can inspect.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	// Hint is an optional, user-facing remediation suggestion (§7:
	// "User-visible operations report the error kind and an optional
	// remediation hint").
	Hint string
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s: %v (hint: %s)", e.Kind, e.Op, e.Err, e.Hint)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op, wrapping err under kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Hinted is like New but attaches a remediation hint.
func Hinted(kind Kind, op string, err error, hint string) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Hint: hint}
}

// Is reports whether err (or anything it wraps) is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Sentinel error values returned by name in the component docs (§7).

// MissingRoot is returned when a COB's root entry cannot be loaded.
var MissingRoot = New(Identity, "cob.evaluate", fmt.Errorf("root entry missing"))

// Blocked is returned when policy refuses a fetch.
var Blocked = New(Policy, "fetch", fmt.Errorf("repository or namespace blocked"))

// Cancelled is returned when an interrupt flag fires mid-fetch.
var Cancelled = New(Timeout, "fetch", fmt.Errorf("cancelled"))

// ReplicateSelf is returned when a fetch's local and remote identity coincide.
var ReplicateSelf = New(Policy, "fetch", fmt.Errorf("cannot replicate from self"))

// WrongMagic is returned when a peer's wire envelope carries a foreign network magic.
var WrongMagic = New(Protocol, "wire.magic", fmt.Errorf("wrong network magic"))

// OutOfMemory is returned when the deserialiser's bounded buffer overflows.
var OutOfMemory = New(Resource, "wire.deserialize", fmt.Errorf("frame exceeds max payload size"))
