// Package resolve implements the pluggable conflict-resolution policies
// invoked when two operations on the same logical entity must be reduced
// to one outcome.
package resolve

import (
	"github.com/shinyes/converge/pkg/hlc"
	"github.com/shinyes/converge/pkg/vclock"
)

// Verdict is the outcome of resolving two candidate operations.
type Verdict int

const (
	// WinnerA means the first candidate prevails.
	WinnerA Verdict = iota
	// WinnerB means the second candidate prevails.
	WinnerB
	// Concurrent means neither candidate causally precedes the other.
	// This is a first-class outcome, not an error: callers (or the
	// specialized CRDT's own deterministic policy) must handle it
	// explicitly so that no operation is silently lost.
	Concurrent
)

func (v Verdict) String() string {
	switch v {
	case WinnerA:
		return "winner-a"
	case WinnerB:
		return "winner-b"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Candidate describes one side of a conflict.
type Candidate struct {
	OpID   string
	Origin string             // node that produced the operation
	Time   int64              // HLC timestamp
	Clock  vclock.VectorClock // causal snapshot, may be nil for timestamp-only resolution
}

// Resolver reduces two conflicting candidates to a verdict.
type Resolver interface {
	Resolve(a, b Candidate) Verdict
}

// TimestampResolver orders candidates by hybrid logical timestamp,
// breaking exact ties by node id. It always names a winner.
type TimestampResolver struct{}

func (TimestampResolver) Resolve(a, b Candidate) Verdict {
	cmp := hlc.Compare(a.Time, a.Origin, b.Time, b.Origin)
	switch {
	case cmp > 0:
		return WinnerA
	case cmp < 0:
		return WinnerB
	default:
		// Identical (timestamp, origin): same logical write; break by OpID
		// so the verdict stays deterministic on both sides.
		if a.OpID >= b.OpID {
			return WinnerA
		}
		return WinnerB
	}
}

// CausalResolver orders candidates by vector-clock happens-before.
// When neither precedes the other it reports Concurrent rather than
// guessing a winner.
type CausalResolver struct{}

func (CausalResolver) Resolve(a, b Candidate) Verdict {
	switch a.Clock.Compare(b.Clock) {
	case vclock.After:
		return WinnerA
	case vclock.Before:
		return WinnerB
	case vclock.Equal:
		// Same causal history: the candidates are interchangeable;
		// pick deterministically.
		return TimestampResolver{}.Resolve(a, b)
	default:
		return Concurrent
	}
}

// SemanticFunc adapts a domain callback into a Resolver. Specialized
// CRDTs supply their own policy this way (the workflow CRDT's policy
// denies both sides of a concurrent transition, for example).
type SemanticFunc func(a, b Candidate) Verdict

func (f SemanticFunc) Resolve(a, b Candidate) Verdict {
	return f(a, b)
}

// DenyConcurrent is the default semantic policy: causally ordered
// candidates resolve normally, concurrent ones are surfaced as-is and
// left to manual intervention.
var DenyConcurrent = SemanticFunc(func(a, b Candidate) Verdict {
	return CausalResolver{}.Resolve(a, b)
})
