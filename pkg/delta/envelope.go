// Package delta defines the versioned wire format for state exchange
// between peers: a self-describing envelope per CRDT instance, optional
// zstd compression, and frame batching.
package delta

import (
	"errors"
	"fmt"

	"github.com/shinyes/converge/pkg/crdt"
	"github.com/shinyes/converge/pkg/vclock"
)

// EnvelopeVersion is the current wire version. Decoders accept envelopes
// of this version or lower; unknown fields inside an envelope are
// skipped by the codec, so minor additions stay forward-compatible
// across rolling deployments.
const EnvelopeVersion = 1

var (
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
	ErrMalformedEnvelope  = errors.New("malformed delta envelope")
)

// Envelope carries the partial (or full) state of one CRDT instance.
type Envelope struct {
	Version  int                `msgpack:"version"`
	Name     string             `msgpack:"crdt_name"`
	Kind     byte               `msgpack:"crdt_type"`
	NodeID   string             `msgpack:"node_id"`
	Clock    vclock.VectorClock `msgpack:"vector_clock"`
	State    []byte             `msgpack:"state"` // canonical CRDT bytes, possibly compressed
	Full     bool               `msgpack:"full"`  // full state (anti-entropy) vs incremental delta
	Encoding string             `msgpack:"encoding,omitempty"`
}

// Frame batches several envelopes into one transmission unit.
type Frame struct {
	Version   int        `msgpack:"version"`
	NodeID    string     `msgpack:"node_id"`
	Envelopes []Envelope `msgpack:"envelopes"`
}

// NewEnvelope wraps a computed delta state for transmission.
func NewEnvelope(name string, c crdt.CRDT, nodeID string, full bool) (*Envelope, error) {
	state, err := c.Bytes()
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", name, err)
	}
	env := &Envelope{
		Version: EnvelopeVersion,
		Name:    name,
		Kind:    byte(c.Kind()),
		NodeID:  nodeID,
		Clock:   c.Clock(),
		State:   state,
		Full:    full,
	}
	env.compress()
	return env, nil
}

// Decode reconstructs the carried CRDT state. The returned instance is
// a scratch value: callers merge it into their own replica, which keeps
// delta application all-or-nothing (a malformed envelope fails here,
// before any local state is touched).
func (e *Envelope) Decode() (crdt.CRDT, error) {
	if e.Version > EnvelopeVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, e.Version)
	}
	if e.Name == "" || e.State == nil {
		return nil, ErrMalformedEnvelope
	}
	state, err := e.decompressed()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	c, err := crdt.FromBytes(crdt.Kind(e.Kind), state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return c, nil
}
