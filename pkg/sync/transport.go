package sync

import (
	"context"
	"fmt"
)

// ErrNoTransport indicates there is no usable transport registered.
var ErrNoTransport = fmt.Errorf("no transport registered")

// MsgType identifies sync protocol messages.
type MsgType byte

const (
	// MsgHello is the transport-level handshake carrying the node ID.
	MsgHello MsgType = iota + 1
	// MsgHeartbeat carries the sender's HLC for liveness and clock sync.
	MsgHeartbeat
	// MsgDelta carries a frame of delta-state envelopes.
	MsgDelta
	// MsgFullState carries a frame of full-state envelopes (anti-entropy).
	MsgFullState
	// MsgSyncRequest asks the peer for full state of all its instances.
	MsgSyncRequest
)

// Message is the wire unit exchanged between peers. Frame holds an
// encoded delta.Frame for MsgDelta/MsgFullState.
type Message struct {
	Type  MsgType `msgpack:"type"`
	From  string  `msgpack:"from"`
	Clock int64   `msgpack:"clock,omitempty"`
	Frame []byte  `msgpack:"frame,omitempty"`
}

// Handler receives inbound messages from the transport.
type Handler func(peerID string, msg *Message)

// Transport abstracts the wire for sync messages. Implementations must
// be safe for concurrent use.
type Transport interface {
	// Start begins accepting inbound traffic and delivering it to h.
	Start(ctx context.Context, h Handler) error

	// Stop closes all connections and the listener.
	Stop() error

	// LocalID returns the local node ID.
	LocalID() string

	// LocalAddr returns the listen address, empty if not listening.
	LocalAddr() string

	// Connect dials a remote node.
	Connect(addr string) error

	// Send delivers a message to one peer.
	Send(peerID string, msg *Message) error

	// Broadcast delivers a message to all connected peers.
	Broadcast(msg *Message) error

	// Peers returns currently connected peer IDs.
	Peers() []string
}

// NoopTransport is an explicit "no network" implementation. All send
// paths return ErrNoTransport so sync failures are never swallowed;
// local operation continues unaffected.
type NoopTransport struct {
	nodeID string
}

// NewNoopTransport creates a transport that never connects anywhere.
func NewNoopTransport(nodeID string) *NoopTransport {
	return &NoopTransport{nodeID: nodeID}
}

func (n *NoopTransport) Start(ctx context.Context, h Handler) error { return nil }

func (n *NoopTransport) Stop() error { return nil }

func (n *NoopTransport) LocalID() string { return n.nodeID }

func (n *NoopTransport) LocalAddr() string { return "" }

func (n *NoopTransport) Connect(addr string) error { return ErrNoTransport }

func (n *NoopTransport) Send(peerID string, msg *Message) error { return ErrNoTransport }

func (n *NoopTransport) Broadcast(msg *Message) error { return ErrNoTransport }

func (n *NoopTransport) Peers() []string { return nil }
