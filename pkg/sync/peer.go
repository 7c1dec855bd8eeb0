package sync

import (
	"time"

	"github.com/shinyes/converge/pkg/vclock"
)

// PeerState is the lifecycle state of one peer.
type PeerState int

const (
	// PeerDisconnected: known but unreachable, retried with backoff.
	PeerDisconnected PeerState = iota
	// PeerDiscovering: transport link exists, no heartbeat seen yet.
	PeerDiscovering
	// PeerConnected: heartbeats flowing, nothing in flight.
	PeerConnected
	// PeerSyncing: a delta exchange is in progress.
	PeerSyncing
)

func (s PeerState) String() string {
	switch s {
	case PeerDisconnected:
		return "disconnected"
	case PeerDiscovering:
		return "discovering"
	case PeerConnected:
		return "connected"
	case PeerSyncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// peerState is the engine's bookkeeping for one peer. Guarded by the
// engine mutex.
type peerState struct {
	id            string
	state         PeerState
	lastHeartbeat time.Time

	// acked holds, per instance, the vector clock this peer is known
	// to have reached. Deltas are computed against it.
	acked map[string]vclock.VectorClock

	// pending holds instance names with local changes this peer has
	// not received yet.
	pending map[string]struct{}

	// pendingBytes is the size of the last frame that failed to reach
	// this peer and awaits retry.
	pendingBytes int64

	failures int
	retryAt  time.Time
}

func newPeerState(id string) *peerState {
	return &peerState{
		id:      id,
		state:   PeerDiscovering,
		acked:   make(map[string]vclock.VectorClock),
		pending: make(map[string]struct{}),
	}
}

// ackClock records that the peer has reached clock for one instance.
func (p *peerState) ackClock(name string, clock vclock.VectorClock) {
	cur, ok := p.acked[name]
	if !ok {
		p.acked[name] = clock.Copy()
		return
	}
	cur.Merge(clock)
}

// backoff schedules the next retry after a send failure, doubling the
// delay up to max.
func (p *peerState) backoff(now time.Time, base, max time.Duration) {
	p.failures++
	delay := base << (p.failures - 1)
	if delay > max || delay <= 0 {
		delay = max
	}
	p.retryAt = now.Add(delay)
}

// reset clears failure tracking after a successful exchange.
func (p *peerState) reset() {
	p.failures = 0
	p.retryAt = time.Time{}
	p.pendingBytes = 0
}

// PeerInfo is a read-only snapshot of one peer for callers.
type PeerInfo struct {
	ID            string
	State         PeerState
	LastHeartbeat time.Time
	Failures      int
}
