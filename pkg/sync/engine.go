package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shinyes/converge/pkg/delta"
	"github.com/shinyes/converge/pkg/manager"
	"github.com/shinyes/converge/pkg/vclock"
)

// Config tunes the sync engine. Zero values fall back to defaults.
type Config struct {
	// SyncInterval is the delta propagation period.
	SyncInterval time.Duration
	// HeartbeatInterval is the liveness broadcast period.
	HeartbeatInterval time.Duration
	// PeerTimeout marks a peer offline after this silence.
	PeerTimeout time.Duration
	// BackoffBase is the first retry delay after a send failure.
	BackoffBase time.Duration
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration
}

func (c *Config) normalize() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = 3 * c.HeartbeatInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// Engine propagates CRDT state between peers: periodic delta pushes
// against per-peer acked clocks, full-state anti-entropy on join, and
// heartbeat-based liveness. All failures degrade to retry with
// backoff; local writes never block on the network.
type Engine struct {
	mgr       *manager.Manager
	transport Transport
	cfg       Config

	mu       sync.Mutex
	peers    map[string]*peerState
	lastSync time.Time

	syncNow chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates a sync engine over the given transport.
func NewEngine(mgr *manager.Manager, transport Transport, cfg Config) (*Engine, error) {
	if mgr == nil {
		return nil, fmt.Errorf("manager 不能为空")
	}
	if transport == nil {
		transport = NewNoopTransport(mgr.NodeID())
	}
	cfg.normalize()

	return &Engine{
		mgr:       mgr,
		transport: transport,
		cfg:       cfg,
		peers:     make(map[string]*peerState),
		syncNow:   make(chan struct{}, 1),
	}, nil
}

// Start begins the transport and the background sync loop.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.transport.Start(e.ctx, e.handleMessage); err != nil {
		return fmt.Errorf("启动传输层失败: %w", err)
	}

	e.mgr.SetSyncObserver(e)

	e.wg.Add(1)
	go e.run()

	log.Printf("[Sync:%s] started: interval=%v, heartbeat=%v, addr=%s",
		e.mgr.NodeID(), e.cfg.SyncInterval, e.cfg.HeartbeatInterval, e.transport.LocalAddr())
	return nil
}

// Stop terminates the loop and closes the transport.
func (e *Engine) Stop() {
	log.Printf("[Sync:%s] stopping", e.mgr.NodeID())
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.transport.Stop()
}

// Connect dials a peer. The handshake and first sync happen in the
// background loop.
func (e *Engine) Connect(addr string) error {
	if err := e.transport.Connect(addr); err != nil {
		return err
	}
	e.broadcastHeartbeat()
	return nil
}

// SyncNow triggers an immediate delta push without waiting for the
// next tick.
func (e *Engine) SyncNow() {
	select {
	case e.syncNow <- struct{}{}:
	default:
		// a sync is already queued
	}
}

// LocalAddr returns the transport listen address.
func (e *Engine) LocalAddr() string {
	return e.transport.LocalAddr()
}

// Peers returns a snapshot of all known peers.
func (e *Engine) Peers() []PeerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]PeerInfo, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, PeerInfo{
			ID:            p.id,
			State:         p.state,
			LastHeartbeat: p.lastHeartbeat,
			Failures:      p.failures,
		})
	}
	return out
}

// PeerCount reports peers currently online.
func (e *Engine) PeerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, p := range e.peers {
		if p.state == PeerConnected || p.state == PeerSyncing {
			n++
		}
	}
	return n
}

// LastSyncTime reports when state last flowed in either direction.
func (e *Engine) LastSyncTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// PendingDeltaBytes reports bytes that failed to send and await retry,
// summed across peers. One healthy peer draining its queue does not
// hide another peer's backlog.
func (e *Engine) PendingDeltaBytes() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	var total int64
	for _, p := range e.peers {
		total += p.pendingBytes
	}
	return total
}

// EngineStats is a snapshot of sync-engine runtime counters.
type EngineStats struct {
	FramesSent      uint64
	FramesReceived  uint64
	EnvelopesMerged uint64
	MergeFailures   uint64
	SendFailures    uint64
	HeartbeatsSent  uint64
	PeerCount       int
	PendingBytes    int64
}

// Stats returns runtime metrics for the sync engine. The counters are
// process-wide; PeerCount and PendingBytes are per-engine.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		FramesSent:      framesSent.Get(),
		FramesReceived:  framesReceived.Get(),
		EnvelopesMerged: envelopesMerged.Get(),
		MergeFailures:   mergeFailures.Get(),
		SendFailures:    sendFailures.Get(),
		HeartbeatsSent:  heartbeatsSent.Get(),
		PeerCount:       e.PeerCount(),
		PendingBytes:    e.PendingDeltaBytes(),
	}
}

func (e *Engine) run() {
	defer e.wg.Done()

	syncTicker := time.NewTicker(e.cfg.SyncInterval)
	defer syncTicker.Stop()
	hbTicker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer hbTicker.Stop()

	// 启动即广播一次心跳，让对端尽快发现本节点
	e.broadcastHeartbeat()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-syncTicker.C:
			e.syncTick()
		case <-e.syncNow:
			e.syncTick()
		case <-hbTicker.C:
			e.broadcastHeartbeat()
			e.checkHeartbeats()
		}
	}
}

// sendPlan is the per-peer work extracted under the engine lock so the
// actual network sends happen without holding it.
type sendPlan struct {
	peerID string
	names  []string
	since  map[string]vclock.VectorClock
}

// syncTick pushes accumulated local changes to every reachable peer as
// deltas against that peer's acked clocks.
func (e *Engine) syncTick() {
	transportPeers := e.transport.Peers()
	now := time.Now()

	e.mu.Lock()
	e.reconcilePeersLocked(transportPeers, now)

	// Fan newly dirtied instances out to every peer's pending set.
	for _, name := range e.mgr.DrainDirty() {
		for _, p := range e.peers {
			p.pending[name] = struct{}{}
		}
	}

	var plans []sendPlan
	for _, p := range e.peers {
		if p.state != PeerConnected && p.state != PeerSyncing {
			continue
		}
		if len(p.pending) == 0 || now.Before(p.retryAt) {
			continue
		}

		plan := sendPlan{
			peerID: p.id,
			since:  make(map[string]vclock.VectorClock, len(p.pending)),
		}
		for name := range p.pending {
			plan.names = append(plan.names, name)
			if acked, ok := p.acked[name]; ok {
				plan.since[name] = acked.Copy()
			}
		}
		p.state = PeerSyncing
		plans = append(plans, plan)
	}
	e.mu.Unlock()

	for _, plan := range plans {
		e.pushToPeer(plan)
	}
}

// reconcilePeersLocked aligns engine bookkeeping with the transport's
// connection set.
func (e *Engine) reconcilePeersLocked(transportPeers []string, now time.Time) {
	seen := make(map[string]struct{}, len(transportPeers))
	for _, id := range transportPeers {
		seen[id] = struct{}{}
		if _, ok := e.peers[id]; !ok {
			e.peers[id] = newPeerState(id)
			log.Printf("[Sync:%s] ✨ 发现新节点: %s", e.mgr.NodeID(), id)
		}
	}

	for id, p := range e.peers {
		if _, ok := seen[id]; ok {
			continue
		}
		if p.state != PeerDisconnected {
			log.Printf("[Sync:%s] peer %s disconnected", e.mgr.NodeID(), id)
			p.state = PeerDisconnected
			peerOfflineTransitions.Inc()
		}
	}
}

// pushToPeer builds one frame of deltas for the peer and sends it.
// Success advances the peer's acked clocks; failure keeps the pending
// set intact and backs off.
func (e *Engine) pushToPeer(plan sendPlan) {
	frame := &delta.Frame{NodeID: e.mgr.NodeID()}
	clocks := make(map[string]vclock.VectorClock, len(plan.names))
	var delivered []string

	for _, name := range plan.names {
		h, err := e.mgr.Get(name)
		if err != nil {
			// instance was removed after being dirtied
			delivered = append(delivered, name)
			continue
		}

		since := plan.since[name]
		d, err := h.Delta(since)
		if err != nil {
			log.Printf("[Sync:%s] compute delta for %s failed: %v", e.mgr.NodeID(), name, err)
			delivered = append(delivered, name)
			continue
		}

		env, err := delta.NewEnvelope(name, d, e.mgr.NodeID(), len(since) == 0)
		if err != nil {
			log.Printf("[Sync:%s] encode %s failed: %v", e.mgr.NodeID(), name, err)
			delivered = append(delivered, name)
			continue
		}
		frame.Envelopes = append(frame.Envelopes, *env)
		clocks[name] = h.Clock()
		delivered = append(delivered, name)
	}

	var sendErr error
	var frameLen int
	if len(frame.Envelopes) > 0 {
		data, err := delta.EncodeFrame(frame)
		if err != nil {
			log.Printf("[Sync:%s] encode frame failed: %v", e.mgr.NodeID(), err)
			return
		}
		frameLen = len(data)
		sendErr = e.transport.Send(plan.peerID, &Message{
			Type:  MsgDelta,
			From:  e.mgr.NodeID(),
			Frame: data,
		})
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.peers[plan.peerID]
	if !ok {
		return
	}
	if p.state == PeerSyncing {
		p.state = PeerConnected
	}

	if sendErr != nil {
		sendFailures.Inc()
		// The next tick re-encodes the same pending set, so record
		// the size of the last failed frame instead of accumulating.
		p.pendingBytes = int64(frameLen)
		p.backoff(time.Now(), e.cfg.BackoffBase, e.cfg.BackoffMax)
		log.Printf("[Sync:%s] push to %s failed (retry #%d): %v",
			e.mgr.NodeID(), plan.peerID, p.failures, sendErr)
		return
	}

	// acked clocks advance to what was just shipped
	for _, name := range delivered {
		delete(p.pending, name)
		if c, ok := clocks[name]; ok {
			p.ackClock(name, c)
		}
	}
	p.reset()
	e.lastSync = time.Now()

	if len(frame.Envelopes) > 0 {
		framesSent.Inc()
		bytesSentTotal.Add(frameLen)
	}
}

func (e *Engine) broadcastHeartbeat() {
	if len(e.transport.Peers()) == 0 {
		return
	}
	msg := &Message{
		Type:  MsgHeartbeat,
		From:  e.mgr.NodeID(),
		Clock: e.mgr.Clock().Now(),
	}
	if err := e.transport.Broadcast(msg); err != nil {
		log.Printf("[Sync:%s] heartbeat broadcast failed: %v", e.mgr.NodeID(), err)
		return
	}
	heartbeatsSent.Inc()
}

// checkHeartbeats marks silent peers offline. Only the transition is
// reported.
func (e *Engine) checkHeartbeats() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	for id, p := range e.peers {
		if p.state != PeerConnected && p.state != PeerSyncing {
			continue
		}
		if p.lastHeartbeat.IsZero() || now.Sub(p.lastHeartbeat) <= e.cfg.PeerTimeout {
			continue
		}
		log.Printf("[Sync:%s] ⚠️ 节点 %s 心跳超时 (%v)，标记为离线", e.mgr.NodeID(), id, now.Sub(p.lastHeartbeat))
		p.state = PeerDisconnected
		peerOfflineTransitions.Inc()
	}
}

// handleMessage dispatches inbound sync traffic.
func (e *Engine) handleMessage(peerID string, msg *Message) {
	switch msg.Type {
	case MsgHello:
		// transport-level, nothing to do here

	case MsgHeartbeat:
		e.onHeartbeat(peerID, msg.Clock)

	case MsgDelta, MsgFullState:
		e.onFrame(peerID, msg.Frame)

	case MsgSyncRequest:
		fullSyncRequests.Inc()
		e.sendFullState(peerID)

	default:
		log.Printf("[Sync:%s] unknown message type %d from %s", e.mgr.NodeID(), msg.Type, peerID)
	}
}

// onHeartbeat absorbs the remote clock and promotes the peer. A peer
// seen for the first time gets a full-state exchange.
func (e *Engine) onHeartbeat(peerID string, clock int64) {
	if clock > 0 {
		e.mgr.Clock().Update(clock)
	}

	e.mu.Lock()
	p, ok := e.peers[peerID]
	if !ok {
		p = newPeerState(peerID)
		e.peers[peerID] = p
	}
	firstContact := p.state == PeerDiscovering || p.state == PeerDisconnected
	wasOffline := p.state == PeerDisconnected
	p.lastHeartbeat = time.Now()
	if p.state != PeerSyncing {
		p.state = PeerConnected
	}
	e.mu.Unlock()

	if wasOffline {
		log.Printf("[Sync:%s] ✅ 节点 %s 重新上线", e.mgr.NodeID(), peerID)
	}
	if firstContact {
		peerOnlineTransitions.Inc()
		// Anti-entropy on join: ask for everything the peer has and
		// push everything we have.
		if err := e.transport.Send(peerID, &Message{Type: MsgSyncRequest, From: e.mgr.NodeID()}); err != nil {
			log.Printf("[Sync:%s] sync request to %s failed: %v", e.mgr.NodeID(), peerID, err)
		}
		e.sendFullState(peerID)
	}
}

// onFrame merges every envelope in an inbound frame. A malformed
// envelope is skipped whole, it never partially applies.
func (e *Engine) onFrame(peerID string, data []byte) {
	if len(data) == 0 {
		return
	}
	framesReceived.Inc()
	bytesReceived.Add(len(data))

	frame, err := delta.DecodeFrame(data)
	if err != nil {
		log.Printf("[Sync:%s] malformed frame from %s: %v", e.mgr.NodeID(), peerID, err)
		mergeFailures.Inc()
		return
	}

	merged := 0
	for i := range frame.Envelopes {
		env := &frame.Envelopes[i]

		inst, err := env.Decode()
		if err != nil {
			log.Printf("[Sync:%s] reject envelope %s from %s: %v", e.mgr.NodeID(), env.Name, peerID, err)
			mergeFailures.Inc()
			continue
		}

		h, err := e.mgr.Get(env.Name)
		if err != nil {
			if !errors.Is(err, manager.ErrNotFound) {
				mergeFailures.Inc()
				continue
			}
			if _, err := e.mgr.Adopt(env.Name, inst); err != nil {
				log.Printf("[Sync:%s] adopt %s from %s failed: %v", e.mgr.NodeID(), env.Name, peerID, err)
				mergeFailures.Inc()
				continue
			}
		} else {
			if err := h.Merge(inst); err != nil {
				log.Printf("[Sync:%s] merge %s from %s failed: %v", e.mgr.NodeID(), env.Name, peerID, err)
				mergeFailures.Inc()
				continue
			}
		}
		merged++
		envelopesMerged.Inc()

		e.mu.Lock()
		if p, ok := e.peers[peerID]; ok {
			// sender necessarily has what it sent
			p.ackClock(env.Name, env.Clock)
		}
		e.mu.Unlock()
	}

	if merged > 0 {
		e.mu.Lock()
		e.lastSync = time.Now()
		e.mu.Unlock()
	}
}

// sendFullState ships complete state of every instance to one peer.
func (e *Engine) sendFullState(peerID string) {
	instances := e.mgr.List()
	if len(instances) == 0 {
		return
	}

	frame := &delta.Frame{NodeID: e.mgr.NodeID()}
	clocks := make(map[string]vclock.VectorClock, len(instances))

	for _, info := range instances {
		h, err := e.mgr.Get(info.Name)
		if err != nil {
			continue
		}
		full, err := h.Delta(nil)
		if err != nil {
			continue
		}
		env, err := delta.NewEnvelope(info.Name, full, e.mgr.NodeID(), true)
		if err != nil {
			log.Printf("[Sync:%s] encode %s failed: %v", e.mgr.NodeID(), info.Name, err)
			continue
		}
		frame.Envelopes = append(frame.Envelopes, *env)
		clocks[info.Name] = h.Clock()
	}
	if len(frame.Envelopes) == 0 {
		return
	}

	data, err := delta.EncodeFrame(frame)
	if err != nil {
		log.Printf("[Sync:%s] encode full-state frame failed: %v", e.mgr.NodeID(), err)
		return
	}

	if err := e.transport.Send(peerID, &Message{Type: MsgFullState, From: e.mgr.NodeID(), Frame: data}); err != nil {
		sendFailures.Inc()
		log.Printf("[Sync:%s] full state to %s failed: %v", e.mgr.NodeID(), peerID, err)
		return
	}

	framesSent.Inc()
	bytesSentTotal.Add(len(data))

	e.mu.Lock()
	if p, ok := e.peers[peerID]; ok {
		for name, c := range clocks {
			p.ackClock(name, c)
		}
	}
	e.lastSync = time.Now()
	e.mu.Unlock()
}
