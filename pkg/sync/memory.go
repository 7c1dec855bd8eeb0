package sync

import (
	"context"
	"fmt"
	"sync"
)

// MemoryNetwork is an in-process hub connecting MemoryTransport nodes.
// 测试与单进程演示用，不走真实网络。
type MemoryNetwork struct {
	mu    sync.RWMutex
	nodes map[string]*MemoryTransport
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[string]*MemoryTransport)}
}

// Transport creates and registers a transport for one node.
func (n *MemoryNetwork) Transport(nodeID string) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	t := &MemoryTransport{
		net:    n,
		nodeID: nodeID,
		links:  make(map[string]struct{}),
	}
	n.nodes[nodeID] = t
	return t
}

func (n *MemoryNetwork) lookup(nodeID string) *MemoryTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodes[nodeID]
}

// MemoryTransport delivers messages directly to the peer's handler.
// Connect takes the target node ID as the address.
type MemoryTransport struct {
	net    *MemoryNetwork
	nodeID string

	mu      sync.RWMutex
	handler Handler
	links   map[string]struct{}
	stopped bool
}

func (t *MemoryTransport) Start(ctx context.Context, h Handler) error {
	t.mu.Lock()
	t.handler = h
	t.stopped = false
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Stop() error {
	t.mu.Lock()
	t.stopped = true
	t.links = make(map[string]struct{})
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) LocalID() string { return t.nodeID }

func (t *MemoryTransport) LocalAddr() string { return t.nodeID }

// Connect links both directions, mirroring a TCP connection.
func (t *MemoryTransport) Connect(addr string) error {
	peer := t.net.lookup(addr)
	if peer == nil {
		return fmt.Errorf("节点 %s 不存在", addr)
	}

	t.mu.Lock()
	t.links[addr] = struct{}{}
	t.mu.Unlock()

	peer.mu.Lock()
	peer.links[t.nodeID] = struct{}{}
	peer.mu.Unlock()
	return nil
}

// Disconnect drops the link in both directions. 测试断网场景用。
func (t *MemoryTransport) Disconnect(peerID string) {
	t.mu.Lock()
	delete(t.links, peerID)
	t.mu.Unlock()

	if peer := t.net.lookup(peerID); peer != nil {
		peer.mu.Lock()
		delete(peer.links, t.nodeID)
		peer.mu.Unlock()
	}
}

func (t *MemoryTransport) Send(peerID string, msg *Message) error {
	t.mu.RLock()
	_, linked := t.links[peerID]
	stopped := t.stopped
	t.mu.RUnlock()

	if stopped {
		return ErrNoTransport
	}
	if !linked {
		return fmt.Errorf("未连接到节点 %s", peerID)
	}

	peer := t.net.lookup(peerID)
	if peer == nil {
		return fmt.Errorf("节点 %s 不存在", peerID)
	}

	peer.mu.RLock()
	h := peer.handler
	peerStopped := peer.stopped
	peer.mu.RUnlock()

	if peerStopped || h == nil {
		return fmt.Errorf("节点 %s 未启动", peerID)
	}

	// Synchronous delivery keeps tests deterministic. Handlers must not
	// hold locks across Send calls.
	h(t.nodeID, msg)
	return nil
}

func (t *MemoryTransport) Broadcast(msg *Message) error {
	var firstErr error
	for _, peerID := range t.Peers() {
		if err := t.Send(peerID, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *MemoryTransport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.links))
	for id := range t.links {
		out = append(out, id)
	}
	return out
}
