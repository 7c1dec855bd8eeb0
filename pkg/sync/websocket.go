package sync

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const wsSyncPath = "/sync"

const (
	wsWriteTimeout     = 10 * time.Second
	wsHandshakeTimeout = 10 * time.Second
)

// WebsocketTransport carries sync messages over websocket connections.
// Each message is one msgpack-encoded binary websocket frame. Both the
// listening and the dialing side identify themselves with a MsgHello
// before any other traffic.
type WebsocketTransport struct {
	nodeID     string
	listenAddr string

	mu      sync.RWMutex
	peers   map[string]*wsPeer
	handler Handler

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type wsPeer struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

// NewWebsocketTransport creates a transport. listenAddr may be empty
// for a dial-only node; ":0" picks a free port.
func NewWebsocketTransport(nodeID, listenAddr string) *WebsocketTransport {
	return &WebsocketTransport{
		nodeID:     nodeID,
		listenAddr: listenAddr,
		peers:      make(map[string]*wsPeer),
	}
}

func (t *WebsocketTransport) Start(ctx context.Context, h Handler) error {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()

	t.ctx, t.cancel = context.WithCancel(ctx)

	if t.listenAddr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", t.listenAddr, err)
	}
	t.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(wsSyncPath, t.handleUpgrade)
	t.server = &http.Server{Handler: mux}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[Transport:%s] websocket server exited: %v", t.nodeID, err)
		}
	}()

	log.Printf("[Transport:%s] listening on %s", t.nodeID, ln.Addr())
	return nil
}

func (t *WebsocketTransport) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	for _, p := range t.peers {
		p.conn.Close()
	}
	t.peers = make(map[string]*wsPeer)
	t.mu.Unlock()

	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		t.server.Shutdown(ctx)
	}
	t.wg.Wait()
	return nil
}

func (t *WebsocketTransport) LocalID() string { return t.nodeID }

func (t *WebsocketTransport) LocalAddr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// handleUpgrade accepts an inbound connection: upgrade, read hello,
// reply hello, then hand off to the read loop.
func (t *WebsocketTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Transport:%s] upgrade failed: %v", t.nodeID, err)
		return
	}

	peerID, err := t.readHello(conn)
	if err != nil {
		log.Printf("[Transport:%s] handshake failed: %v", t.nodeID, err)
		conn.Close()
		return
	}
	if err := t.writeHello(conn); err != nil {
		conn.Close()
		return
	}

	t.register(peerID, conn)
}

// Connect dials ws://addr/sync and performs the hello exchange.
func (t *WebsocketTransport) Connect(addr string) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.Dial("ws://"+addr+wsSyncPath, nil)
	if err != nil {
		return fmt.Errorf("连接 %s 失败: %w", addr, err)
	}

	if err := t.writeHello(conn); err != nil {
		conn.Close()
		return err
	}
	peerID, err := t.readHello(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("握手失败: %w", err)
	}

	t.register(peerID, conn)
	log.Printf("[Transport:%s] connected to %s (%s)", t.nodeID, peerID, addr)
	return nil
}

func (t *WebsocketTransport) writeHello(conn *websocket.Conn) error {
	data, err := msgpack.Marshal(&Message{Type: MsgHello, From: t.nodeID})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *WebsocketTransport) readHello(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(wsHandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	conn.SetReadDeadline(time.Time{})

	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return "", err
	}
	if msg.Type != MsgHello || msg.From == "" {
		return "", fmt.Errorf("对端未发送握手消息")
	}
	return msg.From, nil
}

func (t *WebsocketTransport) register(peerID string, conn *websocket.Conn) {
	p := &wsPeer{id: peerID, conn: conn}

	t.mu.Lock()
	if old, ok := t.peers[peerID]; ok {
		// Reconnect replaces the stale connection.
		old.conn.Close()
	}
	t.peers[peerID] = p
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(p)
}

func (t *WebsocketTransport) readLoop(p *wsPeer) {
	defer t.wg.Done()
	defer t.drop(p)

	for {
		if t.ctx.Err() != nil {
			return
		}

		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if t.ctx.Err() == nil {
				log.Printf("[Transport:%s] peer %s read error: %v", t.nodeID, p.id, err)
			}
			return
		}

		var msg Message
		if err := msgpack.Unmarshal(data, &msg); err != nil {
			log.Printf("[Transport:%s] peer %s sent malformed message: %v", t.nodeID, p.id, err)
			continue
		}

		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()
		if h != nil {
			h(p.id, &msg)
		}
	}
}

func (t *WebsocketTransport) drop(p *wsPeer) {
	p.conn.Close()

	t.mu.Lock()
	if cur, ok := t.peers[p.id]; ok && cur == p {
		delete(t.peers, p.id)
	}
	t.mu.Unlock()
}

func (t *WebsocketTransport) Send(peerID string, msg *Message) error {
	t.mu.RLock()
	p, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("未连接到节点 %s", peerID)
	}

	data, err := msgpack.Marshal(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *WebsocketTransport) Broadcast(msg *Message) error {
	var firstErr error
	for _, peerID := range t.Peers() {
		if err := t.Send(peerID, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *WebsocketTransport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	return out
}
