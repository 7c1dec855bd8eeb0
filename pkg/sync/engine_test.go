package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinyes/converge/pkg/crdt"
	"github.com/shinyes/converge/pkg/manager"
)

// testNode bundles a manager and an engine on the in-process network.
// The engine loop is not started; tests drive ticks directly so there
// is no timing dependence.
type testNode struct {
	mgr    *manager.Manager
	engine *Engine
	tr     *MemoryTransport
}

func newTestNode(t *testing.T, net *MemoryNetwork, id string) *testNode {
	t.Helper()

	mgr, err := manager.New(id)
	require.NoError(t, err)

	tr := net.Transport(id)
	engine, err := NewEngine(mgr, tr, Config{})
	require.NoError(t, err)

	require.NoError(t, tr.Start(context.Background(), engine.handleMessage))
	mgr.SetSyncObserver(engine)

	return &testNode{mgr: mgr, engine: engine, tr: tr}
}

// handshake exchanges heartbeats so both sides see each other as
// connected peers.
func handshake(a, b *testNode) {
	a.engine.broadcastHeartbeat()
	b.engine.broadcastHeartbeat()
}

func TestEngine_FullStateOnFirstContact(t *testing.T) {
	net := NewMemoryNetwork()
	a := newTestNode(t, net, "node-a")
	b := newTestNode(t, net, "node-b")

	// 连接前已有本地状态
	ha, err := a.mgr.GetOrCreate("votes", crdt.KindGCounter, crdt.Config{})
	require.NoError(t, err)
	require.NoError(t, ha.Increment(5))

	require.NoError(t, a.tr.Connect("node-b"))
	handshake(a, b)

	// 首次心跳触发全量反熵，对端应已收到实例
	hb, err := b.mgr.Get("votes")
	require.NoError(t, err)
	assert.Equal(t, crdt.KindGCounter, hb.Kind())
	assert.Equal(t, int64(5), hb.Value())
}

func TestEngine_DeltaPropagation(t *testing.T) {
	net := NewMemoryNetwork()
	a := newTestNode(t, net, "node-a")
	b := newTestNode(t, net, "node-b")

	require.NoError(t, a.tr.Connect("node-b"))
	handshake(a, b)

	ha, err := a.mgr.GetOrCreate("members", crdt.KindORSet, crdt.Config{})
	require.NoError(t, err)
	require.NoError(t, ha.Add("alice"))
	require.NoError(t, ha.Add("bob"))

	a.engine.syncTick()

	hb, err := b.mgr.Get("members")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, hb.Value())
}

func TestEngine_ConcurrentUpdatesConverge(t *testing.T) {
	net := NewMemoryNetwork()
	a := newTestNode(t, net, "node-a")
	b := newTestNode(t, net, "node-b")

	require.NoError(t, a.tr.Connect("node-b"))
	handshake(a, b)

	ha, err := a.mgr.GetOrCreate("members", crdt.KindORSet, crdt.Config{})
	require.NoError(t, err)
	hb, err := b.mgr.GetOrCreate("members", crdt.KindORSet, crdt.Config{})
	require.NoError(t, err)

	// 双方并发写入
	require.NoError(t, ha.Add("alice"))
	require.NoError(t, hb.Add("bob"))

	a.engine.syncTick()
	b.engine.syncTick()

	assert.Equal(t, []string{"alice", "bob"}, ha.Value())
	assert.Equal(t, ha.Value(), hb.Value())

	bytesA, err := ha.Bytes()
	require.NoError(t, err)
	bytesB, err := hb.Bytes()
	require.NoError(t, err)
	assert.Equal(t, bytesA, bytesB, "收敛后序列化字节应一致")
}

func TestEngine_OfflineAndRecover(t *testing.T) {
	net := NewMemoryNetwork()
	a := newTestNode(t, net, "node-a")
	b := newTestNode(t, net, "node-b")

	require.NoError(t, a.tr.Connect("node-b"))
	handshake(a, b)

	ha, err := a.mgr.GetOrCreate("votes", crdt.KindPNCounter, crdt.Config{})
	require.NoError(t, err)
	require.NoError(t, ha.Increment(1))
	a.engine.syncTick()

	// 断网后本地写入照常进行
	a.tr.Disconnect("node-b")
	require.NoError(t, ha.Increment(10))
	a.engine.syncTick()

	hb, err := b.mgr.Get("votes")
	require.NoError(t, err)
	assert.Equal(t, int64(1), hb.Value(), "断网期间对端不应收到更新")

	// 恢复连接后补推积压的变更
	require.NoError(t, a.tr.Connect("node-b"))
	handshake(a, b)
	a.engine.syncTick()

	assert.Equal(t, int64(11), hb.Value())
}

func TestEngine_AdoptsUnknownInstanceKinds(t *testing.T) {
	net := NewMemoryNetwork()
	a := newTestNode(t, net, "node-a")
	b := newTestNode(t, net, "node-b")

	require.NoError(t, a.tr.Connect("node-b"))
	handshake(a, b)

	// 带配置的类型：容量与状态机定义都要随状态到达对端
	ts, err := a.mgr.GetOrCreate("readings", crdt.KindTimeSeries, crdt.Config{Capacity: 8})
	require.NoError(t, err)
	require.NoError(t, ts.Append(1000, 1.5, nil))

	wf, err := a.mgr.GetOrCreate("doc", crdt.KindWorkflow, crdt.Config{
		States:      []string{"Draft", "Review"},
		Initial:     "Draft",
		Transitions: [][2]string{{"Draft", "Review"}},
	})
	require.NoError(t, err)
	require.NoError(t, wf.Transition("Review"))

	a.engine.syncTick()

	hts, err := b.mgr.Get("readings")
	require.NoError(t, err)
	assert.Equal(t, crdt.KindTimeSeries, hts.Kind())

	hwf, err := b.mgr.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, "Review", hwf.Value())

	// 被采纳的实例在对端可以继续演进
	require.NoError(t, hts.Append(2000, 2.5, nil))
	b.engine.syncTick()
	entriesA := ts.Value().([]crdt.TSEntry)
	assert.Len(t, entriesA, 2)
}

func TestEngine_SyncStatusObserver(t *testing.T) {
	net := NewMemoryNetwork()
	a := newTestNode(t, net, "node-a")
	b := newTestNode(t, net, "node-b")

	status := a.mgr.SyncStatus()
	assert.Equal(t, 0, status.PeerCount)
	assert.True(t, status.LastSyncTime.IsZero())

	require.NoError(t, a.tr.Connect("node-b"))
	handshake(a, b)

	ha, err := a.mgr.GetOrCreate("votes", crdt.KindGCounter, crdt.Config{})
	require.NoError(t, err)
	require.NoError(t, ha.Increment(1))
	a.engine.syncTick()

	status = a.mgr.SyncStatus()
	assert.Equal(t, 1, status.PeerCount)
	assert.False(t, status.LastSyncTime.IsZero())
}

// 一个节点不可达时，它的待重试字节数不能被对其它节点的成功
// 推送清零，PendingDeltaBytes 须持续上报积压。
func TestEngine_PendingBytesSurviveOtherPeerSuccess(t *testing.T) {
	net := NewMemoryNetwork()
	a := newTestNode(t, net, "node-a")
	b := newTestNode(t, net, "node-b")
	c := newTestNode(t, net, "node-c")

	require.NoError(t, a.tr.Connect("node-b"))
	require.NoError(t, a.tr.Connect("node-c"))
	handshake(a, b)
	handshake(a, c)

	// c 停机，但 a 侧链路仍在，发送会失败
	require.NoError(t, c.tr.Stop())

	ha, err := a.mgr.GetOrCreate("votes", crdt.KindGCounter, crdt.Config{})
	require.NoError(t, err)
	require.NoError(t, ha.Increment(4))

	a.engine.syncTick()

	// b 收到了，c 的积压被记录
	hb, err := b.mgr.Get("votes")
	require.NoError(t, err)
	assert.Equal(t, int64(4), hb.Value())
	backlog := a.engine.PendingDeltaBytes()
	assert.Positive(t, backlog)

	// 再次写入并推送: b 再次成功，c 的积压不能因此清零
	require.NoError(t, ha.Increment(1))
	a.engine.syncTick()

	hb, err = b.mgr.Get("votes")
	require.NoError(t, err)
	assert.Equal(t, int64(5), hb.Value())
	assert.GreaterOrEqual(t, a.engine.PendingDeltaBytes(), backlog)
}

func TestEngine_ThreeNodesConverge(t *testing.T) {
	net := NewMemoryNetwork()
	a := newTestNode(t, net, "node-a")
	b := newTestNode(t, net, "node-b")
	c := newTestNode(t, net, "node-c")

	// 链式拓扑: a - b - c
	require.NoError(t, a.tr.Connect("node-b"))
	require.NoError(t, b.tr.Connect("node-c"))
	handshake(a, b)
	handshake(b, c)

	ha, err := a.mgr.GetOrCreate("votes", crdt.KindGCounter, crdt.Config{})
	require.NoError(t, err)
	hc, err := c.mgr.GetOrCreate("votes", crdt.KindGCounter, crdt.Config{})
	require.NoError(t, err)

	require.NoError(t, ha.Increment(2))
	require.NoError(t, hc.Increment(3))

	// 两轮传播让变更穿过中间节点
	for i := 0; i < 2; i++ {
		a.engine.syncTick()
		c.engine.syncTick()
		b.engine.syncTick()
	}

	hb, err := b.mgr.Get("votes")
	require.NoError(t, err)
	assert.Equal(t, int64(5), ha.Value())
	assert.Equal(t, int64(5), hb.Value())
	assert.Equal(t, int64(5), hc.Value())
}

func TestEngine_NoTransportIsOffline(t *testing.T) {
	mgr, err := manager.New("solo")
	require.NoError(t, err)

	engine, err := NewEngine(mgr, nil, Config{})
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	defer engine.Stop()

	h, err := mgr.GetOrCreate("votes", crdt.KindGCounter, crdt.Config{})
	require.NoError(t, err)
	require.NoError(t, h.Increment(7))
	engine.SyncNow()

	assert.Equal(t, int64(7), h.Value())
	assert.Equal(t, 0, engine.PeerCount())
}
