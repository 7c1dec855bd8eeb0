package manager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/shinyes/converge/pkg/crdt"
	"github.com/shinyes/converge/pkg/hlc"
	"github.com/shinyes/converge/pkg/store"
)

var (
	// ErrTypeConflict 表示名字已绑定到另一种 CRDT 类型。
	// 不会静默覆盖已有实例。
	ErrTypeConflict = errors.New("名字已被另一种 CRDT 类型占用")
	// ErrNotFound 表示实例不存在。
	ErrNotFound = errors.New("CRDT 实例不存在")
)

// Manager 是 CRDT 引擎的主要入口：按 (名字, 类型) 创建/获取实例，
// 持有唯一权威的实例注册表，并与同步层协调合并。
//
// 注册表用无锁并发映射承载，查询不会被任何单个实例上正在进行的
// 合并阻塞；每个实例自己的互斥锁负责串行化该实例上的操作。
type Manager struct {
	nodeID string
	clock  *hlc.Clock

	registry *xsync.MapOf[string, *Handle]

	// dirty 记录自上次同步以来发生过本地变更的实例名。
	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	store store.Store // 可选的快照存储

	// 同步引擎注册后提供观测数据
	engineMu sync.RWMutex
	engine   SyncObserver
}

// SyncObserver 由网络同步引擎实现，供 SyncStatus 汇报观测数据。
type SyncObserver interface {
	PeerCount() int
	LastSyncTime() time.Time
	PendingDeltaBytes() int64
}

// SyncStatus 是给监控方消费的同步状态快照。
type SyncStatus struct {
	PeerCount         int
	LastSyncTime      time.Time
	PendingDeltaBytes int64
}

// Option 配置 Manager。
type Option func(*Manager)

// WithStore 挂接快照存储，启用 Snapshot/Restore。
func WithStore(s store.Store) Option {
	return func(m *Manager) { m.store = s }
}

// New 创建 Manager。nodeID 标识本地副本，多节点间必须唯一。
func New(nodeID string, options ...Option) (*Manager, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("%w: 节点 ID 不能为空", crdt.ErrInvalidConfig)
	}
	m := &Manager{
		nodeID:   nodeID,
		clock:    hlc.New(),
		registry: xsync.NewMapOf[string, *Handle](),
		dirty:    make(map[string]struct{}),
	}
	for _, opt := range options {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// NodeID 返回本地节点标识。
func (m *Manager) NodeID() string {
	return m.nodeID
}

// Clock 返回本地混合逻辑时钟。
func (m *Manager) Clock() *hlc.Clock {
	return m.clock
}

// GetOrCreate 按名字获取实例，不存在时按类型和配置创建。幂等；
// 名字已绑定其它类型时返回 ErrTypeConflict，配置不合法时返回
// 包裹了 ErrInvalidConfig 的错误。
func (m *Manager) GetOrCreate(name string, kind crdt.Kind, cfg crdt.Config) (*Handle, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: 实例名不能为空", crdt.ErrInvalidConfig)
	}

	if h, ok := m.registry.Load(name); ok {
		if h.kind != kind {
			return nil, fmt.Errorf("%w: %s 已是 %v, 请求 %v", ErrTypeConflict, name, h.kind, kind)
		}
		return h, nil
	}

	inst, err := crdt.New(kind, cfg)
	if err != nil {
		return nil, err
	}

	h := &Handle{name: name, kind: kind, inst: inst, mgr: m}
	if existing, loaded := m.registry.LoadOrStore(name, h); loaded {
		// 并发创建竞争：沿用先到者，仍需类型检查
		if existing.kind != kind {
			return nil, fmt.Errorf("%w: %s 已是 %v, 请求 %v", ErrTypeConflict, name, existing.kind, kind)
		}
		return existing, nil
	}
	return h, nil
}

// Adopt 接收一个已解码的远端实例。本地不存在时直接登记；
// 已存在同类型实例时合并进去。同步层收到未知实例的状态时使用。
func (m *Manager) Adopt(name string, inst crdt.CRDT) (*Handle, error) {
	if name == "" || inst == nil {
		return nil, fmt.Errorf("%w: 无效的实例", crdt.ErrInvalidConfig)
	}
	kind := inst.Kind()

	h := &Handle{name: name, kind: kind, inst: inst, mgr: m}
	if existing, loaded := m.registry.LoadOrStore(name, h); loaded {
		if existing.kind != kind {
			return nil, fmt.Errorf("%w: %s 已是 %v, 远端为 %v", ErrTypeConflict, name, existing.kind, kind)
		}
		if err := existing.Merge(inst); err != nil {
			return nil, err
		}
		return existing, nil
	}
	// 远端状态对本地而言是新内容，需要继续传播
	m.markDirty(name)
	return h, nil
}

// Get 返回已存在的实例。
func (m *Manager) Get(name string) (*Handle, error) {
	if h, ok := m.registry.Load(name); ok {
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Remove 删除实例及其快照。管理操作，不属于常规路径。
func (m *Manager) Remove(name string) error {
	if _, ok := m.registry.LoadAndDelete(name); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	m.dirtyMu.Lock()
	delete(m.dirty, name)
	m.dirtyMu.Unlock()

	if m.store != nil {
		if err := m.store.Delete(snapshotKey(name)); err != nil && !errors.Is(err, store.ErrKeyNotFound) {
			return err
		}
		if err := m.store.Delete(metaKey(name)); err != nil && !errors.Is(err, store.ErrKeyNotFound) {
			return err
		}
	}
	return nil
}

// InstanceInfo 描述一个实例。
type InstanceInfo struct {
	Name string
	Kind crdt.Kind
}

// List 按名字序列出全部实例。
func (m *Manager) List() []InstanceInfo {
	var out []InstanceInfo
	m.registry.Range(func(name string, h *Handle) bool {
		out = append(out, InstanceInfo{Name: name, Kind: h.kind})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len 返回实例数量。
func (m *Manager) Len() int {
	return m.registry.Size()
}

// markDirty 记录本地变更，供同步引擎增量推送。
func (m *Manager) markDirty(name string) {
	m.dirtyMu.Lock()
	m.dirty[name] = struct{}{}
	m.dirtyMu.Unlock()
}

// DrainDirty 取走并清空脏实例名集合。
func (m *Manager) DrainDirty() []string {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	if len(m.dirty) == 0 {
		return nil
	}
	out := make([]string, 0, len(m.dirty))
	for name := range m.dirty {
		out = append(out, name)
	}
	m.dirty = make(map[string]struct{})
	sort.Strings(out)
	return out
}

// DirtyCount 返回待同步实例数。
func (m *Manager) DirtyCount() int {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	return len(m.dirty)
}

// SetSyncObserver 注册同步引擎的观测接口。
func (m *Manager) SetSyncObserver(o SyncObserver) {
	m.engineMu.Lock()
	m.engine = o
	m.engineMu.Unlock()
}

// SyncStatus 返回同步状态。离线（未挂接同步引擎）时各字段为零值，
// 这本身就是合法状态：本地操作从不因断网失败。
func (m *Manager) SyncStatus() SyncStatus {
	m.engineMu.RLock()
	o := m.engine
	m.engineMu.RUnlock()

	if o == nil {
		return SyncStatus{}
	}
	return SyncStatus{
		PeerCount:         o.PeerCount(),
		LastSyncTime:      o.LastSyncTime(),
		PendingDeltaBytes: o.PendingDeltaBytes(),
	}
}
