package manager

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/converge/pkg/crdt"
)

// ErrNoStore 表示管理器没有挂接快照存储。
var ErrNoStore = errors.New("未配置快照存储")

const (
	snapshotPrefix = "crdt/state/"
	metaPrefix     = "crdt/meta/"
)

func snapshotKey(name string) []byte {
	return []byte(snapshotPrefix + name)
}

func metaKey(name string) []byte {
	return []byte(metaPrefix + name)
}

// instanceMeta 与状态快照并排持久化，重启时据此恢复实例类型。
type instanceMeta struct {
	Kind    byte  `msgpack:"kind"`
	SavedAt int64 `msgpack:"saved_at"`
}

// Snapshot 把单个实例的状态写入存储。
func (m *Manager) Snapshot(name string) error {
	if m.store == nil {
		return ErrNoStore
	}
	h, err := m.Get(name)
	if err != nil {
		return err
	}

	data, err := h.Bytes()
	if err != nil {
		return fmt.Errorf("序列化实例 %s 失败: %w", name, err)
	}
	meta, err := msgpack.Marshal(instanceMeta{
		Kind:    byte(h.kind),
		SavedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	if err := m.store.Put(snapshotKey(name), data); err != nil {
		return err
	}
	return m.store.Put(metaKey(name), meta)
}

// SnapshotAll 持久化全部实例。遇错即停，已写入的快照保留。
func (m *Manager) SnapshotAll() error {
	for _, info := range m.List() {
		if err := m.Snapshot(info.Name); err != nil {
			return err
		}
	}
	return nil
}

// Restore 从存储恢复单个实例。名字已被占用且类型不同时返回
// ErrTypeConflict；已存在同类型实例时把快照合并进去。
func (m *Manager) Restore(name string) (*Handle, error) {
	if m.store == nil {
		return nil, ErrNoStore
	}

	rawMeta, err := m.store.Get(metaKey(name))
	if err != nil {
		return nil, fmt.Errorf("读取实例 %s 的元数据失败: %w", name, err)
	}
	var meta instanceMeta
	if err := msgpack.Unmarshal(rawMeta, &meta); err != nil {
		return nil, fmt.Errorf("解析实例 %s 的元数据失败: %w", name, err)
	}
	kind := crdt.Kind(meta.Kind)

	data, err := m.store.Get(snapshotKey(name))
	if err != nil {
		return nil, fmt.Errorf("读取实例 %s 的快照失败: %w", name, err)
	}
	inst, err := crdt.FromBytes(kind, data)
	if err != nil {
		return nil, fmt.Errorf("解析实例 %s 的快照失败: %w", name, err)
	}

	if existing, ok := m.registry.Load(name); ok {
		if existing.kind != kind {
			return nil, fmt.Errorf("%w: %s 已是 %v, 快照为 %v", ErrTypeConflict, name, existing.kind, kind)
		}
		// 实例已在内存中：合并快照即可，合并是幂等的
		if err := existing.Merge(inst); err != nil {
			return nil, err
		}
		return existing, nil
	}

	h := &Handle{name: name, kind: kind, inst: inst, mgr: m}
	if existing, loaded := m.registry.LoadOrStore(name, h); loaded {
		if existing.kind != kind {
			return nil, fmt.Errorf("%w: %s 已是 %v, 快照为 %v", ErrTypeConflict, name, existing.kind, kind)
		}
		if err := existing.Merge(inst); err != nil {
			return nil, err
		}
		return existing, nil
	}
	return h, nil
}

// LoadAll 扫描存储并恢复全部持久化实例，返回恢复的数量。
// 单个损坏的快照只记日志并跳过，不影响其余实例。
func (m *Manager) LoadAll() (int, error) {
	if m.store == nil {
		return 0, ErrNoStore
	}

	var names []string
	err := m.store.Scan([]byte(metaPrefix), func(key, _ []byte) error {
		names = append(names, string(key[len(metaPrefix):]))
		return nil
	})
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, name := range names {
		if _, err := m.Restore(name); err != nil {
			log.Printf("[Manager:%s] 恢复实例 %s 失败: %v", m.nodeID, name, err)
			continue
		}
		restored++
	}
	if restored > 0 {
		log.Printf("[Manager:%s] 已从存储恢复 %d 个 CRDT 实例", m.nodeID, restored)
	}
	return restored, nil
}

// Close 持久化全部实例并关闭存储。
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	if err := m.SnapshotAll(); err != nil {
		log.Printf("[Manager:%s] 关闭前持久化失败: %v", m.nodeID, err)
	}
	return m.store.Close()
}
