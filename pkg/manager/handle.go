package manager

import (
	"fmt"
	"sync"

	"github.com/shinyes/converge/pkg/crdt"
	"github.com/shinyes/converge/pkg/vclock"
)

// Handle 是对单个 CRDT 实例的受控引用。实例上的全部读写都经过
// 句柄内的互斥锁串行化，合并与本地操作不会交错。
type Handle struct {
	mu   sync.Mutex
	name string
	kind crdt.Kind
	inst crdt.CRDT
	mgr  *Manager
}

// Name 返回实例名。
func (h *Handle) Name() string { return h.name }

// Kind 返回实例类型。
func (h *Handle) Kind() crdt.Kind { return h.kind }

// Value 返回实例当前的逻辑值。
func (h *Handle) Value() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inst.Value()
}

// Clock 返回实例向量时钟的副本。
func (h *Handle) Clock() vclock.VectorClock {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inst.Clock().Copy()
}

// Bytes 返回实例的规范序列化字节。
func (h *Handle) Bytes() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inst.Bytes()
}

// Delta 返回对端时钟之后的增量状态。
func (h *Handle) Delta(since vclock.VectorClock) (crdt.CRDT, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inst.Delta(since)
}

// Merge 合入远端状态（完整或增量）。成功后标记为脏，
// 使本地的收敛结果继续向其他节点传播。
func (h *Handle) Merge(remote crdt.CRDT) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.inst.Merge(remote); err != nil {
		return err
	}
	h.mgr.clock.Now() // 推进本地时钟，远端时间戳已在各操作内携带
	h.mgr.markDirty(h.name)
	return nil
}

// Do 应用一个已构造好的操作。类型化的便捷方法都经由这里。
func (h *Handle) Do(op crdt.Op) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.inst.Apply(op); err != nil {
		return err
	}
	h.mgr.markDirty(h.name)
	return nil
}

// meta 生成一条新操作的元数据，时间戳来自管理器的 HLC。
func (h *Handle) meta() crdt.OpMeta {
	return crdt.NewMeta(h.mgr.nodeID, h.mgr.clock.Now())
}

// Increment 对计数器加 delta。GCounter 只接受非负值；
// PNCounter 接受任意符号。
func (h *Handle) Increment(delta int64) error {
	switch h.kind {
	case crdt.KindGCounter:
		return h.Do(crdt.OpGCounterInc{OpMeta: h.meta(), Delta: delta})
	case crdt.KindPNCounter:
		return h.Do(crdt.OpPNCounterAdd{OpMeta: h.meta(), Delta: delta})
	default:
		return fmt.Errorf("%w: %v 不支持 Increment", crdt.ErrInvalidOp, h.kind)
	}
}

// Decrement 对 PNCounter 减 delta。
func (h *Handle) Decrement(delta int64) error {
	if h.kind != crdt.KindPNCounter {
		return fmt.Errorf("%w: %v 不支持 Decrement", crdt.ErrInvalidOp, h.kind)
	}
	return h.Do(crdt.OpPNCounterAdd{OpMeta: h.meta(), Delta: -delta})
}

// Add 向集合添加元素。
func (h *Handle) Add(element string) error {
	switch h.kind {
	case crdt.KindGSet:
		return h.Do(crdt.OpGSetAdd{OpMeta: h.meta(), Element: element})
	case crdt.KindORSet:
		return h.Do(crdt.OpORSetAdd{OpMeta: h.meta(), Element: element})
	default:
		return fmt.Errorf("%w: %v 不支持 Add", crdt.ErrInvalidOp, h.kind)
	}
}

// RemoveElement 从 ORSet 移除元素。GSet 只增不减。
func (h *Handle) RemoveElement(element string) error {
	if h.kind != crdt.KindORSet {
		return fmt.Errorf("%w: %v 不支持 Remove", crdt.ErrInvalidOp, h.kind)
	}
	return h.Do(crdt.OpORSetRemove{OpMeta: h.meta(), Element: element})
}

// Write 写入 LWW 寄存器。
func (h *Handle) Write(value any) error {
	if h.kind != crdt.KindLWWRegister {
		return fmt.Errorf("%w: %v 不支持 Write", crdt.ErrInvalidOp, h.kind)
	}
	return h.Do(crdt.OpLWWWrite{OpMeta: h.meta(), Value: value})
}

// Append 向时间序列追加一个数据点。
func (h *Handle) Append(timestamp int64, value float64, metadata map[string]string) error {
	if h.kind != crdt.KindTimeSeries {
		return fmt.Errorf("%w: %v 不支持 Append", crdt.ErrInvalidOp, h.kind)
	}
	return h.Do(crdt.OpTSAppend{
		OpMeta:    h.meta(),
		Timestamp: timestamp,
		Value:     value,
		Metadata:  metadata,
	})
}

// AddVertex 向图添加顶点。
func (h *Handle) AddVertex(v string) error {
	if h.kind != crdt.KindGraph {
		return fmt.Errorf("%w: %v 不支持 AddVertex", crdt.ErrInvalidOp, h.kind)
	}
	return h.Do(crdt.OpGraphAddVertex{OpMeta: h.meta(), Vertex: v})
}

// RemoveVertex 移除顶点。悬空的边在读取时被过滤，不做级联删除。
func (h *Handle) RemoveVertex(v string) error {
	if h.kind != crdt.KindGraph {
		return fmt.Errorf("%w: %v 不支持 RemoveVertex", crdt.ErrInvalidOp, h.kind)
	}
	return h.Do(crdt.OpGraphRemoveVertex{OpMeta: h.meta(), Vertex: v})
}

// AddEdge 添加边，两个端点必须已存在。
func (h *Handle) AddEdge(from, to string) error {
	if h.kind != crdt.KindGraph {
		return fmt.Errorf("%w: %v 不支持 AddEdge", crdt.ErrInvalidOp, h.kind)
	}
	return h.Do(crdt.OpGraphAddEdge{OpMeta: h.meta(), From: from, To: to})
}

// RemoveEdge 移除边。
func (h *Handle) RemoveEdge(from, to string) error {
	if h.kind != crdt.KindGraph {
		return fmt.Errorf("%w: %v 不支持 RemoveEdge", crdt.ErrInvalidOp, h.kind)
	}
	return h.Do(crdt.OpGraphRemoveEdge{OpMeta: h.meta(), From: from, To: to})
}

// Transition 推进工作流到目标状态。
func (h *Handle) Transition(to string) error {
	if h.kind != crdt.KindWorkflow {
		return fmt.Errorf("%w: %v 不支持 Transition", crdt.ErrInvalidOp, h.kind)
	}
	return h.Do(crdt.OpWorkflowTransition{OpMeta: h.meta(), To: to})
}
