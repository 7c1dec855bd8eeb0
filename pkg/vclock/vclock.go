package vclock

// VectorClock 表示一个版本向量。
// 映射 NodeID -> 该节点已合入的操作计数。
type VectorClock map[string]uint64

// Ordering 是两个向量时钟之间的偏序关系。
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// New 创建一个空的向量时钟。
func New() VectorClock {
	return make(VectorClock)
}

// Increment 使 nodeID 的计数加一。
func (vc VectorClock) Increment(nodeID string) {
	vc[nodeID]++
}

// Counter 返回 nodeID 的当前计数（缺失时为 0）。
func (vc VectorClock) Counter(nodeID string) uint64 {
	return vc[nodeID]
}

// Merge 将 other 合并进 vc：逐节点取最大值。
func (vc VectorClock) Merge(other VectorClock) {
	for id, counter := range other {
		if counter > vc[id] {
			vc[id] = counter
		}
	}
}

// Copy 返回 vc 的深拷贝。
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for id, counter := range vc {
		out[id] = counter
	}
	return out
}

// Descends 报告 vc >= other（vc 已观察到 other 的全部事件）。
func (vc VectorClock) Descends(other VectorClock) bool {
	for id, otherCtr := range other {
		if vc[id] < otherCtr {
			return false
		}
	}
	return true
}

// Compare 判定 vc 相对 other 的偏序关系。
// 偏序使得简单比较并不充分：两个时钟可能互不支配（并发）。
func (vc VectorClock) Compare(other VectorClock) Ordering {
	vcDescends := vc.Descends(other)
	otherDescends := other.Descends(vc)

	switch {
	case vcDescends && otherDescends:
		return Equal
	case vcDescends:
		return After
	case otherDescends:
		return Before
	default:
		return Concurrent
	}
}
