package crdt

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/converge/pkg/vclock"
)

// GCounter 实现只增计数器。
// 状态为每个节点的增量槽位；合并 = 逐槽位取最大值。
type GCounter struct {
	Counts  map[string]int64
	VC      vclock.VectorClock
	Applied map[string]struct{}
}

// NewGCounter 创建一个新的 GCounter。
func NewGCounter() *GCounter {
	return &GCounter{
		Counts:  make(map[string]int64),
		VC:      vclock.New(),
		Applied: make(map[string]struct{}),
	}
}

func (c *GCounter) Kind() Kind {
	return KindGCounter
}

// Value 返回所有节点槽位之和。
func (c *GCounter) Value() any {
	var total int64
	for _, v := range c.Counts {
		total += v
	}
	return total
}

// OpGCounterInc 增加计数器。负增量在 API 边界被拒绝，不做静默截断。
type OpGCounterInc struct {
	OpMeta
	Delta int64
}

func (op OpGCounterInc) Kind() Kind { return KindGCounter }

func (c *GCounter) Apply(op Op) error {
	o, ok := op.(OpGCounterInc)
	if !ok {
		return ErrInvalidOp
	}
	if o.Delta < 0 {
		return ErrNegativeDelta
	}
	if !observe(c.Applied, c.VC, o.OpMeta) {
		return nil
	}
	c.Counts[o.Origin] += o.Delta
	return nil
}

func (c *GCounter) Merge(other CRDT) error {
	o, ok := other.(*GCounter)
	if !ok {
		return fmt.Errorf("cannot merge %T into GCounter", other)
	}
	mergeMax(c.Counts, o.Counts)
	c.VC.Merge(o.VC)
	mergeApplied(c.Applied, o.Applied)
	return nil
}

// mergeMax 逐键取最大值，是计数器类 CRDT 的合并原语。
func mergeMax(dest, src map[string]int64) {
	for k, v := range src {
		if dest[k] < v {
			dest[k] = v
		}
	}
}

// Delta 返回完整状态的克隆。
// 计数器状态本身就是紧凑摘要，按节点过滤不会更省。
func (c *GCounter) Delta(since vclock.VectorClock) (CRDT, error) {
	out := NewGCounter()
	for k, v := range c.Counts {
		out.Counts[k] = v
	}
	out.VC = c.VC.Copy()
	out.Applied = copyApplied(c.Applied)
	return out, nil
}

func (c *GCounter) Clock() vclock.VectorClock {
	return c.VC.Copy()
}

func (c *GCounter) Bytes() ([]byte, error) {
	return marshalCanonical(c)
}

// FromBytesGCounter 反序列化 GCounter。
func FromBytesGCounter(data []byte) (*GCounter, error) {
	c := NewGCounter()
	if err := msgpack.Unmarshal(data, c); err != nil {
		return nil, err
	}
	c.normalize()
	return c, nil
}

func (c *GCounter) normalize() {
	if c.Counts == nil {
		c.Counts = make(map[string]int64)
	}
	if c.VC == nil {
		c.VC = vclock.New()
	}
	if c.Applied == nil {
		c.Applied = make(map[string]struct{})
	}
}
