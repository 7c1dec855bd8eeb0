package crdt

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/converge/pkg/vclock"
)

// PNCounter 实现正负计数器：一对只增的槽位映射。
type PNCounter struct {
	Inc     map[string]int64 // 每个节点的增量映射
	Dec     map[string]int64 // 每个节点的减量映射
	VC      vclock.VectorClock
	Applied map[string]struct{}
}

// NewPNCounter 创建一个新的 PNCounter。
func NewPNCounter() *PNCounter {
	return &PNCounter{
		Inc:     make(map[string]int64),
		Dec:     make(map[string]int64),
		VC:      vclock.New(),
		Applied: make(map[string]struct{}),
	}
}

func (c *PNCounter) Kind() Kind {
	return KindPNCounter
}

// Value 返回增量之和减去减量之和，允许为负。
func (c *PNCounter) Value() any {
	var total int64
	for _, v := range c.Inc {
		total += v
	}
	for _, v := range c.Dec {
		total -= v
	}
	return total
}

// OpPNCounterAdd 调整计数器，正负均可。
type OpPNCounterAdd struct {
	OpMeta
	Delta int64
}

func (op OpPNCounterAdd) Kind() Kind { return KindPNCounter }

func (c *PNCounter) Apply(op Op) error {
	o, ok := op.(OpPNCounterAdd)
	if !ok {
		return ErrInvalidOp
	}
	if !observe(c.Applied, c.VC, o.OpMeta) {
		return nil
	}
	if o.Delta >= 0 {
		c.Inc[o.Origin] += o.Delta
	} else {
		c.Dec[o.Origin] += -o.Delta
	}
	return nil
}

func (c *PNCounter) Merge(other CRDT) error {
	o, ok := other.(*PNCounter)
	if !ok {
		return fmt.Errorf("cannot merge %T into PNCounter", other)
	}
	mergeMax(c.Inc, o.Inc)
	mergeMax(c.Dec, o.Dec)
	c.VC.Merge(o.VC)
	mergeApplied(c.Applied, o.Applied)
	return nil
}

// Delta 返回完整状态的克隆，同 GCounter。
func (c *PNCounter) Delta(since vclock.VectorClock) (CRDT, error) {
	out := NewPNCounter()
	for k, v := range c.Inc {
		out.Inc[k] = v
	}
	for k, v := range c.Dec {
		out.Dec[k] = v
	}
	out.VC = c.VC.Copy()
	out.Applied = copyApplied(c.Applied)
	return out, nil
}

func (c *PNCounter) Clock() vclock.VectorClock {
	return c.VC.Copy()
}

func (c *PNCounter) Bytes() ([]byte, error) {
	return marshalCanonical(c)
}

// FromBytesPNCounter 反序列化 PNCounter。
func FromBytesPNCounter(data []byte) (*PNCounter, error) {
	c := NewPNCounter()
	if err := msgpack.Unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Inc == nil {
		c.Inc = make(map[string]int64)
	}
	if c.Dec == nil {
		c.Dec = make(map[string]int64)
	}
	if c.VC == nil {
		c.VC = vclock.New()
	}
	if c.Applied == nil {
		c.Applied = make(map[string]struct{})
	}
	return c, nil
}
