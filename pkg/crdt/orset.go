package crdt

import (
	"fmt"
	"iter"
	"slices"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/converge/pkg/vclock"
)

// ORSet 实现观察-移除 (Observed-Remove) 集合。
// 删除只墓碑化当前观察到的标签，因此另一节点并发的重新添加
// （携带新标签）在合并后仍然存在。
type ORSet struct {
	Tags    *TagSet
	VC      vclock.VectorClock
	Applied map[string]struct{}
}

// NewORSet 创建一个新的 ORSet。
func NewORSet() *ORSet {
	return &ORSet{
		Tags:    NewTagSet(),
		VC:      vclock.New(),
		Applied: make(map[string]struct{}),
	}
}

func (s *ORSet) Kind() Kind {
	return KindORSet
}

// Value 返回排序后的活动元素切片。
func (s *ORSet) Value() any {
	elements := s.Tags.Elements()
	slices.Sort(elements)
	return elements
}

// Contains 报告元素是否至少有一个存活标签。
func (s *ORSet) Contains(element string) bool {
	return s.Tags.Contains(element)
}

// Elements 返回一个惰性、有限、可重启的元素序列（按字典序）。
func (s *ORSet) Elements() iter.Seq[string] {
	sorted := s.Value().([]string)
	return func(yield func(string) bool) {
		for _, e := range sorted {
			if !yield(e) {
				return
			}
		}
	}
}

// OpORSetAdd 添加一个元素。
type OpORSetAdd struct {
	OpMeta
	Element string
}

func (op OpORSetAdd) Kind() Kind { return KindORSet }

// OpORSetRemove 移除一个元素（墓碑化当前观察到的标签）。
type OpORSetRemove struct {
	OpMeta
	Element string
}

func (op OpORSetRemove) Kind() Kind { return KindORSet }

func (s *ORSet) Apply(op Op) error {
	switch o := op.(type) {
	case OpORSetAdd:
		if !observe(s.Applied, s.VC, o.OpMeta) {
			return nil
		}
		s.Tags.Add(o.Element, makeTag(o.Origin, s.VC.Counter(o.Origin)))

	case OpORSetRemove:
		if !observe(s.Applied, s.VC, o.OpMeta) {
			return nil
		}
		s.Tags.Remove(o.Element)

	default:
		return ErrInvalidOp
	}
	return nil
}

func (s *ORSet) Merge(other CRDT) error {
	o, ok := other.(*ORSet)
	if !ok {
		return fmt.Errorf("cannot merge %T into ORSet", other)
	}
	s.Tags.Merge(o.Tags)
	s.VC.Merge(o.VC)
	mergeApplied(s.Applied, o.Applied)
	return nil
}

// Delta 返回 since 之后登记的标签以及全部墓碑。
func (s *ORSet) Delta(since vclock.VectorClock) (CRDT, error) {
	out := NewORSet()
	out.Tags = s.Tags.DeltaSince(since)
	out.VC = s.VC.Copy()
	out.Applied = copyApplied(s.Applied)
	return out, nil
}

func (s *ORSet) Clock() vclock.VectorClock {
	return s.VC.Copy()
}

func (s *ORSet) Bytes() ([]byte, error) {
	return marshalCanonical(s)
}

// FromBytesORSet 反序列化 ORSet。
func FromBytesORSet(data []byte) (*ORSet, error) {
	s := NewORSet()
	if err := msgpack.Unmarshal(data, s); err != nil {
		return nil, err
	}
	s.normalize()
	return s, nil
}

func (s *ORSet) normalize() {
	if s.Tags == nil {
		s.Tags = NewTagSet()
	}
	s.Tags.normalize()
	if s.VC == nil {
		s.VC = vclock.New()
	}
	if s.Applied == nil {
		s.Applied = make(map[string]struct{})
	}
}
