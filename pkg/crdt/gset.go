package crdt

import (
	"fmt"
	"iter"
	"slices"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/converge/pkg/vclock"
)

// Dot 记录元素首次被观察到的 (节点, 计数) 位置，用于增量过滤。
type Dot struct {
	Origin  string
	Counter uint64
}

// lessDot 给出 Dot 的全序，合并时保留较小者以保证交换律。
func lessDot(a, b Dot) bool {
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.Origin < b.Origin
}

// GSet 实现只增集合，不支持删除。需要删除请使用 ORSet。
type GSet struct {
	Adds    map[string]Dot // 元素 -> 首次添加的 dot
	VC      vclock.VectorClock
	Applied map[string]struct{}
}

// NewGSet 创建一个新的 GSet。
func NewGSet() *GSet {
	return &GSet{
		Adds:    make(map[string]Dot),
		VC:      vclock.New(),
		Applied: make(map[string]struct{}),
	}
}

func (s *GSet) Kind() Kind {
	return KindGSet
}

// Value 返回排序后的元素切片。
func (s *GSet) Value() any {
	elements := make([]string, 0, len(s.Adds))
	for e := range s.Adds {
		elements = append(elements, e)
	}
	slices.Sort(elements)
	return elements
}

// Contains 报告元素是否曾被添加。
func (s *GSet) Contains(element string) bool {
	_, ok := s.Adds[element]
	return ok
}

// Len 返回元素个数。
func (s *GSet) Len() int {
	return len(s.Adds)
}

// Elements 返回一个惰性、有限、可重启的元素序列（按字典序）。
func (s *GSet) Elements() iter.Seq[string] {
	sorted := s.Value().([]string)
	return func(yield func(string) bool) {
		for _, e := range sorted {
			if !yield(e) {
				return
			}
		}
	}
}

// OpGSetAdd 添加一个元素。
type OpGSetAdd struct {
	OpMeta
	Element string
}

func (op OpGSetAdd) Kind() Kind { return KindGSet }

func (s *GSet) Apply(op Op) error {
	o, ok := op.(OpGSetAdd)
	if !ok {
		return ErrInvalidOp
	}
	if !observe(s.Applied, s.VC, o.OpMeta) {
		return nil
	}
	dot := Dot{Origin: o.Origin, Counter: s.VC.Counter(o.Origin)}
	if existing, ok := s.Adds[o.Element]; !ok || lessDot(dot, existing) {
		s.Adds[o.Element] = dot
	}
	return nil
}

// Merge 取集合并集。两边都有的元素保留较小的 dot，
// 使 merge(a,b) 与 merge(b,a) 产生相同的状态。
func (s *GSet) Merge(other CRDT) error {
	o, ok := other.(*GSet)
	if !ok {
		return fmt.Errorf("cannot merge %T into GSet", other)
	}
	for elem, dot := range o.Adds {
		if existing, exists := s.Adds[elem]; !exists || lessDot(dot, existing) {
			s.Adds[elem] = dot
		}
	}
	s.VC.Merge(o.VC)
	mergeApplied(s.Applied, o.Applied)
	return nil
}

// Delta 返回 dot 在 since 之后的元素。
func (s *GSet) Delta(since vclock.VectorClock) (CRDT, error) {
	out := NewGSet()
	for elem, dot := range s.Adds {
		if dot.Counter > since[dot.Origin] {
			out.Adds[elem] = dot
		}
	}
	out.VC = s.VC.Copy()
	out.Applied = copyApplied(s.Applied)
	return out, nil
}

func (s *GSet) Clock() vclock.VectorClock {
	return s.VC.Copy()
}

func (s *GSet) Bytes() ([]byte, error) {
	return marshalCanonical(s)
}

// FromBytesGSet 反序列化 GSet。
func FromBytesGSet(data []byte) (*GSet, error) {
	s := NewGSet()
	if err := msgpack.Unmarshal(data, s); err != nil {
		return nil, err
	}
	if s.Adds == nil {
		s.Adds = make(map[string]Dot)
	}
	if s.VC == nil {
		s.VC = vclock.New()
	}
	if s.Applied == nil {
		s.Applied = make(map[string]struct{})
	}
	return s, nil
}
