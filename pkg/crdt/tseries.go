package crdt

import (
	"fmt"
	"iter"
	"slices"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/converge/pkg/vclock"
)

// TSEntry 是时间序列中的一条记录。
// (Timestamp, Origin, Seq) 三元组唯一确定一条记录，同时充当
// 淘汰时的确定性排序键：时间戳相同的记录按节点 ID、再按该节点的
// 本地追加序号决出先后，任何副本对相同的合并状态都会淘汰同一批记录。
type TSEntry struct {
	Timestamp int64
	Origin    string
	Seq       uint64
	Value     float64
	Metadata  map[string]string
}

// entryKey 构造可按字典序排序的键，顺序等价于 (Timestamp, Origin, Seq)。
// 时间戳要求非负。
func entryKey(ts int64, origin string, seq uint64) string {
	return fmt.Sprintf("%020d|%s|%020d", ts, origin, seq)
}

// TimeSeries 实现容量受限的追加式时间序列存储。
// 淘汰不是本地插入的副作用，而是从合并后的状态确定性地重算：
// 超出容量时总是移除排序键最小（最旧）的记录，因此淘汰本身不会
// 成为分歧来源。
type TimeSeries struct {
	Entries  map[string]TSEntry // entryKey -> 记录
	Capacity int
	VC       vclock.VectorClock
	Applied  map[string]struct{}
}

// NewTimeSeries 创建容量为 capacity 的时间序列。
func NewTimeSeries(capacity int) (*TimeSeries, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: 时间序列容量必须为正, got %d", ErrInvalidConfig, capacity)
	}
	return &TimeSeries{
		Entries:  make(map[string]TSEntry),
		Capacity: capacity,
		VC:       vclock.New(),
		Applied:  make(map[string]struct{}),
	}, nil
}

func (t *TimeSeries) Kind() Kind {
	return KindTimeSeries
}

// Value 返回按键序排列的全部记录。
func (t *TimeSeries) Value() any {
	return t.sortedEntries()
}

// Len 返回当前记录数。
func (t *TimeSeries) Len() int {
	return len(t.Entries)
}

func (t *TimeSeries) sortedEntries() []TSEntry {
	keys := make([]string, 0, len(t.Entries))
	for k := range t.Entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]TSEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.Entries[k])
	}
	return out
}

// OpTSAppend 追加一条记录。
type OpTSAppend struct {
	OpMeta
	Timestamp int64
	Value     float64
	Metadata  map[string]string
}

func (op OpTSAppend) Kind() Kind { return KindTimeSeries }

func (t *TimeSeries) Apply(op Op) error {
	o, ok := op.(OpTSAppend)
	if !ok {
		return ErrInvalidOp
	}
	if o.Timestamp < 0 {
		return fmt.Errorf("%w: 时间戳不能为负", ErrInvalidOp)
	}
	if !observe(t.Applied, t.VC, o.OpMeta) {
		return nil
	}
	seq := t.VC.Counter(o.Origin)
	t.Entries[entryKey(o.Timestamp, o.Origin, seq)] = TSEntry{
		Timestamp: o.Timestamp,
		Origin:    o.Origin,
		Seq:       seq,
		Value:     o.Value,
		Metadata:  o.Metadata,
	}
	t.evict()
	return nil
}

// evict 确定性地把记录数压回容量内：移除排序键最小的记录。
func (t *TimeSeries) evict() {
	overflow := len(t.Entries) - t.Capacity
	if overflow <= 0 {
		return
	}
	keys := make([]string, 0, len(t.Entries))
	for k := range t.Entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys[:overflow] {
		delete(t.Entries, k)
	}
}

// Merge 取记录并集，然后重新执行确定性淘汰。
// 容量不一致视为配置错误。
func (t *TimeSeries) Merge(other CRDT) error {
	o, ok := other.(*TimeSeries)
	if !ok {
		return fmt.Errorf("cannot merge %T into TimeSeries", other)
	}
	if o.Capacity != 0 && o.Capacity != t.Capacity {
		return fmt.Errorf("%w: 时间序列容量不一致 (%d vs %d)", ErrInvalidConfig, t.Capacity, o.Capacity)
	}
	for k, e := range o.Entries {
		t.Entries[k] = e
	}
	t.VC.Merge(o.VC)
	mergeApplied(t.Applied, o.Applied)
	t.evict()
	return nil
}

// QueryRange 返回 [from, to] 内记录的惰性、有限、可重启序列（按键序）。
func (t *TimeSeries) QueryRange(from, to int64) iter.Seq[TSEntry] {
	entries := t.sortedEntries()
	return func(yield func(TSEntry) bool) {
		for _, e := range entries {
			if e.Timestamp < from {
				continue
			}
			if e.Timestamp > to {
				return
			}
			if !yield(e) {
				return
			}
		}
	}
}

// Delta 返回 since 之后追加的记录（按 Seq 过滤）。
func (t *TimeSeries) Delta(since vclock.VectorClock) (CRDT, error) {
	out := &TimeSeries{
		Entries:  make(map[string]TSEntry),
		Capacity: t.Capacity,
		VC:       t.VC.Copy(),
		Applied:  copyApplied(t.Applied),
	}
	for k, e := range t.Entries {
		if e.Seq > since[e.Origin] {
			out.Entries[k] = e
		}
	}
	return out, nil
}

func (t *TimeSeries) Clock() vclock.VectorClock {
	return t.VC.Copy()
}

func (t *TimeSeries) Bytes() ([]byte, error) {
	return marshalCanonical(t)
}

// FromBytesTimeSeries 反序列化 TimeSeries。
func FromBytesTimeSeries(data []byte) (*TimeSeries, error) {
	t := &TimeSeries{}
	if err := msgpack.Unmarshal(data, t); err != nil {
		return nil, err
	}
	if t.Capacity <= 0 {
		return nil, fmt.Errorf("%w: 快照缺少容量", ErrInvalidConfig)
	}
	if t.Entries == nil {
		t.Entries = make(map[string]TSEntry)
	}
	if t.VC == nil {
		t.VC = vclock.New()
	}
	if t.Applied == nil {
		t.Applied = make(map[string]struct{})
	}
	return t, nil
}
