package crdt

import (
	"fmt"
	"strconv"
	"strings"
)

// TagSet 是观察-移除集合的底层状态，被 ORSet 和 Graph 共用。
// 每个元素对应一组活动标签；删除把当前观察到的标签放入墓碑集合，
// 而不是删除元素本身，因此并发的重新添加（新标签）能在合并后幸存。
type TagSet struct {
	Adds  map[string]map[string]struct{} // 元素 -> 标签集合
	Tombs map[string]struct{}            // 已墓碑化的标签
}

// NewTagSet 创建一个空的 TagSet。
func NewTagSet() *TagSet {
	return &TagSet{
		Adds:  make(map[string]map[string]struct{}),
		Tombs: make(map[string]struct{}),
	}
}

// makeTag 构造标签 "origin:counter"。counter 取自实例向量时钟，
// 因此标签同时充当增量过滤用的 dot。
func makeTag(origin string, counter uint64) string {
	return origin + ":" + strconv.FormatUint(counter, 10)
}

func parseTag(tag string) (origin string, counter uint64, err error) {
	i := strings.LastIndexByte(tag, ':')
	if i < 0 {
		return "", 0, fmt.Errorf("malformed tag %q", tag)
	}
	counter, err = strconv.ParseUint(tag[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed tag %q: %w", tag, err)
	}
	return tag[:i], counter, nil
}

// Add 为元素登记一个新标签。
func (ts *TagSet) Add(element, tag string) {
	if ts.Adds[element] == nil {
		ts.Adds[element] = make(map[string]struct{})
	}
	ts.Adds[element][tag] = struct{}{}
}

// Remove 墓碑化元素当前的全部标签。未观察到的标签不受影响。
func (ts *TagSet) Remove(element string) {
	tags, ok := ts.Adds[element]
	if !ok {
		return // 无需移除
	}
	for tag := range tags {
		ts.Tombs[tag] = struct{}{}
	}
	// 立即从 Adds 中删除，以节省空间和后续遍历时间
	delete(ts.Adds, element)
}

// Contains 报告元素是否至少有一个未墓碑化的标签。
func (ts *TagSet) Contains(element string) bool {
	for tag := range ts.Adds[element] {
		if _, dead := ts.Tombs[tag]; !dead {
			return true
		}
	}
	return false
}

// Elements 返回当前活动元素（无序）。
func (ts *TagSet) Elements() []string {
	elements := make([]string, 0, len(ts.Adds))
	for e := range ts.Adds {
		if ts.Contains(e) {
			elements = append(elements, e)
		}
	}
	return elements
}

// Merge 合并另一个 TagSet：标签并集 + 墓碑并集，然后压缩。
func (ts *TagSet) Merge(other *TagSet) {
	// 1. 合并墓碑
	for tag := range other.Tombs {
		ts.Tombs[tag] = struct{}{}
	}

	// 2. 合并标签
	for elem, tags := range other.Adds {
		if ts.Adds[elem] == nil {
			ts.Adds[elem] = make(map[string]struct{})
		}
		for tag := range tags {
			ts.Adds[elem][tag] = struct{}{}
		}
	}

	ts.compact()
}

// compact 清理已墓碑化的标签。压缩是确定性的，不影响收敛。
func (ts *TagSet) compact() {
	for elem, tags := range ts.Adds {
		for tag := range tags {
			if _, dead := ts.Tombs[tag]; dead {
				delete(ts.Adds[elem], tag)
			}
		}
		if len(ts.Adds[elem]) == 0 {
			delete(ts.Adds, elem)
		}
	}
}

// DeltaSince 返回 since 之后新增的标签，以及全部墓碑。
// 墓碑集合保持紧凑，整体携带比按 dot 过滤更简单且同样可合并。
func (ts *TagSet) DeltaSince(since map[string]uint64) *TagSet {
	out := NewTagSet()
	for elem, tags := range ts.Adds {
		for tag := range tags {
			origin, counter, err := parseTag(tag)
			if err != nil || counter > since[origin] {
				out.Add(elem, tag)
			}
		}
	}
	for tag := range ts.Tombs {
		out.Tombs[tag] = struct{}{}
	}
	return out
}

// normalize 补齐反序列化后可能缺失的内层映射。
func (ts *TagSet) normalize() {
	if ts.Adds == nil {
		ts.Adds = make(map[string]map[string]struct{})
	}
	if ts.Tombs == nil {
		ts.Tombs = make(map[string]struct{})
	}
}

// Copy 返回深拷贝。
func (ts *TagSet) Copy() *TagSet {
	out := NewTagSet()
	for elem, tags := range ts.Adds {
		out.Adds[elem] = make(map[string]struct{}, len(tags))
		for tag := range tags {
			out.Adds[elem][tag] = struct{}{}
		}
	}
	for tag := range ts.Tombs {
		out.Tombs[tag] = struct{}{}
	}
	return out
}
