package crdt

import (
	"strings"
	"testing"
)

func mustTS(t *testing.T, capacity int) *TimeSeries {
	t.Helper()
	ts, err := NewTimeSeries(capacity)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestTimeSeries_InvalidCapacity(t *testing.T) {
	if _, err := NewTimeSeries(0); err == nil {
		t.Fatal("容量 0 应被拒绝")
	}
	if _, err := NewTimeSeries(-1); err == nil {
		t.Fatal("负容量应被拒绝")
	}
}

func TestTimeSeries_AppendAndQueryRange(t *testing.T) {
	ts := mustTS(t, 10)
	for i := int64(0); i < 5; i++ {
		ts.Apply(OpTSAppend{
			OpMeta:    NewMeta("A", i),
			Timestamp: i * 100,
			Value:     float64(i),
			Metadata:  map[string]string{"unit": "ms"},
		})
	}

	var got []int64
	for e := range ts.QueryRange(100, 300) {
		got = append(got, e.Timestamp)
	}
	if len(got) != 3 || got[0] != 100 || got[2] != 300 {
		t.Errorf("范围查询结果不符: %v", got)
	}

	// 序列可重启
	n := 0
	for range ts.QueryRange(100, 300) {
		n++
	}
	if n != 3 {
		t.Errorf("重复遍历应得到相同数量的记录, got %d", n)
	}
}

func TestTimeSeries_LocalEviction(t *testing.T) {
	ts := mustTS(t, 3)
	for i := int64(0); i < 5; i++ {
		ts.Apply(OpTSAppend{OpMeta: NewMeta("A", i), Timestamp: i, Value: float64(i)})
	}

	if ts.Len() != 3 {
		t.Fatalf("预期容量 3, 实际 %d", ts.Len())
	}
	entries := ts.Value().([]TSEntry)
	if entries[0].Timestamp != 2 {
		t.Errorf("应保留最新的记录, 最旧的是 %d", entries[0].Timestamp)
	}
}

// 规格场景：容量 100，两个节点在同步前共追加 150 条；
// 合并后双方都恰好剩下按时间戳最新的 100 条，且完全一致。
func TestTimeSeries_MergeEvictionDeterministic(t *testing.T) {
	a := mustTS(t, 100)
	b := mustTS(t, 100)

	for i := int64(0); i < 75; i++ {
		a.Apply(OpTSAppend{OpMeta: NewMeta("A", i), Timestamp: i * 2, Value: float64(i)})
		b.Apply(OpTSAppend{OpMeta: NewMeta("B", i), Timestamp: i*2 + 1, Value: float64(i)})
	}

	if err := a.Merge(b); err != nil {
		t.Fatalf("merge 失败: %v", err)
	}
	if err := b.Merge(a); err != nil {
		t.Fatalf("merge 失败: %v", err)
	}

	if a.Len() != 100 || b.Len() != 100 {
		t.Fatalf("合并后应各剩 100 条, 实际 %d / %d", a.Len(), b.Len())
	}

	// 保留的是时间戳最大的 100 条：50..149
	entries := a.Value().([]TSEntry)
	if entries[0].Timestamp != 50 {
		t.Errorf("最旧的保留记录应为 50, 实际 %d", entries[0].Timestamp)
	}
	if entries[99].Timestamp != 149 {
		t.Errorf("最新的保留记录应为 149, 实际 %d", entries[99].Timestamp)
	}

	ab, _ := a.Bytes()
	bb, _ := b.Bytes()
	if string(ab) != string(bb) {
		t.Errorf("淘汰后的状态应逐字节一致")
	}
}

// 时间戳完全相同的记录按 (节点 ID, 本地序号) 决出淘汰顺序。
func TestTimeSeries_EvictionTieBreak(t *testing.T) {
	a := mustTS(t, 2)
	b := mustTS(t, 2)

	a.Apply(OpTSAppend{OpMeta: NewMeta("A", 1), Timestamp: 100, Value: 1})
	b.Apply(OpTSAppend{OpMeta: NewMeta("B", 1), Timestamp: 100, Value: 2})
	b.Apply(OpTSAppend{OpMeta: NewMeta("B", 2), Timestamp: 100, Value: 3})

	a.Merge(b)
	b.Merge(a)

	ab, _ := a.Bytes()
	bb, _ := b.Bytes()
	if string(ab) != string(bb) {
		t.Fatalf("同时间戳的淘汰必须确定性收敛")
	}

	// A 的记录键序最小（A < B），应最先被淘汰
	for _, e := range a.Value().([]TSEntry) {
		if e.Origin == "A" {
			t.Errorf("键序最小的记录应被淘汰, 却保留了 %+v", e)
		}
	}
}

func TestTimeSeries_RoundTrip(t *testing.T) {
	ts := mustTS(t, 5)
	ts.Apply(OpTSAppend{OpMeta: NewMeta("A", 1), Timestamp: 7, Value: 3.5, Metadata: map[string]string{"k": "v"}})

	data, err := ts.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := FromBytesTimeSeries(data)
	if err != nil {
		t.Fatal(err)
	}

	if restored.Capacity != 5 || restored.Len() != 1 {
		t.Fatalf("往返后状态不一致: cap=%d len=%d", restored.Capacity, restored.Len())
	}
	got, _ := restored.Bytes()
	if string(got) != string(data) {
		t.Errorf("往返应产生相同的字节")
	}
}

func TestTimeSeries_CapacityMismatch(t *testing.T) {
	a := mustTS(t, 10)
	b := mustTS(t, 20)
	err := a.Merge(b)
	if err == nil {
		t.Fatal("容量不一致的合并应报错")
	}
	// 错误信息应指出两个容量
	if !strings.Contains(err.Error(), "(10 vs 20)") {
		t.Errorf("错误信息应包含两侧容量: %v", err)
	}
}
