package crdt

import (
	"testing"
)

func TestLWW_WriteRead(t *testing.T) {
	r := NewLWWRegister()
	if r.Value() != nil {
		t.Fatal("未写入的寄存器应为 nil")
	}

	r.Apply(OpLWWWrite{OpMeta: OpMeta{OpID: "op1", Origin: "A", Time: 10}, Value: "v1"})
	if r.Value() != "v1" {
		t.Fatalf("预期 v1, 实际得到 %v", r.Value())
	}

	// 更大的时间戳胜出
	r.Apply(OpLWWWrite{OpMeta: OpMeta{OpID: "op2", Origin: "B", Time: 20}, Value: "v2"})
	if r.Value() != "v2" {
		t.Fatalf("预期 v2, 实际得到 %v", r.Value())
	}

	// 更小的时间戳不生效
	r.Apply(OpLWWWrite{OpMeta: OpMeta{OpID: "op3", Origin: "C", Time: 5}, Value: "stale"})
	if r.Value() != "v2" {
		t.Fatalf("过期写入不应生效, 实际得到 %v", r.Value())
	}
}

// 规格场景：alice 和 bob 在 T=10 写入同一寄存器，
// 节点 ID 字典序较大的 bob 胜出，且双方独立合并得到同一结果。
func TestLWW_TieBrokenByNodeID(t *testing.T) {
	a := NewLWWRegister()
	b := NewLWWRegister()

	a.Apply(OpLWWWrite{OpMeta: OpMeta{OpID: "opA", Origin: "alice", Time: 10}, Value: "v1"})
	b.Apply(OpLWWWrite{OpMeta: OpMeta{OpID: "opB", Origin: "bob", Time: 10}, Value: "v2"})

	a.Merge(b)
	b.Merge(a)

	if a.Value() != "v2" {
		t.Errorf("A 上预期 v2 (bob 胜出), 实际得到 %v", a.Value())
	}
	if b.Value() != "v2" {
		t.Errorf("B 上预期 v2 (bob 胜出), 实际得到 %v", b.Value())
	}
}

func TestLWW_MergeOrderIrrelevant(t *testing.T) {
	mk := func() (*LWWRegister, *LWWRegister) {
		a := NewLWWRegister()
		b := NewLWWRegister()
		a.Apply(OpLWWWrite{OpMeta: OpMeta{OpID: "opA", Origin: "alice", Time: 10}, Value: "v1"})
		b.Apply(OpLWWWrite{OpMeta: OpMeta{OpID: "opB", Origin: "bob", Time: 10}, Value: "v2"})
		return a, b
	}

	a1, b1 := mk()
	a1.Merge(b1)

	a2, b2 := mk()
	b2.Merge(a2)

	bytes1, _ := a1.Bytes()
	bytes2, _ := b2.Bytes()
	if string(bytes1) != string(bytes2) {
		t.Errorf("merge(a,b) 与 merge(b,a) 的状态应一致")
	}
}

func TestLWW_RoundTrip(t *testing.T) {
	r := NewLWWRegister()
	r.Apply(OpLWWWrite{OpMeta: OpMeta{OpID: "op1", Origin: "A", Time: 42}, Value: "hello"})

	data, err := r.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := FromBytesLWW(data)
	if err != nil {
		t.Fatal(err)
	}

	if restored.Value() != "hello" {
		t.Errorf("往返后预期 hello, 实际得到 %v", restored.Value())
	}
	ts, node := restored.Timestamp()
	if ts != 42 || node != "A" {
		t.Errorf("往返后的时间戳/节点不一致: %d %s", ts, node)
	}
}
