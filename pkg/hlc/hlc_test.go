package hlc

import (
	"testing"
	"time"
)

func TestHLC_New(t *testing.T) {
	clock := New()
	if clock.Now() == 0 {
		t.Fatal("新时钟的初始时间应大于 0")
	}
}

func TestHLC_Monotonicity(t *testing.T) {
	clock := New()
	t1 := clock.Now()
	t2 := clock.Now()

	if t2 <= t1 {
		t.Errorf("时钟非单调递增: t1=%d, t2=%d", t1, t2)
	}

	p1, l1 := Physical(t1), Logical(t1)
	p2, l2 := Physical(t2), Logical(t2)

	if p2 < p1 {
		t.Errorf("物理时间倒退")
	}
	if p2 == p1 && l2 <= l1 {
		t.Errorf("同一毫秒内的逻辑时间未增加")
	}
}

func TestHLC_Update(t *testing.T) {
	clock := New()

	// 模拟接收到来自未来的消息
	futurePhys := time.Now().Add(1 * time.Hour).UnixMilli()
	remoteTs := futurePhys << 16

	clock.Update(remoteTs)

	now := clock.Now()
	if Physical(now) < futurePhys {
		t.Errorf("时钟未追上将来时间。Got %d, want >= %d", Physical(now), futurePhys)
	}
}

func TestHLC_Causality(t *testing.T) {
	// 节点 A
	clockA := New()
	tsA := clockA.Now()

	// 节点 B 接收到来自 A 的消息
	clockB := New()
	clockB.Update(tsA)

	tsB := clockB.Now()

	// tsB 应该 > tsA
	if tsB <= tsA {
		t.Errorf("违反因果关系: tsB (%d) <= tsA (%d)", tsB, tsA)
	}
}

func TestHLC_Compare(t *testing.T) {
	if Compare(10, "alice", 20, "bob") != -1 {
		t.Errorf("较小的时间戳应判定为更早")
	}
	if Compare(20, "alice", 10, "bob") != 1 {
		t.Errorf("较大的时间戳应判定为更晚")
	}
	// 时间戳相同：节点 ID 字典序大者胜出
	if Compare(10, "alice", 10, "bob") != -1 {
		t.Errorf("平局时应由节点 ID 字典序决定")
	}
	if Compare(10, "bob", 10, "alice") != 1 {
		t.Errorf("平局时应由节点 ID 字典序决定")
	}
	if Compare(10, "alice", 10, "alice") != 0 {
		t.Errorf("完全相同的时间戳应相等")
	}
}
