package crdt

import (
	"testing"

	"github.com/shinyes/converge/pkg/vclock"
)

// propCase 为某个 CRDT 类型生成两组独立副本上的操作，
// 用于跨类型检验合并的数学性质。
type propCase struct {
	kind  Kind
	cfg   Config
	fresh func(t *testing.T) CRDT
	ops   func(origin string) []Op
	// ops2 是同步之后的第二批操作（增量等价性测试用）。
	// 为空时复用 ops。Workflow 需要区分：第二批必须从新状态合法推进。
	ops2 func(origin string) []Op
}

func propCases() []propCase {
	wfCfg := Config{
		States:  []string{"Draft", "Review", "Approved"},
		Initial: "Draft",
		Transitions: [][2]string{
			{"Draft", "Review"},
			{"Review", "Approved"},
		},
	}
	tsCfg := Config{Capacity: 8}

	return []propCase{
		{
			kind:  KindGCounter,
			fresh: func(t *testing.T) CRDT { return NewGCounter() },
			ops: func(origin string) []Op {
				var ops []Op
				for i := int64(1); i <= 4; i++ {
					ops = append(ops, OpGCounterInc{OpMeta: NewMeta(origin, i), Delta: i})
				}
				return ops
			},
		},
		{
			kind:  KindPNCounter,
			fresh: func(t *testing.T) CRDT { return NewPNCounter() },
			ops: func(origin string) []Op {
				return []Op{
					OpPNCounterAdd{OpMeta: NewMeta(origin, 1), Delta: 10},
					OpPNCounterAdd{OpMeta: NewMeta(origin, 2), Delta: -3},
				}
			},
		},
		{
			kind:  KindGSet,
			fresh: func(t *testing.T) CRDT { return NewGSet() },
			ops: func(origin string) []Op {
				return []Op{
					OpGSetAdd{OpMeta: NewMeta(origin, 1), Element: origin + "-1"},
					OpGSetAdd{OpMeta: NewMeta(origin, 2), Element: "shared"},
				}
			},
		},
		{
			kind:  KindORSet,
			fresh: func(t *testing.T) CRDT { return NewORSet() },
			ops: func(origin string) []Op {
				return []Op{
					OpORSetAdd{OpMeta: NewMeta(origin, 1), Element: origin + "-x"},
					OpORSetAdd{OpMeta: NewMeta(origin, 2), Element: "shared"},
					OpORSetRemove{OpMeta: NewMeta(origin, 3), Element: origin + "-x"},
				}
			},
		},
		{
			kind:  KindLWWRegister,
			fresh: func(t *testing.T) CRDT { return NewLWWRegister() },
			ops: func(origin string) []Op {
				return []Op{
					OpLWWWrite{OpMeta: NewMeta(origin, 100), Value: origin + "-v1"},
					OpLWWWrite{OpMeta: NewMeta(origin, 200), Value: origin + "-v2"},
				}
			},
		},
		{
			kind: KindTimeSeries,
			cfg:  tsCfg,
			fresh: func(t *testing.T) CRDT {
				c, err := New(KindTimeSeries, tsCfg)
				if err != nil {
					t.Fatal(err)
				}
				return c
			},
			ops: func(origin string) []Op {
				var ops []Op
				for i := int64(0); i < 6; i++ {
					ops = append(ops, OpTSAppend{OpMeta: NewMeta(origin, i), Timestamp: i * 10, Value: float64(i)})
				}
				return ops
			},
		},
		{
			kind:  KindGraph,
			fresh: func(t *testing.T) CRDT { return NewGraph() },
			ops: func(origin string) []Op {
				return []Op{
					OpGraphAddVertex{OpMeta: NewMeta(origin, 1), Vertex: origin + "-a"},
					OpGraphAddVertex{OpMeta: NewMeta(origin, 2), Vertex: origin + "-b"},
					OpGraphAddEdge{OpMeta: NewMeta(origin, 3), From: origin + "-a", To: origin + "-b"},
				}
			},
		},
		{
			kind: KindWorkflow,
			cfg:  wfCfg,
			fresh: func(t *testing.T) CRDT {
				c, err := New(KindWorkflow, wfCfg)
				if err != nil {
					t.Fatal(err)
				}
				return c
			},
			ops: func(origin string) []Op {
				// 每个副本从初始状态发起一次合法转换
				return []Op{
					OpWorkflowTransition{OpMeta: NewMeta(origin, 1), To: "Review"},
				}
			},
			ops2: func(origin string) []Op {
				return []Op{
					OpWorkflowTransition{OpMeta: NewMeta(origin, 2), To: "Approved"},
				}
			},
		},
	}
}

// replica 构造一个应用了 ops 的新副本。
func replica(t *testing.T, pc propCase, origin string) CRDT {
	t.Helper()
	c := pc.fresh(t)
	for _, op := range pc.ops(origin) {
		if err := c.Apply(op); err != nil {
			t.Fatalf("[%v] apply 失败: %v", pc.kind, err)
		}
	}
	return c
}

// clone 通过序列化往返复制状态，顺带检验 round-trip。
func clone(t *testing.T, pc propCase, c CRDT) CRDT {
	t.Helper()
	data, err := c.Bytes()
	if err != nil {
		t.Fatalf("[%v] 序列化失败: %v", pc.kind, err)
	}
	out, err := FromBytes(pc.kind, data)
	if err != nil {
		t.Fatalf("[%v] 反序列化失败: %v", pc.kind, err)
	}
	back, err := out.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if string(back) != string(data) {
		t.Fatalf("[%v] 序列化往返改变了状态", pc.kind)
	}
	return out
}

func stateBytes(t *testing.T, pc propCase, c CRDT) string {
	t.Helper()
	data, err := c.Bytes()
	if err != nil {
		t.Fatalf("[%v] 序列化失败: %v", pc.kind, err)
	}
	return string(data)
}

func TestMerge_Commutative(t *testing.T) {
	for _, pc := range propCases() {
		t.Run(pc.kind.String(), func(t *testing.T) {
			a := replica(t, pc, "A")
			b := replica(t, pc, "B")

			ab := clone(t, pc, a)
			if err := ab.Merge(clone(t, pc, b)); err != nil {
				t.Fatal(err)
			}
			ba := clone(t, pc, b)
			if err := ba.Merge(clone(t, pc, a)); err != nil {
				t.Fatal(err)
			}

			if stateBytes(t, pc, ab) != stateBytes(t, pc, ba) {
				t.Errorf("merge(a,b) != merge(b,a)")
			}
		})
	}
}

func TestMerge_Associative(t *testing.T) {
	for _, pc := range propCases() {
		t.Run(pc.kind.String(), func(t *testing.T) {
			// 副本操作带随机 OpID，两种组合必须基于同一组副本；
			// 用序列化克隆固定操作集。
			a := replica(t, pc, "A")
			b := replica(t, pc, "B")
			c := replica(t, pc, "C")

			left := clone(t, pc, a)
			mid := clone(t, pc, b)
			mid.Merge(clone(t, pc, c))
			left.Merge(mid) // a ∪ (b ∪ c)

			right := clone(t, pc, a)
			right.Merge(clone(t, pc, b))
			right.Merge(clone(t, pc, c)) // (a ∪ b) ∪ c

			if stateBytes(t, pc, left) != stateBytes(t, pc, right) {
				t.Errorf("合并的结合律不成立")
			}
		})
	}
}

func TestMerge_Idempotent(t *testing.T) {
	for _, pc := range propCases() {
		t.Run(pc.kind.String(), func(t *testing.T) {
			a := replica(t, pc, "A")
			before := stateBytes(t, pc, a)

			if err := a.Merge(clone(t, pc, a)); err != nil {
				t.Fatal(err)
			}
			if stateBytes(t, pc, a) != before {
				t.Errorf("merge(s,s) != s")
			}
		})
	}
}

func TestConvergence_ArbitraryMergeOrder(t *testing.T) {
	for _, pc := range propCases() {
		t.Run(pc.kind.String(), func(t *testing.T) {
			a := replica(t, pc, "A")
			b := replica(t, pc, "B")
			c := replica(t, pc, "C")

			// 三个节点，三种到达顺序（含重复投递）
			n1 := clone(t, pc, a)
			n1.Merge(clone(t, pc, b))
			n1.Merge(clone(t, pc, c))

			n2 := clone(t, pc, c)
			n2.Merge(clone(t, pc, a))
			n2.Merge(clone(t, pc, b))
			n2.Merge(clone(t, pc, a)) // 重复投递

			n3 := clone(t, pc, b)
			n3.Merge(clone(t, pc, c))
			n3.Merge(clone(t, pc, c)) // 重复投递
			n3.Merge(clone(t, pc, a))

			s1 := stateBytes(t, pc, n1)
			if s2 := stateBytes(t, pc, n2); s2 != s1 {
				t.Errorf("节点 2 未收敛")
			}
			if s3 := stateBytes(t, pc, n3); s3 != s1 {
				t.Errorf("节点 3 未收敛")
			}
		})
	}
}

// 增量合并必须与全量合并等价。
func TestDelta_MergeEquivalence(t *testing.T) {
	for _, pc := range propCases() {
		t.Run(pc.kind.String(), func(t *testing.T) {
			a := replica(t, pc, "A")

			// B 先同步到 A 的当前状态
			b := pc.fresh(t)
			if err := b.Merge(clone(t, pc, a)); err != nil {
				t.Fatal(err)
			}
			acked := a.Clock()

			// A 继续推进
			secondBatch := pc.ops2
			if secondBatch == nil {
				secondBatch = pc.ops
			}
			for _, op := range secondBatch("A2") {
				if err := a.Apply(op); err != nil {
					t.Fatalf("apply 失败: %v", err)
				}
			}

			// 路径 1：全量合并
			full := clone(t, pc, b)
			if err := full.Merge(clone(t, pc, a)); err != nil {
				t.Fatal(err)
			}

			// 路径 2：增量合并
			delta, err := a.Delta(acked)
			if err != nil {
				t.Fatal(err)
			}
			viaDelta := clone(t, pc, b)
			if err := viaDelta.Merge(clone(t, pc, delta)); err != nil {
				t.Fatal(err)
			}

			if stateBytes(t, pc, full) != stateBytes(t, pc, viaDelta) {
				t.Errorf("增量合并与全量合并的结果不一致")
			}
		})
	}
}

// 空的 since 时钟意味着增量退化为全量状态。
func TestDelta_EmptySinceIsFullState(t *testing.T) {
	for _, pc := range propCases() {
		t.Run(pc.kind.String(), func(t *testing.T) {
			a := replica(t, pc, "A")
			delta, err := a.Delta(vclock.New())
			if err != nil {
				t.Fatal(err)
			}

			fresh := pc.fresh(t)
			if err := fresh.Merge(clone(t, pc, delta)); err != nil {
				t.Fatal(err)
			}
			if stateBytes(t, pc, fresh) != stateBytes(t, pc, a) {
				t.Errorf("对空时钟的增量应重建完整状态")
			}
		})
	}
}

func TestFactory_KindsRoundTrip(t *testing.T) {
	for _, pc := range propCases() {
		c, err := New(pc.kind, pc.cfg)
		if err != nil {
			t.Fatalf("构造 %v 失败: %v", pc.kind, err)
		}
		if c.Kind() != pc.kind {
			t.Errorf("Kind() 不一致: %v vs %v", c.Kind(), pc.kind)
		}
		// 名称解析往返
		parsed, err := ParseKind(pc.kind.String())
		if err != nil || parsed != pc.kind {
			t.Errorf("ParseKind(%q) = %v, %v", pc.kind.String(), parsed, err)
		}
	}

	if _, err := New(Kind(0xEE), Config{}); err == nil {
		t.Error("未知类型应报错")
	}
	if _, err := ParseKind("nope"); err == nil {
		t.Error("未知类型名应报错")
	}
}
