package crdt

import (
	"fmt"
	"slices"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/converge/pkg/resolve"
	"github.com/shinyes/converge/pkg/vclock"
)

// Transition 是工作流日志中的一条转换记录，携带应用时的
// 向量时钟快照，用于事后判定因果序。
type Transition struct {
	OpID   string
	From   string
	To     string
	Origin string
	Time   int64 // HLC 时间戳
	Clock  vclock.VectorClock
}

// WorkflowStatus 是 Status() 返回的解析结果。
// Conflict 为真表示存在互相并发的因果极大转换；按既定策略
// 两者都不生效（不静默挑选赢家，那会破坏业务流程完整性），
// 当前状态停留在最后一个因果上已解析的转换，等待人工重新转换。
type WorkflowStatus struct {
	State    string
	Conflict bool
	Pending  []Transition // 互相并发、等待人工裁决的转换
}

// Workflow 实现分布式状态机 CRDT。
// 状态集合与允许的转换在构造时固定；转换作为带向量时钟快照的
// 日志条目累积，合并 = 日志并集，当前状态从合并后的日志确定性解析。
type Workflow struct {
	States  []string                   // 排序后的状态集合
	Allowed map[string]map[string]bool // from -> to -> 允许
	Initial string
	Log     map[string]Transition // OpID -> 转换
	VC      vclock.VectorClock
	Applied map[string]struct{}
}

// NewWorkflow 创建一个工作流。transitions 是允许的 (from, to) 对。
func NewWorkflow(states []string, initial string, transitions [][2]string) (*Workflow, error) {
	if len(states) == 0 {
		return nil, fmt.Errorf("%w: 工作流至少需要一个状态", ErrInvalidConfig)
	}
	known := make(map[string]bool, len(states))
	for _, s := range states {
		known[s] = true
	}
	if !known[initial] {
		return nil, fmt.Errorf("%w: 初始状态 %q 不在状态集合中", ErrInvalidConfig, initial)
	}

	allowed := make(map[string]map[string]bool)
	for _, t := range transitions {
		from, to := t[0], t[1]
		if !known[from] || !known[to] {
			return nil, fmt.Errorf("%w: 转换 %s -> %s 引用未知状态", ErrInvalidConfig, from, to)
		}
		if allowed[from] == nil {
			allowed[from] = make(map[string]bool)
		}
		allowed[from][to] = true
	}

	sorted := slices.Clone(states)
	slices.Sort(sorted)

	return &Workflow{
		States:  sorted,
		Allowed: allowed,
		Initial: initial,
		Log:     make(map[string]Transition),
		VC:      vclock.New(),
		Applied: make(map[string]struct{}),
	}, nil
}

func (w *Workflow) Kind() Kind {
	return KindWorkflow
}

// Value 返回当前解析出的状态名。
func (w *Workflow) Value() any {
	return w.Status().State
}

// OpWorkflowTransition 请求转换到目标状态。
type OpWorkflowTransition struct {
	OpMeta
	To string
}

func (op OpWorkflowTransition) Kind() Kind { return KindWorkflow }

func (w *Workflow) Apply(op Op) error {
	o, ok := op.(OpWorkflowTransition)
	if !ok {
		return ErrInvalidOp
	}
	if _, dup := w.Applied[o.OpID]; dup {
		return nil // 重放无害，且不再重新校验
	}
	if !slices.Contains(w.States, o.To) {
		return fmt.Errorf("%w: %q", ErrUnknownState, o.To)
	}
	from := w.Status().State
	if !w.Allowed[from][o.To] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, o.To)
	}
	if !observe(w.Applied, w.VC, o.OpMeta) {
		return nil
	}
	w.Log[o.OpID] = Transition{
		OpID:   o.OpID,
		From:   from,
		To:     o.To,
		Origin: o.Origin,
		Time:   o.Time,
		Clock:  w.VC.Copy(),
	}
	return nil
}

// Status 从转换日志确定性地解析当前状态。
//
// 因果极大的转换若唯一，它就是当前状态；若存在多个（互相并发），
// 它们全部被搁置，状态回退到被所有极大转换支配的最后一条已解析
// 转换（没有则回退到初始状态）。
func (w *Workflow) Status() WorkflowStatus {
	if len(w.Log) == 0 {
		return WorkflowStatus{State: w.Initial}
	}

	entries := make([]Transition, 0, len(w.Log))
	for _, t := range w.Log {
		entries = append(entries, t)
	}
	// 确定性遍历顺序
	slices.SortFunc(entries, func(a, b Transition) int {
		if a.OpID < b.OpID {
			return -1
		}
		if a.OpID > b.OpID {
			return 1
		}
		return 0
	})

	// 因果极大：不存在严格支配它的其它转换
	var maximal []Transition
	for _, t := range entries {
		dominated := false
		for _, u := range entries {
			if u.OpID != t.OpID && transitionVerdict(t, u) == resolve.WinnerB {
				dominated = true
				break
			}
		}
		if !dominated {
			maximal = append(maximal, t)
		}
	}

	if len(maximal) == 1 {
		return WorkflowStatus{State: maximal[0].To}
	}

	// 并发冲突：回退到被全部极大转换支配的最新转换
	resolved := WorkflowStatus{State: w.Initial, Conflict: true, Pending: maximal}
	var best *Transition
	for i := range entries {
		t := &entries[i]
		ok := true
		for _, m := range maximal {
			if t.OpID == m.OpID || transitionVerdict(*t, m) != resolve.WinnerB {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		if best == nil || laterTransition(*t, *best) {
			best = t
		}
	}
	if best != nil {
		resolved.State = best.To
	}
	return resolved
}

// transitionVerdict 用 deny-both 语义策略比较两条转换：因果有序的
// 一方胜出，互相并发则原样上报，交由人工裁决。
func transitionVerdict(a, b Transition) resolve.Verdict {
	return resolve.DenyConcurrent.Resolve(
		resolve.Candidate{OpID: a.OpID, Origin: a.Origin, Time: a.Time, Clock: a.Clock},
		resolve.Candidate{OpID: b.OpID, Origin: b.Origin, Time: b.Time, Clock: b.Clock},
	)
}

// laterTransition 判定 a 是否在确定性全序中晚于 b，
// 排序策略与寄存器一致（HLC 时间戳、节点、OpID）。
func laterTransition(a, b Transition) bool {
	verdict := (resolve.TimestampResolver{}).Resolve(
		resolve.Candidate{OpID: a.OpID, Origin: a.Origin, Time: a.Time},
		resolve.Candidate{OpID: b.OpID, Origin: b.Origin, Time: b.Time},
	)
	return verdict == resolve.WinnerA
}

// ConcurrentTransitions 返回当前互相并发、等待裁决的转换。
// 供语义冲突解析器与上层查询使用。
func (w *Workflow) ConcurrentTransitions() []Transition {
	return w.Status().Pending
}

// Merge 取转换日志并集。先整体校验再写入：远端日志中只要有一条
// 非法条目（未知状态），整个合并被拒绝，本地状态完全不变。
func (w *Workflow) Merge(other CRDT) error {
	o, ok := other.(*Workflow)
	if !ok {
		return fmt.Errorf("cannot merge %T into Workflow", other)
	}
	for _, t := range o.Log {
		if !slices.Contains(w.States, t.To) {
			return fmt.Errorf("%w: 远端转换目标 %q", ErrUnknownState, t.To)
		}
	}
	for id, t := range o.Log {
		if _, exists := w.Log[id]; !exists {
			w.Log[id] = t
		}
	}
	w.VC.Merge(o.VC)
	mergeApplied(w.Applied, o.Applied)
	return nil
}

// Delta 返回 since 之后记录的转换（按时钟快照过滤）。
func (w *Workflow) Delta(since vclock.VectorClock) (CRDT, error) {
	out := &Workflow{
		States:  slices.Clone(w.States),
		Allowed: w.Allowed,
		Initial: w.Initial,
		Log:     make(map[string]Transition),
		VC:      w.VC.Copy(),
		Applied: copyApplied(w.Applied),
	}
	for id, t := range w.Log {
		if t.Clock.Counter(t.Origin) > since[t.Origin] {
			out.Log[id] = t
		}
	}
	return out, nil
}

func (w *Workflow) Clock() vclock.VectorClock {
	return w.VC.Copy()
}

func (w *Workflow) Bytes() ([]byte, error) {
	return marshalCanonical(w)
}

// FromBytesWorkflow 反序列化 Workflow。
func FromBytesWorkflow(data []byte) (*Workflow, error) {
	w := &Workflow{}
	if err := msgpack.Unmarshal(data, w); err != nil {
		return nil, err
	}
	if len(w.States) == 0 {
		return nil, fmt.Errorf("%w: 快照缺少状态集合", ErrInvalidConfig)
	}
	if w.Allowed == nil {
		w.Allowed = make(map[string]map[string]bool)
	}
	if w.Log == nil {
		w.Log = make(map[string]Transition)
	}
	if w.VC == nil {
		w.VC = vclock.New()
	}
	if w.Applied == nil {
		w.Applied = make(map[string]struct{})
	}
	return w, nil
}
