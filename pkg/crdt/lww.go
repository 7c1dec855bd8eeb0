package crdt

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/converge/pkg/resolve"
	"github.com/shinyes/converge/pkg/vclock"
)

// LWWRegister 实现最后写入胜出 (Last-Write-Wins) 寄存器。
// 时间戳相同的并发写入由节点 ID 字典序（较大者胜）决出，
// 双方独立合并后得到同一个胜者，而不是"后合并者胜"。
type LWWRegister struct {
	Val     any
	Time    int64  // HLC 时间戳
	Node    string // 写入者节点 ID
	VC      vclock.VectorClock
	Applied map[string]struct{}
}

// NewLWWRegister 创建一个空的 LWWRegister。
func NewLWWRegister() *LWWRegister {
	return &LWWRegister{
		VC:      vclock.New(),
		Applied: make(map[string]struct{}),
	}
}

func (r *LWWRegister) Kind() Kind {
	return KindLWWRegister
}

// Value 返回当前值；从未写入时为 nil。
func (r *LWWRegister) Value() any {
	return r.Val
}

// Timestamp 返回当前值的 HLC 时间戳与写入者。
func (r *LWWRegister) Timestamp() (int64, string) {
	return r.Time, r.Node
}

// OpLWWWrite 写入一个新值。
type OpLWWWrite struct {
	OpMeta
	Value any
}

func (op OpLWWWrite) Kind() Kind { return KindLWWRegister }

func (r *LWWRegister) Apply(op Op) error {
	o, ok := op.(OpLWWWrite)
	if !ok {
		return ErrInvalidOp
	}
	if !observe(r.Applied, r.VC, o.OpMeta) {
		return nil
	}
	incoming := resolve.Candidate{OpID: o.OpID, Origin: o.Origin, Time: o.Time}
	current := resolve.Candidate{Origin: r.Node, Time: r.Time}
	if (resolve.TimestampResolver{}).Resolve(incoming, current) == resolve.WinnerA {
		r.Val = o.Value
		r.Time = o.Time
		r.Node = o.Origin
	}
	return nil
}

func (r *LWWRegister) Merge(other CRDT) error {
	o, ok := other.(*LWWRegister)
	if !ok {
		return fmt.Errorf("cannot merge %T into LWWRegister", other)
	}
	remote := resolve.Candidate{Origin: o.Node, Time: o.Time}
	local := resolve.Candidate{Origin: r.Node, Time: r.Time}
	if o.Node != "" && (resolve.TimestampResolver{}).Resolve(remote, local) == resolve.WinnerA {
		r.Val = o.Val
		r.Time = o.Time
		r.Node = o.Node
	}
	r.VC.Merge(o.VC)
	mergeApplied(r.Applied, o.Applied)
	return nil
}

// Delta 返回完整状态的克隆，寄存器状态只有一条记录。
func (r *LWWRegister) Delta(since vclock.VectorClock) (CRDT, error) {
	out := NewLWWRegister()
	out.Val = r.Val
	out.Time = r.Time
	out.Node = r.Node
	out.VC = r.VC.Copy()
	out.Applied = copyApplied(r.Applied)
	return out, nil
}

func (r *LWWRegister) Clock() vclock.VectorClock {
	return r.VC.Copy()
}

func (r *LWWRegister) Bytes() ([]byte, error) {
	return marshalCanonical(r)
}

// FromBytesLWW 反序列化 LWWRegister。
func FromBytesLWW(data []byte) (*LWWRegister, error) {
	r := NewLWWRegister()
	if err := msgpack.Unmarshal(data, r); err != nil {
		return nil, err
	}
	if r.VC == nil {
		r.VC = vclock.New()
	}
	if r.Applied == nil {
		r.Applied = make(map[string]struct{})
	}
	return r, nil
}
