package crdt

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/converge/pkg/vclock"
)

// Kind 标识 CRDT 的类型。
type Kind byte

const (
	KindGCounter    Kind = 0x01
	KindPNCounter   Kind = 0x02
	KindGSet        Kind = 0x03
	KindORSet       Kind = 0x04
	KindLWWRegister Kind = 0x05
	KindTimeSeries  Kind = 0x06
	KindGraph       Kind = 0x07
	KindWorkflow    Kind = 0x08
)

func (k Kind) String() string {
	switch k {
	case KindGCounter:
		return "gcounter"
	case KindPNCounter:
		return "pncounter"
	case KindGSet:
		return "gset"
	case KindORSet:
		return "orset"
	case KindLWWRegister:
		return "lww"
	case KindTimeSeries:
		return "timeseries"
	case KindGraph:
		return "graph"
	case KindWorkflow:
		return "workflow"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

// ParseKind 将类型名解析为 Kind。
func ParseKind(s string) (Kind, error) {
	switch s {
	case "gcounter", "counter":
		return KindGCounter, nil
	case "pncounter":
		return KindPNCounter, nil
	case "gset":
		return KindGSet, nil
	case "orset":
		return KindORSet, nil
	case "lww", "register":
		return KindLWWRegister, nil
	case "timeseries":
		return KindTimeSeries, nil
	case "graph":
		return KindGraph, nil
	case "workflow":
		return KindWorkflow, nil
	default:
		return 0, fmt.Errorf("unknown crdt kind %q", s)
	}
}

var (
	ErrInvalidOp         = errors.New("此 CRDT 类型的操作无效")
	ErrNegativeDelta     = errors.New("grow-only 计数器不接受负增量")
	ErrInvalidConfig     = errors.New("无效的 CRDT 配置")
	ErrUnknownState      = errors.New("状态不在工作流定义中")
	ErrInvalidTransition = errors.New("工作流定义不允许该转换")
)

// OpMeta 是所有操作携带的公共属性。
// 操作一经创建即不可变；OpID 保证重放幂等。
type OpMeta struct {
	OpID   string // 唯一操作标识
	Origin string // 产生该操作的节点
	Time   int64  // HLC 时间戳
}

// Meta 返回元数据自身，使嵌入 OpMeta 的操作自动实现 Op 接口。
func (m OpMeta) Meta() OpMeta { return m }

// NewMeta 为本地操作生成元数据。
func NewMeta(origin string, ts int64) OpMeta {
	return OpMeta{
		OpID:   uuid.NewString(),
		Origin: origin,
		Time:   ts,
	}
}

// Op 代表对 CRDT 的一次本地变更。
type Op interface {
	Kind() Kind
	Meta() OpMeta
}

// CRDT 是所有 CRDT 实现的通用接口。
type CRDT interface {
	// Kind 返回 CRDT 的类型。
	Kind() Kind

	// Value 返回 CRDT 的面向用户的值。
	Value() any

	// Apply 将本地生成的操作应用于 CRDT。
	// 校验失败时返回错误且不改动状态；重复的 OpID 是无害的空操作。
	Apply(op Op) error

	// Merge 将另一个同类型 CRDT 的状态合并进来。
	// 必须满足交换律、结合律与幂等性。
	Merge(other CRDT) error

	// Delta 返回一个部分状态（同类型 CRDT），包含 since 之后的全部变更。
	// 将其 Merge 进持有 since 时钟的副本，效果等同于合并完整状态。
	Delta(since vclock.VectorClock) (CRDT, error)

	// Clock 返回该实例的向量时钟快照。
	Clock() vclock.VectorClock

	// Bytes 将状态序列化为规范化字节（map 键有序），保证
	// 收敛后的副本产生完全一致的字节。
	Bytes() ([]byte, error)
}

// observe 记录一个操作：重复的 OpID 返回 false，否则推进向量时钟。
func observe(applied map[string]struct{}, vc vclock.VectorClock, m OpMeta) bool {
	if _, dup := applied[m.OpID]; dup {
		return false
	}
	applied[m.OpID] = struct{}{}
	vc.Increment(m.Origin)
	return true
}

func mergeApplied(dst, src map[string]struct{}) {
	for id := range src {
		dst[id] = struct{}{}
	}
}

func copyApplied(src map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(src))
	for id := range src {
		out[id] = struct{}{}
	}
	return out
}

// marshalCanonical 以确定性的字节序列编码状态。
func marshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
