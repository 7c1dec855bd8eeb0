package crdt

import (
	"fmt"
)

// Config 携带按类型不同的构造参数。
// 与类型无关的字段被忽略。
type Config struct {
	Capacity    int         // TimeSeries：容量上限
	States      []string    // Workflow：状态集合
	Initial     string      // Workflow：初始状态
	Transitions [][2]string // Workflow：允许的 (from, to) 对
}

// New 根据类型创建新的 CRDT 实例。
// 配置不合法时返回包裹了 ErrInvalidConfig 的错误。
func New(kind Kind, cfg Config) (CRDT, error) {
	switch kind {
	case KindGCounter:
		return NewGCounter(), nil
	case KindPNCounter:
		return NewPNCounter(), nil
	case KindGSet:
		return NewGSet(), nil
	case KindORSet:
		return NewORSet(), nil
	case KindLWWRegister:
		return NewLWWRegister(), nil
	case KindTimeSeries:
		return NewTimeSeries(cfg.Capacity)
	case KindGraph:
		return NewGraph(), nil
	case KindWorkflow:
		return NewWorkflow(cfg.States, cfg.Initial, cfg.Transitions)
	default:
		return nil, fmt.Errorf("未知 CRDT 类型: %v", kind)
	}
}

// FromBytes 根据类型反序列化一个 CRDT 实例。
// 与 Bytes() 构成精确往返。
func FromBytes(kind Kind, data []byte) (CRDT, error) {
	switch kind {
	case KindGCounter:
		return FromBytesGCounter(data)
	case KindPNCounter:
		return FromBytesPNCounter(data)
	case KindGSet:
		return FromBytesGSet(data)
	case KindORSet:
		return FromBytesORSet(data)
	case KindLWWRegister:
		return FromBytesLWW(data)
	case KindTimeSeries:
		return FromBytesTimeSeries(data)
	case KindGraph:
		return FromBytesGraph(data)
	case KindWorkflow:
		return FromBytesWorkflow(data)
	default:
		return nil, fmt.Errorf("未知 CRDT 类型: %v", kind)
	}
}
