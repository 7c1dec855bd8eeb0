package store

import (
	"errors"
)

var ErrKeyNotFound = errors.New("key not found")

// Store 代表快照存储接口 (例如 BadgerDB)。
// 引擎通过它持久化每个 CRDT 实例的序列化状态，供外部归档
// 子系统做快照/恢复。
type Store interface {
	// Close 关闭存储。
	Close() error

	// Put 设置键的值。
	Put(key, value []byte) error

	// Get 获取键的值。键不存在时返回 ErrKeyNotFound。
	Get(key []byte) ([]byte, error)

	// Delete 删除键。
	Delete(key []byte) error

	// Scan 按键序遍历具有给定前缀的全部键值对。
	// 回调返回错误时中止遍历并透传该错误。
	Scan(prefix []byte, fn func(key, value []byte) error) error
}
