package hlc

import (
	"sync"
	"time"
)

// Clock 代表混合逻辑时钟。
// 它保证单调递增，并跟踪因果关系。
// 时间戳被打包为 int64：
//   - 高 48 位：物理时间 (毫秒)，从 Unix Epoch 开始。
//   - 低 16 位：逻辑计数器。
type Clock struct {
	mu     sync.Mutex
	latest int64 // 当前已知的最大 HLC 时间戳 (packed)
}

const logicalMask = 0xFFFF

// New 创建一个新的 HLC 时钟。
func New() *Clock {
	return &Clock{}
}

// Now 返回当前的 HLC 时间戳，并更新内部状态。
// 它确保返回的时间戳严格大于任何先前返回或观察到的时间戳。
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := time.Now().UnixMilli()

	oldPhys := c.latest >> 16
	oldLogical := c.latest & logicalMask

	var newPhys, newLogical int64
	if phys > oldPhys {
		// 物理时间推进：重置逻辑计数
		newPhys = phys
		newLogical = 0
	} else {
		// 物理时间倒退或相等：增加逻辑计数
		newPhys = oldPhys
		newLogical = oldLogical + 1
	}

	// 逻辑计数溢出时向物理位进位 (借位思路)
	if newLogical > logicalMask {
		newPhys++
		newLogical = 0
	}

	c.latest = (newPhys << 16) | newLogical
	return c.latest
}

// Update 根据接收到的远程时间戳更新本地时钟。
// 用于处理同步消息：保证本地时钟不落后于任何已观察到的远程事件。
func (c *Clock) Update(remoteTs int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := time.Now().UnixMilli()

	remotePhys := remoteTs >> 16
	remoteLogical := remoteTs & logicalMask
	oldPhys := c.latest >> 16
	oldLogical := c.latest & logicalMask

	// newPhys = max(oldPhys, remotePhys, phys)
	newPhys := oldPhys
	if remotePhys > newPhys {
		newPhys = remotePhys
	}
	if phys > newPhys {
		newPhys = phys
	}

	var newLogical int64
	switch {
	case newPhys == oldPhys && newPhys == remotePhys:
		if oldLogical > remoteLogical {
			newLogical = oldLogical + 1
		} else {
			newLogical = remoteLogical + 1
		}
	case newPhys == oldPhys:
		newLogical = oldLogical + 1
	case newPhys == remotePhys:
		newLogical = remoteLogical + 1
	default:
		newLogical = 0
	}

	if newLogical > logicalMask {
		newPhys++
		newLogical = 0
	}

	c.latest = (newPhys << 16) | newLogical
	return c.latest
}

// Latest 返回当前已知的最大时间戳，不推进时钟。
func (c *Clock) Latest() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Physical 从打包的时间戳中提取物理毫秒部分。
func Physical(ts int64) int64 {
	return ts >> 16
}

// Logical 从打包的时间戳中提取逻辑计数部分。
func Logical(ts int64) int64 {
	return ts & logicalMask
}

// Compare 比较两个带节点标识的 HLC 时间戳。
// 时间戳相等时用节点 ID 的字典序决出胜负，保证全序。
// 返回 -1 / 0 / 1。
func Compare(tsA int64, nodeA string, tsB int64, nodeB string) int {
	if tsA != tsB {
		if tsA < tsB {
			return -1
		}
		return 1
	}
	if nodeA != nodeB {
		if nodeA < nodeB {
			return -1
		}
		return 1
	}
	return 0
}
