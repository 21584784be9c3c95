// =============================================================================
// 文件: internal/rudp/connid.go
// 描述: 连接 ID 分配器 (计数器 + 空闲列表 + 占用集合)
// =============================================================================
package rudp

import (
	"math"
	"sync"
)

// MaxConnID 计数器上限, 到达后回绕到 1
const MaxConnID uint32 = math.MaxInt32

// IDManager 连接 ID 管理器
//
// 只有显式 Release 才会把 ID 移出占用集合, 未走关闭路径的会话会一直占用其 ID。
type IDManager struct {
	max     uint32
	counter uint32
	free    []uint32
	used    map[uint32]struct{}
	mu      sync.Mutex
}

// NewIDManager 创建 ID 管理器
func NewIDManager() *IDManager {
	return newIDManager(MaxConnID)
}

func newIDManager(max uint32) *IDManager {
	return &IDManager{
		max:     max,
		counter: 1,
		used:    make(map[uint32]struct{}),
	}
}

// Acquire 分配一个当前未被占用的 ID
func (m *IDManager) Acquire() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.free) > 0 {
		id := m.free[0]
		m.free = m.free[1:]
		// 回绕后计数器可能已重新分配过该 ID
		if _, busy := m.used[id]; busy {
			continue
		}
		m.used[id] = struct{}{}
		return id
	}

	// 全部占用时无可用 ID, 由调用方保证活跃会话数远小于 max
	for {
		id := m.counter
		if id >= m.max {
			m.counter = 1
		} else {
			m.counter++
		}
		if _, busy := m.used[id]; busy {
			continue
		}
		m.used[id] = struct{}{}
		return id
	}
}

// Release 释放 ID; 重复释放或释放未分配的 ID 无效果
func (m *IDManager) Release(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.used[id]; !ok {
		return
	}
	delete(m.used, id)
	m.free = append(m.free, id)
}

// InUse 当前占用的 ID 数量
func (m *IDManager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.used)
}

// IsUsed ID 是否被占用
func (m *IDManager) IsUsed(id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.used[id]
	return ok
}
