package agent

import (
	"sync"
	"time"
)

// DefaultMemoryCapacity 是每个智能体保留的记忆条数。
const DefaultMemoryCapacity = 100

// Invocation 是智能体在一轮循环中选择的技能调用。
type Invocation struct {
	Skill  string         `json:"skillName"`
	Params map[string]any `json:"params"`
}

// MemoryEntry 是一轮循环的记忆。
type MemoryEntry struct {
	Cycle     int         `json:"cycle"`
	Reasoning string      `json:"reasoning"`
	Action    *Invocation `json:"action,omitempty"`
	Outcome   string      `json:"outcome"`
	Timestamp time.Time   `json:"timestamp"`
}

// Memory 是进程内所有智能体共享的记忆存储，每个智能体一个定长环，最旧的先丢弃。
type Memory struct {
	capacity int

	mu      sync.RWMutex
	entries map[string][]MemoryEntry
}

// NewMemory 创建记忆存储，capacity <= 0 时使用默认容量。
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &Memory{capacity: capacity, entries: make(map[string][]MemoryEntry)}
}

// Capacity 返回每个智能体的容量。
func (m *Memory) Capacity() int {
	return m.capacity
}

// Append 追加一条记忆。
func (m *Memory) Append(agentID string, entry MemoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.entries[agentID], entry)
	if len(list) > m.capacity {
		list = append([]MemoryEntry(nil), list[len(list)-m.capacity:]...)
	}
	m.entries[agentID] = list
}

// Recent 按时间顺序返回最近 n 条记忆，n <= 0 表示全部。
func (m *Memory) Recent(agentID string, n int) []MemoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.entries[agentID]
	if n > 0 && n < len(list) {
		list = list[len(list)-n:]
	}
	return append([]MemoryEntry(nil), list...)
}

// Len 返回智能体当前的记忆条数。
func (m *Memory) Len(agentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries[agentID])
}

// Forget 删除智能体的全部记忆。
func (m *Memory) Forget(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, agentID)
}
