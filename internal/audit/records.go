package audit

import "time"

// TransactionKind 区分交易生命周期引擎的入口。
type TransactionKind string

const (
	KindTransfer     TransactionKind = "transfer"
	KindInstructions TransactionKind = "instructions"
	KindFaucet       TransactionKind = "faucet"
)

// TransactionStatus 是交易记录的四态状态机。
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusConfirmed TransactionStatus = "confirmed"
	StatusFailed    TransactionStatus = "failed"
	StatusBlocked   TransactionStatus = "blocked"
)

// Terminal 判断状态是否为终态。
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusBlocked:
		return true
	default:
		return false
	}
}

// TransactionRecord 是单次交易尝试的审计产物。
type TransactionRecord struct {
	ID                string            `json:"id"`
	AccountID         string            `json:"accountId"`
	AgentID           string            `json:"agentId,omitempty"`
	Kind              TransactionKind   `json:"kind"`
	Status            TransactionStatus `json:"status"`
	Signature         string            `json:"signature,omitempty"`
	Details           map[string]any    `json:"details,omitempty"`
	GuardrailsApplied []string          `json:"guardrailsApplied"`
	Timestamp         time.Time         `json:"timestamp"`
	Error             string            `json:"error,omitempty"`
}

// DecisionRecord 记录智能体一次循环的决策。
type DecisionRecord struct {
	AgentID      string         `json:"agentId"`
	Cycle        int            `json:"cycle"`
	Observations map[string]any `json:"observations,omitempty"`
	Reasoning    string         `json:"reasoning"`
	Action       any            `json:"action"`
	Outcome      string         `json:"outcome"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Event 是通用的生命周期事件，例如 transaction.blocked、agent.started。
type Event struct {
	Type      string         `json:"type"`
	AgentID   string         `json:"agentId,omitempty"`
	AccountID string         `json:"accountId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Category 标识审计记录所属的文件。
type Category string

const (
	CategoryTransaction Category = "transactions"
	CategoryDecision    Category = "decisions"
	CategoryEvent       Category = "events"
)

// Entry 是分发给订阅者的审计条目，三个指针中只有一个非空。
type Entry struct {
	Category    Category           `json:"category"`
	Transaction *TransactionRecord `json:"transaction,omitempty"`
	Decision    *DecisionRecord    `json:"decision,omitempty"`
	Event       *Event             `json:"event,omitempty"`
}

func (e Entry) payload() any {
	switch {
	case e.Transaction != nil:
		return e.Transaction
	case e.Decision != nil:
		return e.Decision
	default:
		return e.Event
	}
}
