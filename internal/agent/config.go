package agent

import (
	"time"

	"github.com/Don-Vicks/karen/internal/guardrail"
)

// Status 是智能体的五态状态机。
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Statuses 返回全部状态，用于统计。
func Statuses() []Status {
	return []Status{StatusIdle, StatusRunning, StatusPaused, StatusStopped, StatusError}
}

// Config 是智能体对外可见的配置快照。
type Config struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	AccountID         string           `json:"accountId"`
	Address           string           `json:"address,omitempty"`
	ReasoningProvider string           `json:"reasoningProvider"`
	ReasoningModel    string           `json:"reasoningModel,omitempty"`
	Strategy          string           `json:"strategy"`
	Guardrails        guardrail.Config `json:"guardrails"`
	LoopIntervalMs    int64            `json:"loopIntervalMs"`
	Status            Status           `json:"status"`
	LastError         string           `json:"lastError,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
}

// Interval 返回循环间隔。
func (c Config) Interval() time.Duration {
	return time.Duration(c.LoopIntervalMs) * time.Millisecond
}

// Clone 返回深拷贝。
func (c Config) Clone() Config {
	c.Guardrails = c.Guardrails.Clone()
	return c
}
