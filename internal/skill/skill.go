package skill

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Don-Vicks/karen/internal/audit"
	xerrors "github.com/Don-Vicks/karen/internal/errors"
	"github.com/Don-Vicks/karen/internal/ledger"
	"github.com/Don-Vicks/karen/internal/llm"
	"github.com/Don-Vicks/karen/internal/txn"
	"github.com/Don-Vicks/karen/pkg/logger"
)

// AddressBook 将账户 ID 解析为链上地址。
type AddressBook interface {
	Address(accountID string) (common.Address, error)
}

// Context 是技能执行时可用的能力集合。
type Context struct {
	AccountID string
	AgentID   string
	Executor  txn.Executor
	Ledger    ledger.Reader
	Accounts  AddressBook
	History   audit.History
	Adapters  Adapters
}

// Skill 是智能体可以调用的一项能力。
type Skill interface {
	// Schema 返回提供给推理服务的参数描述。
	Schema() llm.Tool
	// Execute 执行技能并返回结果描述。
	Execute(ctx context.Context, params map[string]any, sc Context) (string, error)
}

// Func 用函数实现 Skill。
type Func struct {
	Tool llm.Tool
	Run  func(ctx context.Context, params map[string]any, sc Context) (string, error)
}

// Schema 返回参数描述。
func (f Func) Schema() llm.Tool { return f.Tool }

// Execute 调用 Run。
func (f Func) Execute(ctx context.Context, params map[string]any, sc Context) (string, error) {
	return f.Run(ctx, params, sc)
}

// Registry 按名称保存技能，并负责调度。
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Skill
	order  []string
	log    *slog.Logger
}

// NewRegistry 创建空的技能表。
func NewRegistry() *Registry {
	return &Registry{
		skills: make(map[string]Skill),
		log:    logger.Named("skill"),
	}
}

// Register 注册技能，名称重复时返回 CONFLICT。
func (r *Registry) Register(s Skill) error {
	if s == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "skill implementation cannot be nil")
	}
	name := s.Schema().Name
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "skill name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.skills[name]; exists {
		return xerrors.Newf(xerrors.CodeConflict, "skill %s already registered", name)
	}
	r.skills[name] = s
	r.order = append(r.order, name)
	return nil
}

// Get 按名称查找技能。
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// Names 按注册顺序返回技能名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Tools 按注册顺序返回全部技能的参数描述。
func (r *Registry) Tools() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.skills[name].Schema())
	}
	return tools
}

// Dispatch 执行指定技能。未知技能、技能返回的错误与 panic 都转换为结果文本；
// 只有显式标记为 critical 的错误码会作为 error 返回，由调用方决定是否终止循环。
func (r *Registry) Dispatch(ctx context.Context, name string, params map[string]any, sc Context) (outcome string, err error) {
	s, ok := r.Get(name)
	if !ok {
		r.log.Warn("推理服务选择了未注册的技能",
			slog.String("agent_id", sc.AgentID),
			slog.String("skill", name),
			slog.String("code", string(xerrors.CodeUnknownSkill)))
		return "Unknown skill: " + name, nil
	}
	if params == nil {
		params = map[string]any{}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("技能执行发生 panic",
				slog.String("agent_id", sc.AgentID),
				slog.String("skill", name),
				slog.Any("panic", rec))
			outcome = fmt.Sprintf("Error: skill %s panicked: %v", name, rec)
			err = nil
		}
	}()

	outcome, err = s.Execute(ctx, params, sc)
	if err == nil {
		return outcome, nil
	}
	if coded, ok := xerrors.From(err); ok && coded.Severity() == xerrors.SeverityCritical {
		return "Error: " + err.Error(), err
	}
	r.log.Warn("技能执行失败",
		slog.String("agent_id", sc.AgentID),
		slog.String("skill", name),
		slog.Any("error", err))
	return "Error: " + err.Error(), nil
}
