// Package orchestrator 管理全部智能体的配置与运行时，并负责优雅退出。
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Don-Vicks/karen/internal/agent"
	"github.com/Don-Vicks/karen/internal/audit"
	xerrors "github.com/Don-Vicks/karen/internal/errors"
	"github.com/Don-Vicks/karen/internal/guardrail"
	"github.com/Don-Vicks/karen/internal/ledger"
	"github.com/Don-Vicks/karen/internal/llm"
	"github.com/Don-Vicks/karen/internal/skill"
	"github.com/Don-Vicks/karen/internal/txn"
	"github.com/Don-Vicks/karen/internal/wallet"
	"github.com/Don-Vicks/karen/pkg/logger"
)

const defaultLoopInterval = 30 * time.Second

// AccountCreator 为新智能体开设账户。
type AccountCreator interface {
	CreateAccount(name string, tags []string) (wallet.Account, error)
}

// GuardrailStore 保存每个账户的护栏配置。
type GuardrailStore interface {
	SetConfig(accountID string, cfg guardrail.Config)
	UpdateConfig(accountID string, fn func(guardrail.Config) guardrail.Config) guardrail.Config
	Config(accountID string) guardrail.Config
}

// Reasoners 按提供方与模型返回推理客户端。
type Reasoners interface {
	Client(p llm.Provider, model string) (llm.Client, error)
	DefaultProvider() (llm.Provider, error)
}

// AgentCounter 接收各状态的智能体数量。
type AgentCounter interface {
	SetAgentCounts(counts map[string]int)
}

// Deps 汇总编排器依赖的协作方，运行时共享同一份记忆存储与审计日志。
type Deps struct {
	Accounts  AccountCreator
	Guard     GuardrailStore
	Reasoners Reasoners
	Skills    agent.Dispatcher
	Executor  txn.Executor
	Ledger    ledger.Reader
	Addresses skill.AddressBook
	History   audit.History
	Adapters  skill.Adapters
	Memory    *agent.Memory
	Audit     audit.Sink
}

// CreateRequest 描述一个新智能体。
type CreateRequest struct {
	Name              string           `json:"name"`
	Strategy          string           `json:"strategy"`
	ReasoningProvider string           `json:"reasoningProvider,omitempty"`
	ReasoningModel    string           `json:"reasoningModel,omitempty"`
	Guardrails        guardrail.Config `json:"guardrails"`
	LoopIntervalMs    int64            `json:"loopIntervalMs,omitempty"`
	Tags              []string         `json:"tags,omitempty"`
	AutoStart         bool             `json:"autoStart,omitempty"`
}

type managed struct {
	cfg agent.Config
	rt  *agent.Runtime
}

// Orchestrator 维护智能体 ID 到 (配置, 运行时) 的映射。配置是对外可见的快照，
// 运行时是实际的状态机。
type Orchestrator struct {
	deps          Deps
	defaults      guardrail.Config
	interval      time.Duration
	memoryWindow  int
	maxTokens     int
	cycleObserver agent.CycleObserver
	counter       AgentCounter
	baseCtx       context.Context
	now           func() time.Time
	log           *slog.Logger

	mu     sync.RWMutex
	agents map[string]*managed
}

// Option 定义编排器的可选配置。
type Option func(*Orchestrator)

// WithDefaults 设置新智能体的默认护栏与循环间隔。
func WithDefaults(guardrails guardrail.Config, interval time.Duration) Option {
	return func(o *Orchestrator) {
		o.defaults = guardrails.Clone()
		if interval > 0 {
			o.interval = interval
		}
	}
}

// WithMemoryWindow 设置提示词中包含的记忆条数。
func WithMemoryWindow(n int) Option {
	return func(o *Orchestrator) {
		o.memoryWindow = n
	}
}

// WithMaxTokens 设置推理输出上限。
func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) {
		o.maxTokens = n
	}
}

// WithMetrics 设置循环与状态统计的接收方。
func WithMetrics(cycles agent.CycleObserver, counter AgentCounter) Option {
	return func(o *Orchestrator) {
		o.cycleObserver = cycles
		o.counter = counter
	}
}

// WithContext 设置所有运行时共享的根 context。
func WithContext(ctx context.Context) Option {
	return func(o *Orchestrator) {
		if ctx != nil {
			o.baseCtx = ctx
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New 创建编排器。
func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:     deps,
		defaults: guardrail.DefaultConfig(),
		interval: defaultLoopInterval,
		baseCtx:  context.Background(),
		now:      time.Now,
		log:      logger.Named("orchestrator"),
		agents:   make(map[string]*managed),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.deps.Memory == nil {
		o.deps.Memory = agent.NewMemory(agent.DefaultMemoryCapacity)
	}
	return o
}

// CreateAgent 为智能体开设账户，合并护栏配置并注册运行时。
func (o *Orchestrator) CreateAgent(req CreateRequest) (agent.Config, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return agent.Config{}, xerrors.New(xerrors.CodeInvalidArgument, "agent name cannot be empty")
	}
	if req.LoopIntervalMs < 0 {
		return agent.Config{}, xerrors.New(xerrors.CodeInvalidArgument, "loop interval cannot be negative")
	}
	if o.deps.Accounts == nil || o.deps.Guard == nil || o.deps.Reasoners == nil {
		return agent.Config{}, xerrors.New(xerrors.CodeInitializationFailure, "orchestrator dependencies not configured")
	}

	// 先解析推理服务，避免为无法运行的智能体创建账户。
	provider, reasoner, err := o.resolveReasoner(req.ReasoningProvider, req.ReasoningModel)
	if err != nil {
		return agent.Config{}, err
	}

	account, err := o.deps.Accounts.CreateAccount(name, append([]string{"agent"}, req.Tags...))
	if err != nil {
		return agent.Config{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create agent account")
	}

	guardrails := o.defaults.Merge(req.Guardrails)
	o.deps.Guard.SetConfig(account.ID, guardrails)

	interval := time.Duration(req.LoopIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = o.interval
	}
	cfg := agent.Config{
		ID:                uuid.NewString(),
		Name:              name,
		AccountID:         account.ID,
		Address:           account.Address,
		ReasoningProvider: string(provider),
		ReasoningModel:    req.ReasoningModel,
		Strategy:          req.Strategy,
		Guardrails:        guardrails,
		LoopIntervalMs:    interval.Milliseconds(),
		Status:            agent.StatusIdle,
		CreatedAt:         o.now().UTC(),
	}

	rt := agent.New(cfg, agent.Deps{
		Reasoner: reasoner,
		Skills:   o.deps.Skills,
		Executor: o.deps.Executor,
		Ledger:   o.deps.Ledger,
		Accounts: o.deps.Addresses,
		History:  o.deps.History,
		Adapters: o.deps.Adapters,
		Memory:   o.deps.Memory,
		Audit:    o.deps.Audit,
	},
		agent.WithCycleObserver(o.cycleObserver),
		agent.WithStatusHook(o.onStatus),
		agent.WithMemoryWindow(o.memoryWindow),
		agent.WithMaxTokens(o.maxTokens),
		agent.WithContext(o.baseCtx),
		agent.WithClock(o.now),
	)

	o.mu.Lock()
	o.agents[cfg.ID] = &managed{cfg: cfg, rt: rt}
	o.mu.Unlock()

	o.log.Info("智能体已创建",
		slog.String("agent_id", cfg.ID),
		slog.String("account_id", cfg.AccountID),
		slog.String("provider", cfg.ReasoningProvider))
	o.emit("agent.created", cfg, map[string]any{"name": cfg.Name, "address": cfg.Address})
	o.publishCounts()

	if req.AutoStart {
		return o.StartAgent(cfg.ID)
	}
	return cfg.Clone(), nil
}

func (o *Orchestrator) resolveReasoner(providerName, model string) (llm.Provider, llm.Client, error) {
	var (
		provider llm.Provider
		err      error
	)
	if strings.TrimSpace(providerName) == "" {
		provider, err = o.deps.Reasoners.DefaultProvider()
		if err != nil {
			return "", nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "no default reasoning provider")
		}
	} else {
		provider, err = llm.ParseProvider(providerName)
		if err != nil {
			return "", nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid reasoning provider")
		}
	}
	client, err := o.deps.Reasoners.Client(provider, model)
	if err != nil {
		return "", nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "create reasoning client")
	}
	return provider, client, nil
}

// StartAgent 启动或恢复智能体。
func (o *Orchestrator) StartAgent(id string) (agent.Config, error) {
	m, err := o.get(id)
	if err != nil {
		return agent.Config{}, err
	}
	if err := m.rt.Start(); err != nil {
		return agent.Config{}, err
	}
	return o.snapshot(id)
}

// StopAgent 停止智能体，正在进行的循环会执行完毕。
func (o *Orchestrator) StopAgent(id string) (agent.Config, error) {
	m, err := o.get(id)
	if err != nil {
		return agent.Config{}, err
	}
	m.rt.Stop()
	return o.snapshot(id)
}

// PauseAgent 暂停运行中的智能体。
func (o *Orchestrator) PauseAgent(id string) (agent.Config, error) {
	m, err := o.get(id)
	if err != nil {
		return agent.Config{}, err
	}
	if err := m.rt.Pause(); err != nil {
		return agent.Config{}, err
	}
	return o.snapshot(id)
}

// GetAgent 返回智能体的配置快照，状态取自运行时。
func (o *Orchestrator) GetAgent(id string) (agent.Config, error) {
	return o.snapshot(id)
}

// ListAgents 按创建时间返回全部智能体。
func (o *Orchestrator) ListAgents() []agent.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]agent.Config, 0, len(o.agents))
	for _, m := range o.agents {
		o.syncStatusLocked(m)
		out = append(out, m.cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdateGuardrails 将 override 中的非零字段合并到智能体当前的护栏配置，只影响之后的评估。
func (o *Orchestrator) UpdateGuardrails(id string, override guardrail.Config) (agent.Config, error) {
	m, err := o.get(id)
	if err != nil {
		return agent.Config{}, err
	}
	if override.MaxPerTransaction < 0 || override.MaxTxPerMinute < 0 || override.DailyCap < 0 {
		return agent.Config{}, xerrors.New(xerrors.CodeInvalidArgument, "guardrail limits cannot be negative")
	}
	next := o.deps.Guard.UpdateConfig(m.cfg.AccountID, func(current guardrail.Config) guardrail.Config {
		return current.Merge(override)
	})
	m.rt.SetGuardrails(next)

	o.mu.Lock()
	m.cfg.Guardrails = next.Clone()
	cfg := m.cfg.Clone()
	o.mu.Unlock()

	o.log.Info("智能体护栏已更新", slog.String("agent_id", id))
	o.emit("agent.guardrails_updated", cfg, map[string]any{"guardrails": next})
	return o.snapshot(id)
}

// RemoveAgent 停止并删除智能体。账户与其护栏配置保留。
func (o *Orchestrator) RemoveAgent(ctx context.Context, id string) error {
	m, err := o.get(id)
	if err != nil {
		return err
	}
	m.rt.Stop()
	if err := m.rt.Wait(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "wait for in-flight cycle")
	}

	o.mu.Lock()
	cfg := m.cfg.Clone()
	delete(o.agents, id)
	o.mu.Unlock()
	o.deps.Memory.Forget(id)

	o.log.Info("智能体已删除", slog.String("agent_id", id))
	o.emit("agent.removed", cfg, nil)
	o.publishCounts()
	return nil
}

// Memory 返回智能体最近的记忆，limit <= 0 表示全部。
func (o *Orchestrator) Memory(id string, limit int) ([]agent.MemoryEntry, error) {
	if _, err := o.get(id); err != nil {
		return nil, err
	}
	return o.deps.Memory.Recent(id, limit), nil
}

// StopAll 停止全部智能体，已安排的 tick 全部取消。
func (o *Orchestrator) StopAll() {
	for _, m := range o.runtimes() {
		m.rt.Stop()
	}
}

// Shutdown 停止全部智能体并等待正在进行的循环结束。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.StopAll()
	for _, m := range o.runtimes() {
		if err := m.rt.Wait(ctx); err != nil {
			return xerrors.Wrap(xerrors.CodeTimeout, err, "wait for agents to stop")
		}
	}
	o.log.Info("全部智能体已停止")
	return nil
}

func (o *Orchestrator) runtimes() []*managed {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*managed, 0, len(o.agents))
	for _, m := range o.agents {
		out = append(out, m)
	}
	return out
}

func (o *Orchestrator) get(id string) (*managed, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.agents[id]
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "agent %s not found", id)
	}
	return m, nil
}

func (o *Orchestrator) snapshot(id string) (agent.Config, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.agents[id]
	if !ok {
		return agent.Config{}, xerrors.Newf(xerrors.CodeNotFound, "agent %s not found", id)
	}
	o.syncStatusLocked(m)
	return m.cfg.Clone(), nil
}

// syncStatusLocked 把运行时状态写回配置快照，需持有 o.mu。
func (o *Orchestrator) syncStatusLocked(m *managed) {
	m.cfg.Status, m.cfg.LastError = m.rt.Status()
}

func (o *Orchestrator) onStatus(id string, _ agent.Status, _ string) {
	o.mu.Lock()
	if m, ok := o.agents[id]; ok {
		o.syncStatusLocked(m)
	}
	o.mu.Unlock()
	o.publishCounts()
}

func (o *Orchestrator) publishCounts() {
	if o.counter == nil {
		return
	}
	counts := make(map[string]int, len(agent.Statuses()))
	for _, s := range agent.Statuses() {
		counts[string(s)] = 0
	}
	o.mu.Lock()
	for _, m := range o.agents {
		o.syncStatusLocked(m)
		counts[string(m.cfg.Status)]++
	}
	o.mu.Unlock()
	o.counter.SetAgentCounts(counts)
}

func (o *Orchestrator) emit(eventType string, cfg agent.Config, data map[string]any) {
	if o.deps.Audit == nil {
		return
	}
	err := o.deps.Audit.AppendEvent(audit.Event{
		Type:      eventType,
		AgentID:   cfg.ID,
		AccountID: cfg.AccountID,
		Data:      data,
		Timestamp: o.now().UTC(),
	})
	if err != nil {
		o.log.Warn("写入审计事件失败", slog.String("type", eventType), slog.Any("error", err))
	}
}
