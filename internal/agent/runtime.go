package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Don-Vicks/karen/internal/audit"
	xerrors "github.com/Don-Vicks/karen/internal/errors"
	"github.com/Don-Vicks/karen/internal/guardrail"
	"github.com/Don-Vicks/karen/internal/ledger"
	"github.com/Don-Vicks/karen/internal/llm"
	"github.com/Don-Vicks/karen/internal/skill"
	"github.com/Don-Vicks/karen/internal/txn"
	"github.com/Don-Vicks/karen/pkg/logger"
)

const (
	// NoActionOutcome 是未选择技能时的结果文本。
	NoActionOutcome = "No action taken"

	defaultMemoryWindow = 10
	historyObservations = 5
	minLoopInterval     = 10 * time.Millisecond
)

// Dispatcher 是运行时依赖的技能表。
type Dispatcher interface {
	Tools() []llm.Tool
	Dispatch(ctx context.Context, name string, params map[string]any, sc skill.Context) (string, error)
}

// CycleObserver 接收每轮循环的结果，用于指标统计。
type CycleObserver interface {
	ObserveCycle(outcome string, d time.Duration)
}

// StatusHook 在运行时状态变化后被调用。
type StatusHook func(agentID string, status Status, lastErr string)

// Deps 汇总运行时依赖的协作方。
type Deps struct {
	Reasoner llm.Client
	Skills   Dispatcher
	Executor txn.Executor
	Ledger   ledger.Reader
	Accounts skill.AddressBook
	History  audit.History
	Adapters skill.Adapters
	Memory   *Memory
	Audit    audit.Sink
}

// Runtime 是单个智能体的循环状态机。一轮循环结束后才安排下一次 tick，
// 因此同一智能体的循环不会并发执行；Stop 与 Pause 只取消下一次 tick。
type Runtime struct {
	deps         Deps
	observer     CycleObserver
	hook         StatusHook
	memoryWindow int
	maxTokens    int
	baseCtx      context.Context
	now          func() time.Time
	log          *slog.Logger

	mu       sync.Mutex
	cfg      Config
	status   Status
	lastErr  string
	cycle    int
	timer    *time.Timer
	gen      uint64
	armed    bool
	inFlight bool
	wg       sync.WaitGroup
}

// Option 定义运行时的可选配置。
type Option func(*Runtime)

// WithCycleObserver 设置循环指标的接收方。
func WithCycleObserver(o CycleObserver) Option {
	return func(r *Runtime) {
		r.observer = o
	}
}

// WithStatusHook 设置状态变化的回调。
func WithStatusHook(hook StatusHook) Option {
	return func(r *Runtime) {
		r.hook = hook
	}
}

// WithMemoryWindow 设置提示词中包含的记忆条数。
func WithMemoryWindow(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.memoryWindow = n
		}
	}
}

// WithMaxTokens 设置推理输出上限。
func WithMaxTokens(n int) Option {
	return func(r *Runtime) {
		r.maxTokens = n
	}
}

// WithContext 设置循环使用的根 context，取消后正在进行的外部调用会返回。
func WithContext(ctx context.Context) Option {
	return func(r *Runtime) {
		if ctx != nil {
			r.baseCtx = ctx
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// New 创建处于 idle 状态的运行时。
func New(cfg Config, deps Deps, opts ...Option) *Runtime {
	r := &Runtime{
		deps:         deps,
		memoryWindow: defaultMemoryWindow,
		baseCtx:      context.Background(),
		now:          time.Now,
		cfg:          cfg.Clone(),
		status:       StatusIdle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.deps.Memory == nil {
		r.deps.Memory = NewMemory(DefaultMemoryCapacity)
	}
	r.log = logger.Named("agent").With(slog.String("agent_id", cfg.ID), slog.String("account_id", cfg.AccountID))
	return r
}

// ID 返回智能体 ID。
func (r *Runtime) ID() string {
	return r.cfg.ID
}

// Status 返回当前状态与最近一次错误。
func (r *Runtime) Status() (Status, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.lastErr
}

// Cycles 返回已开始的循环次数。
func (r *Runtime) Cycles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycle
}

// SetGuardrails 更新提示词中展示的护栏限额，执行层的限额由护栏引擎维护。
func (r *Runtime) SetGuardrails(cfg guardrail.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Guardrails = cfg.Clone()
}

// Start 启动或恢复循环，第一次 tick 在一个间隔之后触发。已在运行时不做任何事。
func (r *Runtime) Start() error {
	r.mu.Lock()
	if r.status == StatusRunning {
		r.mu.Unlock()
		return nil
	}
	if r.deps.Reasoner == nil || r.deps.Skills == nil {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeInitializationFailure, "agent runtime is missing its reasoner or skills")
	}
	r.status = StatusRunning
	r.lastErr = ""
	r.gen++
	if !r.inFlight {
		r.arm()
	}
	r.mu.Unlock()

	r.log.Info("智能体已启动")
	r.emit("agent.started", nil)
	r.notify(StatusRunning, "")
	return nil
}

// Stop 停止循环。正在进行的循环会执行完毕，之后不再安排 tick。
func (r *Runtime) Stop() {
	r.mu.Lock()
	if r.status == StatusStopped {
		r.mu.Unlock()
		return
	}
	r.status = StatusStopped
	r.disarm()
	r.mu.Unlock()

	r.log.Info("智能体已停止")
	r.emit("agent.stopped", nil)
	r.notify(StatusStopped, "")
}

// Pause 暂停运行中的循环，Start 可再次恢复。
func (r *Runtime) Pause() error {
	r.mu.Lock()
	if r.status == StatusPaused {
		r.mu.Unlock()
		return nil
	}
	if r.status != StatusRunning {
		status := r.status
		r.mu.Unlock()
		return xerrors.Newf(xerrors.CodeConflict, "cannot pause agent in status %s", status)
	}
	r.status = StatusPaused
	r.disarm()
	r.mu.Unlock()

	r.log.Info("智能体已暂停")
	r.emit("agent.paused", nil)
	r.notify(StatusPaused, "")
	return nil
}

// Wait 等待正在进行的循环结束。
func (r *Runtime) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// arm 需持有 r.mu。
func (r *Runtime) arm() {
	interval := r.cfg.Interval()
	if interval < minLoopInterval {
		interval = minLoopInterval
	}
	gen := r.gen
	r.armed = true
	r.timer = time.AfterFunc(interval, func() { r.tick(gen) })
}

// disarm 需持有 r.mu。
func (r *Runtime) disarm() {
	r.gen++
	r.armed = false
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Runtime) tick(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || r.status != StatusRunning || r.inFlight {
		r.mu.Unlock()
		return
	}
	r.armed = false
	r.timer = nil
	r.inFlight = true
	r.cycle++
	cycle := r.cycle
	cfg := r.cfg.Clone()
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	start := r.now()
	err := r.runCycle(r.baseCtx, cycle, cfg)
	elapsed := r.now().Sub(start)

	r.mu.Lock()
	r.inFlight = false
	if err != nil {
		r.status = StatusError
		r.lastErr = err.Error()
		r.disarm()
	} else if r.status == StatusRunning && !r.armed {
		r.arm()
	}
	r.mu.Unlock()

	if r.observer != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		r.observer.ObserveCycle(outcome, elapsed)
	}
	if err != nil {
		r.log.Error("智能体循环异常，已进入 error 状态", slog.Int("cycle", cycle), slog.Any("error", err))
		r.emit("agent.error", map[string]any{"cycle": cycle, "error": err.Error()})
		r.notify(StatusError, err.Error())
	}
}

// runCycle 依次执行 Observe、Think、Act、Remember，任何未捕获的异常都转换为 LOOP_FAULT。
func (r *Runtime) runCycle(ctx context.Context, cycle int, cfg Config) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = xerrors.New(xerrors.CodeLoopFault, fmt.Sprintf("cycle %d panicked: %v", cycle, rec))
		}
	}()

	// 观察账户状态。
	observations := r.observe(ctx, cfg)

	// 调用推理服务选择动作。
	reasoning, action, err := r.think(ctx, cycle, cfg, observations)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLoopFault, err, "reasoning failed")
	}

	// 执行所选技能。
	outcome, err := r.act(ctx, cfg, action)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLoopFault, err, "skill execution failed")
	}

	// 写入记忆与审计日志。
	r.remember(cycle, cfg, observations, reasoning, action, outcome)
	return nil
}

func (r *Runtime) observe(ctx context.Context, cfg Config) map[string]any {
	if r.deps.Accounts == nil || r.deps.Ledger == nil {
		return map[string]any{"error": "ledger or account resolver not configured"}
	}
	addr, err := r.deps.Accounts.Address(cfg.AccountID)
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("resolve account: %v", err)}
	}
	balance, err := r.deps.Ledger.Balance(ctx, addr)
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("query balance: %v", err)}
	}
	tokens, err := r.deps.Ledger.TokenBalances(ctx, addr)
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("query token balances: %v", err)}
	}

	obs := map[string]any{
		"address": addr.Hex(),
		"balance": balance,
		"tokens":  tokens,
	}
	if r.deps.History != nil {
		recent := r.deps.History.RecentTransactions(cfg.AccountID, historyObservations)
		summaries := make([]map[string]any, 0, len(recent))
		for _, rec := range recent {
			item := map[string]any{"kind": rec.Kind, "status": rec.Status, "timestamp": rec.Timestamp}
			if rec.Signature != "" {
				item["signature"] = rec.Signature
			}
			if rec.Error != "" {
				item["error"] = rec.Error
			}
			summaries = append(summaries, item)
		}
		obs["recentTransactions"] = summaries
	}
	return obs
}

func (r *Runtime) think(ctx context.Context, cycle int, cfg Config, observations map[string]any) (string, *Invocation, error) {
	memories := r.deps.Memory.Recent(cfg.ID, r.memoryWindow)
	resp, err := r.deps.Reasoner.Complete(ctx, llm.Request{
		System:    buildSystemPrompt(cfg.Name, cfg.Strategy, cfg.Guardrails),
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: buildUserPrompt(cycle, memories, observations)}},
		Tools:     r.deps.Skills.Tools(),
		MaxTokens: r.maxTokens,
	})
	if err != nil {
		return "", nil, err
	}
	if resp == nil {
		return "", nil, errors.New("reasoner returned no response")
	}
	if len(resp.ToolCalls) == 0 {
		return resp.Text, nil, nil
	}
	if len(resp.ToolCalls) > 1 {
		r.log.Debug("推理服务返回多个工具调用，只执行第一个", slog.Int("count", len(resp.ToolCalls)))
	}
	first := resp.ToolCalls[0]
	params := first.Arguments
	if params == nil {
		params = map[string]any{}
	}
	return resp.Text, &Invocation{Skill: first.Name, Params: params}, nil
}

func (r *Runtime) act(ctx context.Context, cfg Config, action *Invocation) (string, error) {
	if action == nil {
		return NoActionOutcome, nil
	}
	return r.deps.Skills.Dispatch(ctx, action.Skill, action.Params, skill.Context{
		AccountID: cfg.AccountID,
		AgentID:   cfg.ID,
		Executor:  r.deps.Executor,
		Ledger:    r.deps.Ledger,
		Accounts:  r.deps.Accounts,
		History:   r.deps.History,
		Adapters:  r.deps.Adapters,
	})
}

func (r *Runtime) remember(cycle int, cfg Config, observations map[string]any, reasoning string, action *Invocation, outcome string) {
	now := r.now().UTC()
	r.deps.Memory.Append(cfg.ID, MemoryEntry{
		Cycle:     cycle,
		Reasoning: reasoning,
		Action:    action,
		Outcome:   outcome,
		Timestamp: now,
	})
	if r.deps.Audit == nil {
		return
	}
	rec := audit.DecisionRecord{
		AgentID:      cfg.ID,
		Cycle:        cycle,
		Observations: observations,
		Reasoning:    reasoning,
		Outcome:      outcome,
		Timestamp:    now,
	}
	if action != nil {
		rec.Action = action
	}
	if err := r.deps.Audit.AppendDecision(rec); err != nil {
		r.log.Warn("写入决策审计记录失败", slog.Int("cycle", cycle), slog.Any("error", err))
	}
}

func (r *Runtime) emit(eventType string, data map[string]any) {
	if r.deps.Audit == nil {
		return
	}
	err := r.deps.Audit.AppendEvent(audit.Event{
		Type:      eventType,
		AgentID:   r.cfg.ID,
		AccountID: r.cfg.AccountID,
		Data:      data,
		Timestamp: r.now().UTC(),
	})
	if err != nil {
		r.log.Warn("写入审计事件失败", slog.String("type", eventType), slog.Any("error", err))
	}
}

func (r *Runtime) notify(status Status, lastErr string) {
	if r.hook != nil {
		r.hook(r.cfg.ID, status, lastErr)
	}
}
