package guardrail

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// SystemProgram 标识原生转账，不对应任何合约地址。
const SystemProgram = "system"

// Decision 是一次护栏评估的结果。
type Decision struct {
	Allowed      bool     `json:"allowed"`
	Reason       string   `json:"reason,omitempty"`
	RulesApplied []string `json:"rules_applied"`
	// FailedRule 为拒绝时最后评估的规则，通过时为空。
	FailedRule string `json:"failed_rule,omitempty"`
}

// Observer 接收每一次评估结果，用于指标统计。
type Observer func(accountID string, decision Decision)

// Engine 负责评估护栏规则并维护每个账户的消费窗口。
type Engine struct {
	defaults Config
	now      func() time.Time
	observer Observer

	mu       sync.Mutex
	configs  map[string]policy
	accounts map[string]*accountState
}

type accountState struct {
	mu     sync.Mutex
	window *SpendWindow
}

// Option 定义护栏引擎的可选配置。
type Option func(*Engine)

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithObserver 注册评估回调。
func WithObserver(observer Observer) Option {
	return func(e *Engine) {
		e.observer = observer
	}
}

// NewEngine 创建护栏引擎，defaults 为未单独配置账户时使用的限制。
func NewEngine(defaults Config, opts ...Option) *Engine {
	e := &Engine{
		defaults: defaults.Clone(),
		now:      time.Now,
		configs:  make(map[string]policy),
		accounts: make(map[string]*accountState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// SetConfig 为账户设置护栏配置，只影响之后的评估。
func (e *Engine) SetConfig(accountID string, cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs[accountID] = compile(cfg)
}

// UpdateConfig 基于当前配置原子地修改账户护栏。
func (e *Engine) UpdateConfig(accountID string, fn func(Config) Config) Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.defaults
	if p, ok := e.configs[accountID]; ok {
		current = p.Config
	}
	next := fn(current.Clone())
	e.configs[accountID] = compile(next)
	return next.Clone()
}

// RemoveConfig 删除账户的专属配置与消费窗口。
func (e *Engine) RemoveConfig(accountID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.configs, accountID)
	delete(e.accounts, accountID)
}

// Config 返回账户当前生效的护栏配置。
func (e *Engine) Config(accountID string) Config {
	return e.policyFor(accountID).Config.Clone()
}

// Window 返回账户消费窗口的只读快照。
func (e *Engine) Window(accountID string) SpendWindow {
	state := e.state(accountID)
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.window.clone()
}

// Validate 按固定顺序评估规则，遇到第一条失败的规则即停止。不修改任何状态。
func (e *Engine) Validate(accountID string, amount float64, programIDs []string, destination string) Decision {
	p := e.policyFor(accountID)
	state := e.state(accountID)

	state.mu.Lock()
	decision := evaluate(p, state.window, e.now(), amount, programIDs, destination)
	state.mu.Unlock()

	e.observe(accountID, decision)
	return decision
}

// ValidAmount 判断金额是否为有限的非负数。
func ValidAmount(amount float64) bool {
	return !math.IsNaN(amount) && !math.IsInf(amount, 0) && amount >= 0
}

// Record 在成功提交后登记一次消费，无效金额只计入频率。
func (e *Engine) Record(accountID string, amount float64) {
	state := e.state(accountID)
	state.mu.Lock()
	defer state.mu.Unlock()
	state.window.record(e.now(), amount)
}

// Reservation 表示已经通过评估并预占额度的一次消费。
type Reservation struct {
	engine    *Engine
	accountID string
	amount    float64
	at        time.Time

	once sync.Once
}

// Reserve 在同一把账户锁内完成评估与登记，避免并发调用同时通过检查。
// 拒绝时返回 nil 预占。
func (e *Engine) Reserve(accountID string, amount float64, programIDs []string, destination string) (Decision, *Reservation) {
	p := e.policyFor(accountID)
	state := e.state(accountID)

	state.mu.Lock()
	now := e.now()
	decision := evaluate(p, state.window, now, amount, programIDs, destination)
	var res *Reservation
	if decision.Allowed {
		state.window.record(now, amount)
		res = &Reservation{engine: e, accountID: accountID, amount: amount, at: now}
	}
	state.mu.Unlock()

	e.observe(accountID, decision)
	return decision, res
}

// Commit 确认预占的消费，之后 Release 不再生效。
func (r *Reservation) Commit() {
	if r == nil {
		return
	}
	r.once.Do(func() {})
}

// Release 撤销尚未确认的预占，归还时间戳与额度。
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		state := r.engine.state(r.accountID)
		state.mu.Lock()
		defer state.mu.Unlock()
		state.window.unrecord(r.at, r.amount)
	})
}

func (e *Engine) policyFor(accountID string) policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.configs[accountID]; ok {
		return p
	}
	return compile(e.defaults)
}

func (e *Engine) state(accountID string) *accountState {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.accounts[accountID]
	if !ok {
		state = &accountState{window: newWindow(e.now())}
		e.accounts[accountID] = state
	}
	return state
}

func (e *Engine) observe(accountID string, decision Decision) {
	if e.observer != nil {
		e.observer(accountID, decision)
	}
}

func evaluate(p policy, w *SpendWindow, now time.Time, amount float64, programIDs []string, destination string) Decision {
	var applied []string
	deny := func(rule, reason string) Decision {
		return Decision{Allowed: false, Reason: reason, RulesApplied: applied, FailedRule: rule}
	}

	applied = append(applied, RuleMaxPerTransaction)
	if !ValidAmount(amount) {
		return deny(RuleMaxPerTransaction,
			fmt.Sprintf("amount %g is not a finite non-negative number", amount))
	}
	if amount > p.MaxPerTransaction {
		return deny(RuleMaxPerTransaction,
			fmt.Sprintf("amount %g exceeds per-transaction limit of %g", amount, p.MaxPerTransaction))
	}

	applied = append(applied, RuleRateLimit)
	if recent := w.countSince(now, rateWindow); recent >= p.MaxTxPerMinute {
		return deny(RuleRateLimit,
			fmt.Sprintf("rate limit exceeded: %d transactions in the last minute (max %d)", recent, p.MaxTxPerMinute))
	}

	applied = append(applied, RuleDailyCap)
	if spent := w.effectiveDailySpend(now); spent+amount > p.DailyCap {
		return deny(RuleDailyCap,
			fmt.Sprintf("daily spending cap exceeded: %g spent + %g requested > %g", spent, amount, p.DailyCap))
	}

	applied = append(applied, RuleProgramAllowlist)
	if len(p.allowed) > 0 {
		var disallowed []string
		for _, id := range programIDs {
			if _, ok := p.allowed[normalize(id)]; !ok {
				disallowed = append(disallowed, id)
			}
		}
		if len(disallowed) > 0 {
			return deny(RuleProgramAllowlist,
				fmt.Sprintf("programs not in allowlist: %s", strings.Join(disallowed, ", ")))
		}
	}

	applied = append(applied, RuleDestinationBlocklist)
	if destination != "" && len(p.blocked) > 0 {
		if _, ok := p.blocked[normalize(destination)]; ok {
			return deny(RuleDestinationBlocklist, fmt.Sprintf("destination %s is blocked", destination))
		}
	}

	return Decision{Allowed: true, RulesApplied: applied}
}
