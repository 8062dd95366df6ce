package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Don-Vicks/karen/internal/agent"
	"github.com/Don-Vicks/karen/internal/audit"
	xerrors "github.com/Don-Vicks/karen/internal/errors"
	"github.com/Don-Vicks/karen/internal/guardrail"
	"github.com/Don-Vicks/karen/internal/ledger"
	"github.com/Don-Vicks/karen/internal/llm"
	"github.com/Don-Vicks/karen/internal/skill"
	"github.com/Don-Vicks/karen/internal/wallet"
)

type stubAccounts struct {
	mu      sync.Mutex
	created []wallet.Account
	err     error
}

func (s *stubAccounts) CreateAccount(name string, tags []string) (wallet.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return wallet.Account{}, s.err
	}
	n := len(s.created) + 1
	acct := wallet.Account{
		ID:        fmt.Sprintf("acct-%d", n),
		Name:      name,
		Address:   common.HexToAddress("0x00000000000000000000000000000000000000aa").Hex(),
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
	}
	s.created = append(s.created, acct)
	return acct, nil
}

func (s *stubAccounts) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

func (s *stubAccounts) Address(string) (common.Address, error) {
	return common.HexToAddress("0x00000000000000000000000000000000000000aa"), nil
}

type waitingReasoner struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
}

func (w *waitingReasoner) Name() string { return "stub" }

func (w *waitingReasoner) Complete(ctx context.Context, _ llm.Request) (*llm.Response, error) {
	w.mu.Lock()
	w.calls++
	delay := w.delay
	w.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &llm.Response{
		Text:      "holding",
		ToolCalls: []llm.ToolCall{{ID: "1", Name: "wait", Arguments: map[string]any{"reason": "quiet market"}}},
	}, nil
}

func (w *waitingReasoner) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

type stubReasoners struct {
	client    *waitingReasoner
	requested []llm.Provider
}

func (s *stubReasoners) Client(p llm.Provider, _ string) (llm.Client, error) {
	s.requested = append(s.requested, p)
	return s.client, nil
}

func (s *stubReasoners) DefaultProvider() (llm.Provider, error) {
	return llm.ProviderAnthropic, nil
}

type stubLedger struct{}

func (stubLedger) Balance(context.Context, common.Address) (float64, error) { return 1, nil }

func (stubLedger) TokenBalances(context.Context, common.Address) ([]ledger.TokenBalance, error) {
	return nil, nil
}

type recordingCounter struct {
	mu   sync.Mutex
	last map[string]int
}

func (r *recordingCounter) SetAgentCounts(counts map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = counts
}

func (r *recordingCounter) Get(status agent.Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last[string(status)]
}

type fixture struct {
	orch      *Orchestrator
	accounts  *stubAccounts
	reasoners *stubReasoners
	guard     *guardrail.Engine
	audit     *audit.Log
	memory    *agent.Memory
	counter   *recordingCounter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := skill.NewRegistry()
	if err := registry.Register(skill.Wait()); err != nil {
		t.Fatalf("register wait: %v", err)
	}
	f := &fixture{
		accounts:  &stubAccounts{},
		reasoners: &stubReasoners{client: &waitingReasoner{}},
		guard:     guardrail.NewEngine(guardrail.DefaultConfig()),
		audit:     audit.NewMemory(),
		memory:    agent.NewMemory(10),
		counter:   &recordingCounter{},
	}
	f.orch = New(Deps{
		Accounts:  f.accounts,
		Guard:     f.guard,
		Reasoners: f.reasoners,
		Skills:    registry,
		Ledger:    stubLedger{},
		Addresses: f.accounts,
		History:   f.audit,
		Memory:    f.memory,
		Audit:     f.audit,
	},
		WithDefaults(guardrail.DefaultConfig(), 20*time.Millisecond),
		WithMetrics(nil, f.counter),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.orch.Shutdown(ctx)
	})
	return f
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestCreateAgentMergesGuardrails(t *testing.T) {
	f := newFixture(t)

	cfg, err := f.orch.CreateAgent(CreateRequest{
		Name:       "alpha",
		Strategy:   "hold",
		Guardrails: guardrail.Config{MaxPerTransaction: 0.5, BlockedDestinations: []string{"0xdead"}},
	})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if cfg.ID == "" || cfg.AccountID != "acct-1" {
		t.Fatalf("unexpected identifiers %+v", cfg)
	}
	if cfg.Status != agent.StatusIdle {
		t.Fatalf("expected idle status, got %s", cfg.Status)
	}
	if cfg.ReasoningProvider != string(llm.ProviderAnthropic) {
		t.Fatalf("expected default provider, got %s", cfg.ReasoningProvider)
	}
	if cfg.LoopIntervalMs != 20 {
		t.Fatalf("expected default interval, got %d", cfg.LoopIntervalMs)
	}

	stored := f.guard.Config(cfg.AccountID)
	if stored.MaxPerTransaction != 0.5 || stored.MaxTxPerMinute != 5 || stored.DailyCap != 10 {
		t.Fatalf("unexpected merged guardrails %+v", stored)
	}
	if len(stored.BlockedDestinations) != 1 {
		t.Fatalf("blocked destinations not applied: %+v", stored)
	}
	if got := f.counter.Get(agent.StatusIdle); got != 1 {
		t.Fatalf("expected one idle agent in metrics, got %d", got)
	}
}

func TestCreateAgentRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.CreateAgent(CreateRequest{Name: "beta", ReasoningProvider: "mystery"})
	if !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if f.accounts.Count() != 0 {
		t.Fatalf("no account should be created for an invalid provider")
	}

	_, err = f.orch.CreateAgent(CreateRequest{Name: "  "})
	if !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for empty name, got %v", err)
	}

	f.accounts.err = errors.New("disk full")
	_, err = f.orch.CreateAgent(CreateRequest{Name: "gamma"})
	if !xerrors.IsCode(err, xerrors.CodeStorageFailure) {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestLifecycleMirrorsRuntimeStatus(t *testing.T) {
	f := newFixture(t)

	cfg, err := f.orch.CreateAgent(CreateRequest{Name: "alpha", ReasoningProvider: "openai"})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if f.reasoners.requested[0] != llm.ProviderOpenAI {
		t.Fatalf("expected explicit provider to be used, got %v", f.reasoners.requested)
	}

	started, err := f.orch.StartAgent(cfg.ID)
	if err != nil {
		t.Fatalf("start agent: %v", err)
	}
	if started.Status != agent.StatusRunning {
		t.Fatalf("expected running, got %s", started.Status)
	}
	eventually(t, func() bool { return len(mustMemory(t, f.orch, cfg.ID)) > 0 })

	paused, err := f.orch.PauseAgent(cfg.ID)
	if err != nil {
		t.Fatalf("pause agent: %v", err)
	}
	if paused.Status != agent.StatusPaused {
		t.Fatalf("expected paused, got %s", paused.Status)
	}

	if _, err := f.orch.StartAgent(cfg.ID); err != nil {
		t.Fatalf("resume agent: %v", err)
	}
	stopped, err := f.orch.StopAgent(cfg.ID)
	if err != nil {
		t.Fatalf("stop agent: %v", err)
	}
	if stopped.Status != agent.StatusStopped {
		t.Fatalf("expected stopped, got %s", stopped.Status)
	}
	if _, err := f.orch.PauseAgent(cfg.ID); !xerrors.IsCode(err, xerrors.CodeConflict) {
		t.Fatalf("pausing a stopped agent should conflict, got %v", err)
	}
	if got := f.counter.Get(agent.StatusStopped); got != 1 {
		t.Fatalf("expected one stopped agent in metrics, got %d", got)
	}

	entry := mustMemory(t, f.orch, cfg.ID)[0]
	if entry.Action == nil || entry.Action.Skill != "wait" {
		t.Fatalf("unexpected memory entry %+v", entry)
	}
}

func TestUnknownAgentIsNotFound(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.GetAgent("missing"); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.orch.StartAgent("missing"); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.orch.Memory("missing", 5); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := f.orch.RemoveAgent(context.Background(), "missing"); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateGuardrailsMergesOntoCurrent(t *testing.T) {
	f := newFixture(t)

	cfg, err := f.orch.CreateAgent(CreateRequest{Name: "alpha", Guardrails: guardrail.Config{DailyCap: 3}})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	updated, err := f.orch.UpdateGuardrails(cfg.ID, guardrail.Config{MaxTxPerMinute: 1})
	if err != nil {
		t.Fatalf("update guardrails: %v", err)
	}
	if updated.Guardrails.DailyCap != 3 || updated.Guardrails.MaxTxPerMinute != 1 {
		t.Fatalf("unexpected guardrails %+v", updated.Guardrails)
	}
	if got := f.guard.Config(cfg.AccountID); got.MaxTxPerMinute != 1 || got.DailyCap != 3 {
		t.Fatalf("engine not updated: %+v", got)
	}

	if _, err := f.orch.UpdateGuardrails(cfg.ID, guardrail.Config{DailyCap: -1}); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestListAndRemoveAgents(t *testing.T) {
	f := newFixture(t)

	first, err := f.orch.CreateAgent(CreateRequest{Name: "first"})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := f.orch.CreateAgent(CreateRequest{Name: "second", AutoStart: true})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if second.Status != agent.StatusRunning {
		t.Fatalf("auto start should run the agent, got %s", second.Status)
	}

	list := f.orch.ListAgents()
	if len(list) != 2 || list[0].ID != first.ID {
		t.Fatalf("unexpected list %+v", list)
	}

	eventually(t, func() bool { return len(mustMemory(t, f.orch, second.ID)) > 0 })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.orch.RemoveAgent(ctx, second.ID); err != nil {
		t.Fatalf("remove agent: %v", err)
	}
	if f.memory.Len(second.ID) != 0 {
		t.Fatalf("memory should be forgotten after removal")
	}
	if _, err := f.orch.GetAgent(second.ID); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("removed agent should be gone, got %v", err)
	}
	if got := f.guard.Config(second.AccountID); got.MaxPerTransaction != 2 {
		t.Fatalf("account guardrails should remain, got %+v", got)
	}
	if len(f.orch.ListAgents()) != 1 {
		t.Fatalf("expected one agent left")
	}
}

func TestShutdownWaitsForInFlightCycles(t *testing.T) {
	f := newFixture(t)
	f.reasoners.client.delay = 80 * time.Millisecond

	cfg, err := f.orch.CreateAgent(CreateRequest{Name: "slow", AutoStart: true, LoopIntervalMs: 10})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	eventually(t, func() bool { return f.reasoners.client.Calls() > 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.orch.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(mustMemory(t, f.orch, cfg.ID)) != 1 {
		t.Fatalf("in-flight cycle should finish before shutdown returns")
	}
	calls := f.reasoners.client.Calls()
	time.Sleep(50 * time.Millisecond)
	if f.reasoners.client.Calls() != calls {
		t.Fatalf("no cycle may start after shutdown")
	}
	got, err := f.orch.GetAgent(cfg.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Status != agent.StatusStopped {
		t.Fatalf("expected stopped after shutdown, got %s", got.Status)
	}
}

func mustMemory(t *testing.T, o *Orchestrator, id string) []agent.MemoryEntry {
	t.Helper()
	entries, err := o.Memory(id, 0)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	return entries
}

func TestGuardrailEventsWhileStatusChanges(t *testing.T) {
	f := newFixture(t)

	cfg, err := f.orch.CreateAgent(CreateRequest{Name: "alpha", AutoStart: true})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	var (
		mu     sync.Mutex
		events []audit.Event
	)
	unsubscribe := f.audit.Subscribe(func(e audit.Entry) {
		if e.Event != nil && e.Event.Type == "agent.guardrails_updated" {
			mu.Lock()
			events = append(events, *e.Event)
			mu.Unlock()
		}
	})
	defer unsubscribe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 20; i++ {
			if _, err := f.orch.UpdateGuardrails(cfg.ID, guardrail.Config{DailyCap: float64(i)}); err != nil {
				t.Errorf("update guardrails: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_, _ = f.orch.PauseAgent(cfg.ID)
			_, _ = f.orch.StartAgent(cfg.ID)
		}
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 20 {
		t.Fatalf("expected 20 guardrail events, got %d", len(events))
	}
	for _, e := range events {
		if e.AgentID != cfg.ID || e.AccountID != cfg.AccountID {
			t.Fatalf("event carries wrong identity: %+v", e)
		}
	}
}
