package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Don-Vicks/karen/internal/agent"
	"github.com/Don-Vicks/karen/internal/audit"
	xerrors "github.com/Don-Vicks/karen/internal/errors"
	"github.com/Don-Vicks/karen/internal/guardrail"
	"github.com/Don-Vicks/karen/internal/ledger"
	"github.com/Don-Vicks/karen/internal/llm"
	"github.com/Don-Vicks/karen/internal/orchestrator"
	"github.com/Don-Vicks/karen/internal/txn"
	"github.com/Don-Vicks/karen/internal/wallet"
)

type stubAgents struct {
	agents  map[string]agent.Config
	created []orchestrator.CreateRequest
	removed []string
}

func newStubAgents() *stubAgents {
	return &stubAgents{agents: map[string]agent.Config{
		"agent-1": {ID: "agent-1", Name: "alpha", AccountID: "acct-1", Status: agent.StatusIdle},
	}}
}

func (s *stubAgents) lookup(id string) (agent.Config, error) {
	cfg, ok := s.agents[id]
	if !ok {
		return agent.Config{}, xerrors.Newf(xerrors.CodeNotFound, "agent %s not found", id)
	}
	return cfg, nil
}

func (s *stubAgents) CreateAgent(req orchestrator.CreateRequest) (agent.Config, error) {
	if req.Name == "" {
		return agent.Config{}, xerrors.New(xerrors.CodeInvalidArgument, "agent name cannot be empty")
	}
	s.created = append(s.created, req)
	cfg := agent.Config{ID: "agent-2", Name: req.Name, AccountID: "acct-2", Status: agent.StatusIdle}
	s.agents[cfg.ID] = cfg
	return cfg, nil
}

func (s *stubAgents) setStatus(id string, status agent.Status) (agent.Config, error) {
	cfg, err := s.lookup(id)
	if err != nil {
		return cfg, err
	}
	cfg.Status = status
	s.agents[id] = cfg
	return cfg, nil
}

func (s *stubAgents) StartAgent(id string) (agent.Config, error) {
	return s.setStatus(id, agent.StatusRunning)
}

func (s *stubAgents) StopAgent(id string) (agent.Config, error) {
	return s.setStatus(id, agent.StatusStopped)
}

func (s *stubAgents) PauseAgent(id string) (agent.Config, error) {
	cfg, err := s.lookup(id)
	if err != nil {
		return cfg, err
	}
	if cfg.Status != agent.StatusRunning {
		return agent.Config{}, xerrors.Newf(xerrors.CodeConflict, "cannot pause agent in status %s", cfg.Status)
	}
	return s.setStatus(id, agent.StatusPaused)
}

func (s *stubAgents) GetAgent(id string) (agent.Config, error) { return s.lookup(id) }

func (s *stubAgents) ListAgents() []agent.Config {
	out := make([]agent.Config, 0, len(s.agents))
	for _, cfg := range s.agents {
		out = append(out, cfg)
	}
	return out
}

func (s *stubAgents) UpdateGuardrails(id string, override guardrail.Config) (agent.Config, error) {
	cfg, err := s.lookup(id)
	if err != nil {
		return cfg, err
	}
	cfg.Guardrails = guardrail.DefaultConfig().Merge(override)
	s.agents[id] = cfg
	return cfg, nil
}

func (s *stubAgents) RemoveAgent(_ context.Context, id string) error {
	if _, err := s.lookup(id); err != nil {
		return err
	}
	delete(s.agents, id)
	s.removed = append(s.removed, id)
	return nil
}

func (s *stubAgents) Memory(id string, limit int) ([]agent.MemoryEntry, error) {
	if _, err := s.lookup(id); err != nil {
		return nil, err
	}
	return []agent.MemoryEntry{{Cycle: 1, Outcome: agent.NoActionOutcome}}, nil
}

type stubWallets struct {
	accounts map[string]wallet.Account
	deleted  []string
}

func newStubWallets() *stubWallets {
	return &stubWallets{accounts: map[string]wallet.Account{
		"acct-1": {ID: "acct-1", Name: "alpha", Address: "0x00000000000000000000000000000000000000aa"},
		"acct-9": {ID: "acct-9", Name: "spare", Address: "0x00000000000000000000000000000000000000bb"},
	}}
}

func (s *stubWallets) CreateAccount(name string, tags []string) (wallet.Account, error) {
	acct := wallet.Account{ID: "acct-new", Name: name, Tags: tags, Address: "0x00000000000000000000000000000000000000cc"}
	s.accounts[acct.ID] = acct
	return acct, nil
}

func (s *stubWallets) Get(id string) (wallet.Account, error) {
	acct, ok := s.accounts[id]
	if !ok {
		return wallet.Account{}, xerrors.Newf(xerrors.CodeNotFound, "account %s not found", id)
	}
	return acct, nil
}

func (s *stubWallets) Address(id string) (common.Address, error) {
	acct, err := s.Get(id)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(acct.Address), nil
}

func (s *stubWallets) List() []wallet.Account {
	out := make([]wallet.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, acct)
	}
	return out
}

func (s *stubWallets) Delete(id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	delete(s.accounts, id)
	s.deleted = append(s.deleted, id)
	return nil
}

type stubExecutor struct {
	transfers []txn.TransferRequest
	faucets   []txn.FaucetRequest
}

func (s *stubExecutor) Transfer(_ context.Context, req txn.TransferRequest) (*audit.TransactionRecord, error) {
	s.transfers = append(s.transfers, req)
	rec := &audit.TransactionRecord{
		ID:                "tx-1",
		AccountID:         req.AccountID,
		Kind:              audit.KindTransfer,
		Status:            audit.StatusConfirmed,
		Signature:         "0xhash",
		GuardrailsApplied: []string{guardrail.RuleMaxPerTransaction},
		Timestamp:         time.Now().UTC(),
	}
	if req.Amount > 2 {
		rec.Status = audit.StatusBlocked
		rec.Signature = ""
		rec.Error = "Amount exceeds per-transaction limit"
	}
	return rec, nil
}

func (s *stubExecutor) ExecuteInstructions(context.Context, txn.InstructionsRequest) (*audit.TransactionRecord, error) {
	return nil, xerrors.New(xerrors.CodeExecutionFailed, "not supported")
}

func (s *stubExecutor) RequestFaucet(_ context.Context, req txn.FaucetRequest) (*audit.TransactionRecord, error) {
	s.faucets = append(s.faucets, req)
	return &audit.TransactionRecord{ID: "tx-2", AccountID: req.AccountID, Kind: audit.KindFaucet, Status: audit.StatusConfirmed}, nil
}

type stubLedger struct{}

func (stubLedger) Balance(context.Context, common.Address) (float64, error) { return 1.5, nil }

func (stubLedger) TokenBalances(context.Context, common.Address) ([]ledger.TokenBalance, error) {
	return []ledger.TokenBalance{{Symbol: "USDC", Decimals: 6, Amount: 12}}, nil
}

type recordingObserver struct {
	routes []string
}

func (r *recordingObserver) ObserveHTTPRequest(method, route string, _ int, _ time.Duration) {
	r.routes = append(r.routes, method+" "+route)
}

type stubReasoning struct {
	provider llm.Provider
	cached   []string
}

func (s stubReasoning) DefaultProvider() (llm.Provider, error) {
	if s.provider == "" {
		return "", errors.New("no reasoning provider configured")
	}
	return s.provider, nil
}

func (s stubReasoning) Cached() []string { return s.cached }

type testEnv struct {
	handler  http.Handler
	agents   *stubAgents
	wallets  *stubWallets
	executor *stubExecutor
	audit    *audit.Log
	observer *recordingObserver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		agents:   newStubAgents(),
		wallets:  newStubWallets(),
		executor: &stubExecutor{},
		audit:    audit.NewMemory(),
		observer: &recordingObserver{},
	}
	env.handler = NewRouter(Deps{
		Agents:       env.agents,
		Wallets:      env.wallets,
		Transactions: env.executor,
		History:      env.audit,
		Ledger:       stubLedger{},
		Guardrails:   guardrail.NewEngine(guardrail.DefaultConfig()),
		Reasoning:    stubReasoning{provider: llm.ProviderAnthropic, cached: []string{"anthropic/claude"}},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("karen_agents 1\n"))
		}),
		Observer: env.observer,
		Version:  "test",
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	body := decode[map[string]string](t, rec)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected health body %+v", body)
	}

	rec = env.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "karen_agents") {
		t.Fatalf("metrics not served: %d %q", rec.Code, rec.Body.String())
	}
}

func TestAgentLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/agents", `{"name":"beta","strategy":"hold","guardrails":{"daily_cap":4}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d body %s", rec.Code, rec.Body.String())
	}
	if len(env.agents.created) != 1 || env.agents.created[0].Guardrails.DailyCap != 4 {
		t.Fatalf("request not forwarded: %+v", env.agents.created)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/agents/agent-2/start", "")
	if got := decode[agent.Config](t, rec); got.Status != agent.StatusRunning {
		t.Fatalf("expected running, got %+v", got)
	}
	rec = env.do(t, http.MethodPost, "/api/v1/agents/agent-2/pause", "")
	if got := decode[agent.Config](t, rec); got.Status != agent.StatusPaused {
		t.Fatalf("expected paused, got %+v", got)
	}
	rec = env.do(t, http.MethodPost, "/api/v1/agents/agent-2/stop", "")
	if got := decode[agent.Config](t, rec); got.Status != agent.StatusStopped {
		t.Fatalf("expected stopped, got %+v", got)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/agents/agent-2/pause", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("pausing a stopped agent: got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPut, "/api/v1/agents/agent-2/guardrails", `{"max_tx_per_minute":1}`)
	if got := decode[agent.Config](t, rec); got.Guardrails.MaxTxPerMinute != 1 || got.Guardrails.DailyCap != 10 {
		t.Fatalf("unexpected guardrails %+v", got.Guardrails)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/agents/agent-2/memory?limit=5", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), agent.NoActionOutcome) {
		t.Fatalf("memory: got %d body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/agents/agent-2", "")
	if rec.Code != http.StatusNoContent || len(env.agents.removed) != 1 {
		t.Fatalf("remove: got %d", rec.Code)
	}
}

func TestAgentErrorsUseEnvelope(t *testing.T) {
	env := newTestEnv(t)

	t.Run("invalid body", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/agents", "{")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("validation", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/agents", `{"name":""}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
		body := decode[errorEnvelope](t, rec)
		if body.Error.Code != "invalid_argument" || body.Error.Message != "agent name cannot be empty" {
			t.Fatalf("unexpected envelope %+v", body)
		}
	})

	t.Run("not found", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/agents/missing", "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})

	t.Run("invalid method", func(t *testing.T) {
		rec := env.do(t, http.MethodPatch, "/api/v1/agents/agent-1", "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})
}

func TestWalletEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/wallets", `{"name":"treasury","tags":["ops"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create wallet: got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/wallets/acct-1/balance", "")
	body := decode[map[string]any](t, rec)
	addr, _ := body["address"].(string)
	if body["balance"] != 1.5 || !strings.EqualFold(addr, "0x00000000000000000000000000000000000000aa") {
		t.Fatalf("unexpected balance body %+v", body)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/wallets/acct-1/guardrails", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"daily_cap":10`) {
		t.Fatalf("guardrails: got %d body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/wallets/acct-1", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("deleting a wallet used by an agent: got %d", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/api/v1/wallets/acct-9", "")
	if rec.Code != http.StatusNoContent || len(env.wallets.deleted) != 1 {
		t.Fatalf("delete wallet: got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/wallets/missing/balance", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown wallet balance: got %d", rec.Code)
	}
}

func TestTransferReturnsTerminalRecord(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/wallets/acct-1/transfer", `{"to":"0x00000000000000000000000000000000000000bb","amount":0.5}`)
	if got := decode[audit.TransactionRecord](t, rec); got.Status != audit.StatusConfirmed || got.Signature == "" {
		t.Fatalf("unexpected record %+v", got)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/wallets/acct-1/transfer", `{"to":"0x00000000000000000000000000000000000000bb","amount":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("blocked transfer should still return a record, got %d", rec.Code)
	}
	if got := decode[audit.TransactionRecord](t, rec); got.Status != audit.StatusBlocked || got.Error == "" {
		t.Fatalf("unexpected blocked record %+v", got)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/wallets/acct-1/transfer", `{"amount":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing destination: got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/wallets/missing/transfer", `{"to":"0xbb","amount":1}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown wallet transfer: got %d", rec.Code)
	}
	if len(env.executor.transfers) != 2 {
		t.Fatalf("expected two transfers to reach the engine, got %d", len(env.executor.transfers))
	}

	rec = env.do(t, http.MethodPost, "/api/v1/wallets/acct-1/airdrop", "")
	if got := decode[audit.TransactionRecord](t, rec); got.Kind != audit.KindFaucet {
		t.Fatalf("unexpected faucet record %+v", got)
	}
}

func TestTransactionHistory(t *testing.T) {
	env := newTestEnv(t)
	for i, status := range []audit.TransactionStatus{audit.StatusConfirmed, audit.StatusBlocked} {
		if err := env.audit.AppendTransaction(audit.TransactionRecord{
			ID:        string(rune('a' + i)),
			AccountID: "acct-1",
			Kind:      audit.KindTransfer,
			Status:    status,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/v1/agents/agent-1/transactions?limit=1", "")
	body := decode[map[string][]audit.TransactionRecord](t, rec)
	if len(body["transactions"]) != 1 || body["transactions"][0].Status != audit.StatusBlocked {
		t.Fatalf("expected newest record first, got %+v", body)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/transactions", "")
	body = decode[map[string][]audit.TransactionRecord](t, rec)
	if len(body["transactions"]) != 2 {
		t.Fatalf("expected all records, got %+v", body)
	}

	found := false
	for _, route := range env.observer.routes {
		if route == "GET /api/v1/agents/{id}/transactions" {
			found = true
		}
	}
	if !found {
		t.Fatalf("route pattern not observed: %v", env.observer.routes)
	}
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handler := withContext(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestAuthAppliesToAPIOnly(t *testing.T) {
	h := NewRouter(Deps{
		Agents: newStubAgents(),
		Auth: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != "Bearer ok" {
					writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		Version: "test",
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health should stay open, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer ok")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestReasoningStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/reasoning", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d body %s", rec.Code, rec.Body.String())
	}
	body := decode[struct {
		DefaultProvider string   `json:"defaultProvider"`
		Clients         []string `json:"clients"`
	}](t, rec)
	if body.DefaultProvider != "anthropic" || len(body.Clients) != 1 || body.Clients[0] != "anthropic/claude" {
		t.Fatalf("unexpected reasoning status %+v", body)
	}

	h := NewRouter(Deps{Reasoning: stubReasoning{}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/reasoning", nil))
	unconfigured := decode[map[string]any](t, rr)
	if rr.Code != http.StatusOK || unconfigured["defaultProvider"] != "" || unconfigured["error"] == nil {
		t.Fatalf("unexpected unconfigured status %d %v", rr.Code, unconfigured)
	}
	if clients, ok := unconfigured["clients"].([]any); !ok || len(clients) != 0 {
		t.Fatalf("clients should be an empty list, got %v", unconfigured["clients"])
	}
}
