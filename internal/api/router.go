package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Don-Vicks/karen/internal/agent"
	"github.com/Don-Vicks/karen/internal/audit"
	"github.com/Don-Vicks/karen/internal/guardrail"
	"github.com/Don-Vicks/karen/internal/ledger"
	"github.com/Don-Vicks/karen/internal/llm"
	"github.com/Don-Vicks/karen/internal/orchestrator"
	"github.com/Don-Vicks/karen/internal/txn"
	"github.com/Don-Vicks/karen/internal/wallet"
	"github.com/Don-Vicks/karen/pkg/logger"
)

// AgentService 是智能体管理接口，由 orchestrator.Orchestrator 实现。
type AgentService interface {
	CreateAgent(req orchestrator.CreateRequest) (agent.Config, error)
	StartAgent(id string) (agent.Config, error)
	StopAgent(id string) (agent.Config, error)
	PauseAgent(id string) (agent.Config, error)
	GetAgent(id string) (agent.Config, error)
	ListAgents() []agent.Config
	UpdateGuardrails(id string, override guardrail.Config) (agent.Config, error)
	RemoveAgent(ctx context.Context, id string) error
	Memory(id string, limit int) ([]agent.MemoryEntry, error)
}

// WalletService 是账户管理接口，由 wallet.Keystore 实现。
type WalletService interface {
	CreateAccount(name string, tags []string) (wallet.Account, error)
	Get(id string) (wallet.Account, error)
	Address(id string) (common.Address, error)
	List() []wallet.Account
	Delete(id string) error
}

// GuardrailReader 返回账户当前的护栏配置与消费窗口。
type GuardrailReader interface {
	Config(accountID string) guardrail.Config
	Window(accountID string) guardrail.SpendWindow
}

// ReasoningStatus 报告推理服务的默认提供方与已创建的客户端，由 provider.Registry 实现。
type ReasoningStatus interface {
	DefaultProvider() (llm.Provider, error)
	Cached() []string
}

// RequestObserver 接收每个 HTTP 请求的统计。
type RequestObserver interface {
	ObserveHTTPRequest(method, route string, status int, d time.Duration)
}

// Deps 汇总路由依赖的服务。
type Deps struct {
	Agents       AgentService
	Wallets      WalletService
	Transactions txn.Executor
	History      audit.History
	Ledger       ledger.Reader
	Guardrails   GuardrailReader
	Reasoning    ReasoningStatus
	Metrics      http.Handler
	Observer     RequestObserver

	// Auth 仅作用于 /api/v1，/health 与 /metrics 保持开放。
	Auth    func(http.Handler) http.Handler
	Version string
}

// NewRouter 构建全部路由与中间件。
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(logger.Named("http"), deps.Observer))

	agents := &agentsHandler{agents: deps.Agents, history: deps.History}
	wallets := &walletsHandler{
		wallets:    deps.Wallets,
		agents:     deps.Agents,
		txns:       deps.Transactions,
		history:    deps.History,
		ledger:     deps.Ledger,
		guardrails: deps.Guardrails,
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": deps.Version})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api/v1", func(ar chi.Router) {
		if deps.Auth != nil {
			ar.Use(deps.Auth)
		}
		ar.Route("/agents", func(ag chi.Router) {
			ag.Post("/", agents.Create)
			ag.Get("/", agents.List)
			ag.Get("/{id}", agents.Get)
			ag.Delete("/{id}", agents.Remove)
			ag.Post("/{id}/start", agents.Start)
			ag.Post("/{id}/stop", agents.Stop)
			ag.Post("/{id}/pause", agents.Pause)
			ag.Put("/{id}/guardrails", agents.UpdateGuardrails)
			ag.Get("/{id}/memory", agents.Memory)
			ag.Get("/{id}/transactions", agents.Transactions)
		})
		ar.Route("/wallets", func(wr chi.Router) {
			wr.Post("/", wallets.Create)
			wr.Get("/", wallets.List)
			wr.Get("/{id}", wallets.Get)
			wr.Delete("/{id}", wallets.Delete)
			wr.Get("/{id}/balance", wallets.Balance)
			wr.Get("/{id}/guardrails", wallets.Guardrails)
			wr.Post("/{id}/transfer", wallets.Transfer)
			wr.Post("/{id}/airdrop", wallets.Airdrop)
			wr.Get("/{id}/transactions", wallets.Transactions)
		})
		ar.Get("/reasoning", func(w http.ResponseWriter, _ *http.Request) {
			writeReasoning(w, deps.Reasoning)
		})
		ar.Get("/transactions", func(w http.ResponseWriter, r *http.Request) {
			writeTransactions(w, deps.History, "", limitParam(r, defaultListLimit, maxListLimit))
		})
	})
	return r
}

// requestLogger 记录每个请求并按路由模式统计指标。
func requestLogger(log *slog.Logger, observer RequestObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)
			log.Info("http request",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", status),
				slog.Int64("duration_ms", elapsed.Milliseconds()),
				slog.String("request_id", chimw.GetReqID(r.Context())))
			if observer != nil {
				observer.ObserveHTTPRequest(r.Method, route, status, elapsed)
			}
		})
	}
}

// writeReasoning 返回默认提供方与已缓存的 provider/model 客户端。
func writeReasoning(w http.ResponseWriter, status ReasoningStatus) {
	if status == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "推理服务未初始化")
		return
	}
	clients := status.Cached()
	if clients == nil {
		clients = []string{}
	}
	body := map[string]any{"clients": clients}
	if p, err := status.DefaultProvider(); err != nil {
		body["defaultProvider"] = ""
		body["error"] = err.Error()
	} else {
		body["defaultProvider"] = string(p)
	}
	writeJSON(w, http.StatusOK, body)
}
