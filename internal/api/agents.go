package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Don-Vicks/karen/internal/agent"
	"github.com/Don-Vicks/karen/internal/audit"
	"github.com/Don-Vicks/karen/internal/guardrail"
	"github.com/Don-Vicks/karen/internal/orchestrator"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type agentsHandler struct {
	agents  AgentService
	history audit.History
}

// Create 处理 POST /api/v1/agents。
func (h *agentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "请求体解析失败")
		return
	}
	cfg, err := h.agents.CreateAgent(req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

// List 处理 GET /api/v1/agents。
func (h *agentsHandler) List(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": h.agents.ListAgents()})
}

// Get 处理 GET /api/v1/agents/{id}。
func (h *agentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK)(h.agents.GetAgent(chi.URLParam(r, "id")))
}

// Start 处理 POST /api/v1/agents/{id}/start。
func (h *agentsHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK)(h.agents.StartAgent(chi.URLParam(r, "id")))
}

// Stop 处理 POST /api/v1/agents/{id}/stop。
func (h *agentsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK)(h.agents.StopAgent(chi.URLParam(r, "id")))
}

// Pause 处理 POST /api/v1/agents/{id}/pause。
func (h *agentsHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK)(h.agents.PauseAgent(chi.URLParam(r, "id")))
}

// UpdateGuardrails 处理 PUT /api/v1/agents/{id}/guardrails，请求体中的非零字段覆盖当前配置。
func (h *agentsHandler) UpdateGuardrails(w http.ResponseWriter, r *http.Request) {
	var override guardrail.Config
	if err := readJSON(r, &override); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "请求体解析失败")
		return
	}
	h.respond(w, http.StatusOK)(h.agents.UpdateGuardrails(chi.URLParam(r, "id"), override))
}

// Remove 处理 DELETE /api/v1/agents/{id}。
func (h *agentsHandler) Remove(w http.ResponseWriter, r *http.Request) {
	if err := h.agents.RemoveAgent(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Memory 处理 GET /api/v1/agents/{id}/memory。
func (h *agentsHandler) Memory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.agents.Memory(chi.URLParam(r, "id"), limitParam(r, defaultListLimit, agent.DefaultMemoryCapacity))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memory": entries})
}

// Transactions 处理 GET /api/v1/agents/{id}/transactions，返回智能体账户的最近记录。
func (h *agentsHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.agents.GetAgent(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeTransactions(w, h.history, cfg.AccountID, limitParam(r, defaultListLimit, maxListLimit))
}

func (h *agentsHandler) respond(w http.ResponseWriter, status int) func(agent.Config, error) {
	return func(cfg agent.Config, err error) {
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, status, cfg)
	}
}

func writeTransactions(w http.ResponseWriter, history audit.History, accountID string, limit int) {
	if history == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "审计日志未初始化")
		return
	}
	records := history.RecentTransactions(accountID, limit)
	if records == nil {
		records = []audit.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": records})
}
