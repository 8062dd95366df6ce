package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Don-Vicks/karen/internal/audit"
	xerrors "github.com/Don-Vicks/karen/internal/errors"
	"github.com/Don-Vicks/karen/internal/ledger"
	"github.com/Don-Vicks/karen/internal/txn"
	"github.com/Don-Vicks/karen/internal/wallet"
)

type walletsHandler struct {
	wallets    WalletService
	agents     AgentService
	txns       txn.Executor
	history    audit.History
	ledger     ledger.Reader
	guardrails GuardrailReader
}

type createWalletRequest struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

type transferRequest struct {
	To     string  `json:"to"`
	Amount float64 `json:"amount"`
	Memo   string  `json:"memo"`
}

type airdropRequest struct {
	Amount float64 `json:"amount"`
}

// Create 处理 POST /api/v1/wallets。
func (h *walletsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createWalletRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "请求体解析失败")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_argument", "name is required")
		return
	}
	acct, err := h.wallets.CreateAccount(req.Name, req.Tags)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// List 处理 GET /api/v1/wallets。
func (h *walletsHandler) List(w http.ResponseWriter, _ *http.Request) {
	accounts := h.wallets.List()
	if accounts == nil {
		accounts = []wallet.Account{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallets": accounts})
}

// Get 处理 GET /api/v1/wallets/{id}。
func (h *walletsHandler) Get(w http.ResponseWriter, r *http.Request) {
	acct, err := h.wallets.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// Delete 处理 DELETE /api/v1/wallets/{id}。仍被智能体使用的账户不能删除。
func (h *walletsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.agents != nil {
		for _, cfg := range h.agents.ListAgents() {
			if cfg.AccountID == id {
				writeServiceError(w, xerrors.Newf(xerrors.CodeConflict, "wallet %s is used by agent %s", id, cfg.ID))
				return
			}
		}
	}
	if err := h.wallets.Delete(id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Balance 处理 GET /api/v1/wallets/{id}/balance。
func (h *walletsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "账本未初始化")
		return
	}
	addr, err := h.wallets.Address(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	balance, err := h.ledger.Balance(r.Context(), addr)
	if err != nil {
		writeError(w, http.StatusBadGateway, "ledger_unavailable", err.Error())
		return
	}
	tokens, err := h.ledger.TokenBalances(r.Context(), addr)
	if err != nil {
		writeError(w, http.StatusBadGateway, "ledger_unavailable", err.Error())
		return
	}
	if tokens == nil {
		tokens = []ledger.TokenBalance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address": addr.Hex(),
		"balance": balance,
		"tokens":  tokens,
	})
}

// Guardrails 处理 GET /api/v1/wallets/{id}/guardrails，返回配置与当前消费窗口。
func (h *walletsHandler) Guardrails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.wallets.Get(id); err != nil {
		writeServiceError(w, err)
		return
	}
	if h.guardrails == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "护栏引擎未初始化")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config": h.guardrails.Config(id),
		"window": h.guardrails.Window(id),
	})
}

// Transfer 处理 POST /api/v1/wallets/{id}/transfer。护栏拒绝与执行失败同样以终态记录返回。
func (h *walletsHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAccount(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "请求体解析失败")
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, "invalid_argument", "to is required")
		return
	}
	rec, err := h.txns.Transfer(r.Context(), txn.TransferRequest{
		AccountID: id,
		To:        req.To,
		Amount:    req.Amount,
		Memo:      req.Memo,
	})
	writeRecord(w, rec, err)
}

// Airdrop 处理 POST /api/v1/wallets/{id}/airdrop，请求体可省略。
func (h *walletsHandler) Airdrop(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAccount(w, r)
	if !ok {
		return
	}
	var req airdropRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "请求体解析失败")
			return
		}
	}
	rec, err := h.txns.RequestFaucet(r.Context(), txn.FaucetRequest{AccountID: id, Amount: req.Amount})
	writeRecord(w, rec, err)
}

// Transactions 处理 GET /api/v1/wallets/{id}/transactions。
func (h *walletsHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.wallets.Get(id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeTransactions(w, h.history, id, limitParam(r, defaultListLimit, maxListLimit))
}

func (h *walletsHandler) requireAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.txns == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "交易引擎未初始化")
		return "", false
	}
	id := chi.URLParam(r, "id")
	if _, err := h.wallets.Get(id); err != nil {
		writeServiceError(w, err)
		return "", false
	}
	return id, true
}

// writeRecord 只要存在终态记录就返回记录本身。
func writeRecord(w http.ResponseWriter, rec *audit.TransactionRecord, err error) {
	if rec != nil {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	if err == nil {
		err = xerrors.New(xerrors.CodeUnknown, "transaction produced no record")
	}
	writeServiceError(w, err)
}
