package txn

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/Don-Vicks/karen/internal/audit"
	xerrors "github.com/Don-Vicks/karen/internal/errors"
	"github.com/Don-Vicks/karen/internal/guardrail"
	"github.com/Don-Vicks/karen/internal/ledger"
	"github.com/Don-Vicks/karen/pkg/logger"
)

const defaultFaucetAmount = 1.0

// Accounts 是生命周期引擎依赖的账户协作方。
type Accounts interface {
	Signer(ctx context.Context, accountID string, chainID *big.Int) (ledger.SignFunc, common.Address, error)
	Address(accountID string) (common.Address, error)
}

// Guard 是原子预占护栏额度的接口。
type Guard interface {
	Reserve(accountID string, amount float64, programIDs []string, destination string) (guardrail.Decision, *guardrail.Reservation)
}

// Recorder 接收终态记录，用于指标统计。
type Recorder interface {
	ObserveTransaction(kind, status string)
}

// Executor 是技能与 API 层使用的交易入口。
type Executor interface {
	Transfer(ctx context.Context, req TransferRequest) (*audit.TransactionRecord, error)
	ExecuteInstructions(ctx context.Context, req InstructionsRequest) (*audit.TransactionRecord, error)
	RequestFaucet(ctx context.Context, req FaucetRequest) (*audit.TransactionRecord, error)
}

// TransferRequest 描述一笔原生币转账。
type TransferRequest struct {
	AccountID string
	AgentID   string
	To        string
	Amount    float64
	Memo      string
}

// InstructionsRequest 描述由外部构造器生成的一组调用。
type InstructionsRequest struct {
	AccountID   string
	AgentID     string
	Description string
	Calls       []ledger.Call
	// Amount 为护栏计入的消费额，为 0 时取调用附带的原生币总额。
	Amount      float64
	Destination string
	Details     map[string]any
}

// FaucetRequest 描述一次水龙头领取。
type FaucetRequest struct {
	AccountID string
	AgentID   string
	Amount    float64
}

// Engine 驱动单次交易尝试走完 validate → build → sign → submit → confirm。
// 护栏拒绝与执行失败都会变成终态记录，只有签名方不可用时返回错误。
type Engine struct {
	guard    Guard
	ledger   ledger.Client
	accounts Accounts
	sink     audit.Sink
	recorder Recorder
	log      *slog.Logger
	now      func() time.Time

	faucetAmount float64

	// senders 串行化同一发送地址的 Prepare → Submit，保证 nonce 不冲突。
	sendersMu sync.Mutex
	senders   map[common.Address]*sync.Mutex
}

var _ Executor = (*Engine)(nil)

// Option 定义生命周期引擎的可选配置。
type Option func(*Engine)

// WithRecorder 注册终态指标回调。
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithClock 替换记录时间戳的时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithFaucetAmount 设置未指定数量时的水龙头领取额。
func WithFaucetAmount(amount float64) Option {
	return func(e *Engine) {
		if amount > 0 {
			e.faucetAmount = amount
		}
	}
}

// NewEngine 创建生命周期引擎，账本连接由调用方持有并负责关闭。
func NewEngine(guard Guard, client ledger.Client, accounts Accounts, sink audit.Sink, opts ...Option) *Engine {
	e := &Engine{
		guard:        guard,
		ledger:       client,
		accounts:     accounts,
		sink:         sink,
		log:          logger.Named("txn"),
		now:          time.Now,
		faucetAmount: defaultFaucetAmount,
		senders:      make(map[common.Address]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// attempt 汇总一次交易尝试在各阶段之间传递的数据。
type attempt struct {
	rec         *audit.TransactionRecord
	amount      float64
	programIDs  []string
	destination string
	calls       []ledger.Call
	buildErr    error
}

// Transfer 执行原生币转账。
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (*audit.TransactionRecord, error) {
	details := map[string]any{"to": req.To, "amount": detailAmount(req.Amount)}
	if req.Memo != "" {
		details["memo"] = req.Memo
	}
	at := e.begin(audit.KindTransfer, req.AccountID, req.AgentID, details)
	at.amount = req.Amount
	at.programIDs = []string{ledger.SystemProgram}
	at.destination = req.To

	switch {
	case !ledger.IsAddress(req.To):
		at.buildErr = xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid destination address %q", req.To))
	case !guardrail.ValidAmount(req.Amount) || req.Amount == 0:
		at.buildErr = xerrors.New(xerrors.CodeInvalidArgument, "transfer amount must be a positive finite number")
	default:
		at.calls = []ledger.Call{{To: common.HexToAddress(req.To), Value: ledger.ToWei(req.Amount)}}
	}
	return e.execute(ctx, at)
}

// ExecuteInstructions 执行预先构造好的一组调用，每个调用对应一笔交易。
func (e *Engine) ExecuteInstructions(ctx context.Context, req InstructionsRequest) (*audit.TransactionRecord, error) {
	details := make(map[string]any, len(req.Details)+2)
	for k, v := range req.Details {
		details[k] = v
	}
	if req.Description != "" {
		details["description"] = req.Description
	}
	details["calls"] = len(req.Calls)

	at := e.begin(audit.KindInstructions, req.AccountID, req.AgentID, details)
	at.amount = req.Amount
	if at.amount == 0 {
		at.amount = ledger.TotalValue(req.Calls)
	}
	at.programIDs = ledger.ProgramIDs(req.Calls)
	at.destination = req.Destination
	at.calls = req.Calls
	if len(req.Calls) == 0 {
		at.buildErr = xerrors.New(xerrors.CodeInvalidArgument, "instruction set is empty")
	}
	return e.execute(ctx, at)
}

// RequestFaucet 从水龙头领取测试币。消费额计为 0，仍受频率限制。
func (e *Engine) RequestFaucet(ctx context.Context, req FaucetRequest) (*audit.TransactionRecord, error) {
	amount := req.Amount
	if !guardrail.ValidAmount(amount) || amount == 0 {
		amount = e.faucetAmount
	}
	at := e.begin(audit.KindFaucet, req.AccountID, req.AgentID, map[string]any{"amount": amount})
	at.programIDs = []string{ledger.SystemProgram}

	res, ok := e.validate(at)
	if !ok {
		return e.finish(at.rec), nil
	}

	addr, err := e.accounts.Address(req.AccountID)
	if err != nil {
		res.Release()
		return e.signerFault(at.rec, err)
	}
	at.rec.Details["address"] = addr.Hex()

	hash, err := e.ledger.Faucet(ctx, addr, amount)
	if err == nil {
		_, err = e.ledger.Confirm(ctx, hash)
	}
	if err != nil {
		res.Release()
		return e.fail(at.rec, err), nil
	}
	res.Commit()
	return e.confirm(at.rec, []common.Hash{hash}), nil
}

func (e *Engine) begin(kind audit.TransactionKind, accountID, agentID string, details map[string]any) *attempt {
	return &attempt{rec: &audit.TransactionRecord{
		ID:        uuid.NewString(),
		AccountID: accountID,
		AgentID:   agentID,
		Kind:      kind,
		Status:    audit.StatusPending,
		Details:   details,
		Timestamp: e.now().UTC(),
	}}
}

func (e *Engine) validate(at *attempt) (*guardrail.Reservation, bool) {
	decision, res := e.guard.Reserve(at.rec.AccountID, at.amount, at.programIDs, at.destination)
	at.rec.GuardrailsApplied = append([]string(nil), decision.RulesApplied...)
	if !decision.Allowed {
		at.rec.Status = audit.StatusBlocked
		at.rec.Error = decision.Reason
		return nil, false
	}
	return res, true
}

func (e *Engine) execute(ctx context.Context, at *attempt) (*audit.TransactionRecord, error) {
	res, ok := e.validate(at)
	if !ok {
		return e.finish(at.rec), nil
	}
	if at.buildErr != nil {
		res.Release()
		return e.fail(at.rec, at.buildErr), nil
	}

	chainID, err := e.ledger.ChainID(ctx)
	if err != nil {
		res.Release()
		return e.fail(at.rec, err), nil
	}

	signers := make([]ledger.SignFunc, 0, len(at.calls))
	var from common.Address
	for range at.calls {
		sign, addr, err := e.accounts.Signer(ctx, at.rec.AccountID, chainID)
		if err != nil {
			res.Release()
			return e.signerFault(at.rec, err)
		}
		signers = append(signers, sign)
		from = addr
	}

	hashes, err := e.submit(ctx, from, at.calls, signers)
	if err != nil {
		res.Release()
		return e.fail(at.rec, err), nil
	}
	for _, hash := range hashes {
		if _, err := e.ledger.Confirm(ctx, hash); err != nil {
			// 超时的交易已广播，仍可能上链，额度保持占用。
			if xerrors.IsCode(err, xerrors.CodeTimeout) {
				res.Commit()
			} else {
				res.Release()
			}
			at.rec.Details["submitted"] = hashStrings(hashes)
			return e.fail(at.rec, err), nil
		}
	}

	res.Commit()
	return e.confirm(at.rec, hashes), nil
}

// submit 在发送地址锁内完成构造、签名与广播。
func (e *Engine) submit(ctx context.Context, from common.Address, calls []ledger.Call, signers []ledger.SignFunc) ([]common.Hash, error) {
	unlock := e.lockSender(from)
	defer unlock()

	txs, err := e.ledger.Prepare(ctx, from, calls)
	if err != nil {
		return nil, err
	}
	signed := make([]*types.Transaction, len(txs))
	for i, tx := range txs {
		if signed[i], err = signers[i](tx); err != nil {
			return nil, err
		}
	}
	return e.ledger.Submit(ctx, signed)
}

func (e *Engine) lockSender(from common.Address) func() {
	e.sendersMu.Lock()
	mu, ok := e.senders[from]
	if !ok {
		mu = &sync.Mutex{}
		e.senders[from] = mu
	}
	e.sendersMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// detailAmount 保证记录可以编码为 JSON。
func detailAmount(amount float64) any {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return fmt.Sprint(amount)
	}
	return amount
}

func (e *Engine) confirm(rec *audit.TransactionRecord, hashes []common.Hash) *audit.TransactionRecord {
	rec.Status = audit.StatusConfirmed
	rec.Signature = hashes[len(hashes)-1].Hex()
	if len(hashes) > 1 {
		rec.Details["signatures"] = hashStrings(hashes)
	}
	return e.finish(rec)
}

func (e *Engine) fail(rec *audit.TransactionRecord, err error) *audit.TransactionRecord {
	rec.Status = audit.StatusFailed
	rec.Error = errorMessage(err)
	return e.finish(rec)
}

// signerFault 写入失败记录，并把错误交给调用方处理。
func (e *Engine) signerFault(rec *audit.TransactionRecord, err error) (*audit.TransactionRecord, error) {
	e.fail(rec, err)
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeExecutionFailed
	}
	return rec, xerrors.Wrap(code, err, "resolve signing capability",
		xerrors.WithSeverity(xerrors.SeverityCritical),
		xerrors.WithRetryable(false),
		xerrors.WithMetadata("account_id", rec.AccountID),
		xerrors.WithMetadata("tx_id", rec.ID))
}

// finish 是唯一的持久化步骤：追加审计记录并发出生命周期事件。
func (e *Engine) finish(rec *audit.TransactionRecord) *audit.TransactionRecord {
	if err := e.sink.AppendTransaction(*rec); err != nil {
		e.log.Error("写入交易审计失败", slog.String("tx_id", rec.ID), slog.Any("error", err))
	}

	data := map[string]any{"id": rec.ID, "kind": string(rec.Kind)}
	if rec.Signature != "" {
		data["signature"] = rec.Signature
	}
	if rec.Error != "" {
		data["error"] = rec.Error
	}
	evt := audit.Event{
		Type:      "transaction." + string(rec.Status),
		AgentID:   rec.AgentID,
		AccountID: rec.AccountID,
		Data:      data,
		Timestamp: e.now().UTC(),
	}
	if err := e.sink.AppendEvent(evt); err != nil {
		e.log.Error("写入交易事件失败", slog.String("tx_id", rec.ID), slog.Any("error", err))
	}

	if e.recorder != nil {
		e.recorder.ObserveTransaction(string(rec.Kind), string(rec.Status))
	}

	attrs := []any{
		slog.String("tx_id", rec.ID),
		slog.String("account_id", rec.AccountID),
		slog.String("kind", string(rec.Kind)),
		slog.String("status", string(rec.Status)),
	}
	switch rec.Status {
	case audit.StatusConfirmed:
		e.log.Info("交易已确认", append(attrs, slog.String("signature", rec.Signature))...)
	case audit.StatusBlocked:
		e.log.Info("交易被护栏拦截", append(attrs, slog.String("reason", rec.Error))...)
	default:
		e.log.Warn("交易失败", append(attrs, slog.String("error", rec.Error))...)
	}
	return rec
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return "unknown error"
}

func hashStrings(hashes []common.Hash) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.Hex()
	}
	return out
}
