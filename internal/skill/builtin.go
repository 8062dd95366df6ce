package skill

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Don-Vicks/karen/internal/audit"
	xerrors "github.com/Don-Vicks/karen/internal/errors"
	"github.com/Don-Vicks/karen/internal/llm"
	"github.com/Don-Vicks/karen/internal/txn"
)

const (
	defaultHistoryLimit = 5
	maxHistoryLimit     = 20
)

// Builtins 返回内置技能。swap 与 stake 仅在提供了对应适配器时加入。
func Builtins(adapters Adapters) []Skill {
	skills := []Skill{
		CheckBalance(),
		TokenBalances(),
		Transfer(),
		RequestAirdrop(),
		TransactionHistory(),
		Wait(),
	}
	if adapters.Swap != nil {
		skills = append(skills, Swap())
	}
	if adapters.Stake != nil {
		skills = append(skills, Stake())
	}
	return skills
}

// RegisterBuiltins 将内置技能注册到 r。
func RegisterBuiltins(r *Registry, adapters Adapters) error {
	for _, s := range Builtins(adapters) {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func accountAddress(sc Context) (common.Address, error) {
	if sc.Accounts == nil {
		return common.Address{}, xerrors.New(xerrors.CodeInitializationFailure, "account resolver not configured")
	}
	return sc.Accounts.Address(sc.AccountID)
}

// CheckBalance 查询账户的原生币余额。
func CheckBalance() Skill {
	return Func{
		Tool: llm.Tool{
			Name:        "check_balance",
			Description: "Check the native coin balance of your wallet.",
		},
		Run: func(ctx context.Context, _ map[string]any, sc Context) (string, error) {
			addr, err := accountAddress(sc)
			if err != nil {
				return "", err
			}
			balance, err := sc.Ledger.Balance(ctx, addr)
			if err != nil {
				return "", xerrors.Wrap(xerrors.CodeExecutionFailed, err, "query balance")
			}
			return fmt.Sprintf("Balance: %g ETH (%s)", balance, addr.Hex()), nil
		},
	}
}

// TokenBalances 查询账户持有的代币。
func TokenBalances() Skill {
	return Func{
		Tool: llm.Tool{
			Name:        "get_token_balances",
			Description: "List the ERC20 token balances held by your wallet.",
		},
		Run: func(ctx context.Context, _ map[string]any, sc Context) (string, error) {
			addr, err := accountAddress(sc)
			if err != nil {
				return "", err
			}
			tokens, err := sc.Ledger.TokenBalances(ctx, addr)
			if err != nil {
				return "", xerrors.Wrap(xerrors.CodeExecutionFailed, err, "query token balances")
			}
			if len(tokens) == 0 {
				return "No token balances", nil
			}
			parts := make([]string, 0, len(tokens))
			for _, tb := range tokens {
				parts = append(parts, fmt.Sprintf("%s: %g (%s)", tb.Symbol, tb.Amount, tb.Token.Hex()))
			}
			return "Token balances: " + strings.Join(parts, ", "), nil
		},
	}
}

// Transfer 发起一笔原生币转账。
func Transfer() Skill {
	return Func{
		Tool: llm.Tool{
			Name:        "transfer",
			Description: "Send native coins from your wallet to another address. Subject to your guardrails.",
			Properties: map[string]llm.Property{
				"to":     {Type: "string", Description: "Destination address (0x-prefixed hex)"},
				"amount": {Type: "number", Description: "Amount in ETH"},
				"memo":   {Type: "string", Description: "Optional note stored with the record"},
			},
			Required: []string{"to", "amount"},
		},
		Run: func(ctx context.Context, params map[string]any, sc Context) (string, error) {
			to, err := stringParam(params, "to", true)
			if err != nil {
				return "", err
			}
			amount, err := numberParam(params, "amount", true, 0)
			if err != nil {
				return "", err
			}
			memo, err := stringParam(params, "memo", false)
			if err != nil {
				return "", err
			}
			rec, err := sc.Executor.Transfer(ctx, txn.TransferRequest{
				AccountID: sc.AccountID,
				AgentID:   sc.AgentID,
				To:        to,
				Amount:    amount,
				Memo:      memo,
			})
			if err != nil {
				return "", err
			}
			return Describe(fmt.Sprintf("Transfer of %g ETH to %s", amount, to), rec), nil
		},
	}
}

// RequestAirdrop 向水龙头申请测试币。
func RequestAirdrop() Skill {
	return Func{
		Tool: llm.Tool{
			Name:        "request_airdrop",
			Description: "Request test coins from the faucet (development chains only).",
			Properties: map[string]llm.Property{
				"amount": {Type: "number", Description: "Amount in ETH, defaults to the faucet amount"},
			},
		},
		Run: func(ctx context.Context, params map[string]any, sc Context) (string, error) {
			amount, err := numberParam(params, "amount", false, 0)
			if err != nil {
				return "", err
			}
			rec, err := sc.Executor.RequestFaucet(ctx, txn.FaucetRequest{
				AccountID: sc.AccountID,
				AgentID:   sc.AgentID,
				Amount:    amount,
			})
			if err != nil {
				return "", err
			}
			return Describe("Airdrop", rec), nil
		},
	}
}

// TransactionHistory 返回账户最近的交易记录。
func TransactionHistory() Skill {
	return Func{
		Tool: llm.Tool{
			Name:        "get_transaction_history",
			Description: "Show your most recent transaction records, newest first.",
			Properties: map[string]llm.Property{
				"limit": {Type: "integer", Description: fmt.Sprintf("Number of records (1-%d)", maxHistoryLimit)},
			},
		},
		Run: func(_ context.Context, params map[string]any, sc Context) (string, error) {
			if sc.History == nil {
				return "", xerrors.New(xerrors.CodeInitializationFailure, "transaction history not configured")
			}
			limit, err := numberParam(params, "limit", false, defaultHistoryLimit)
			if err != nil {
				return "", err
			}
			n := int(limit)
			if n <= 0 {
				n = defaultHistoryLimit
			}
			if n > maxHistoryLimit {
				n = maxHistoryLimit
			}
			records := sc.History.RecentTransactions(sc.AccountID, n)
			if len(records) == 0 {
				return "No transactions yet", nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Last %d transactions:", len(records))
			for _, rec := range records {
				fmt.Fprintf(&b, "\n- %s %s %s", rec.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), rec.Kind, rec.Status)
				if rec.Signature != "" {
					fmt.Fprintf(&b, " %s", rec.Signature)
				}
				if rec.Error != "" {
					fmt.Fprintf(&b, " (%s)", rec.Error)
				}
			}
			return b.String(), nil
		},
	}
}

// Wait 表示本轮不采取行动。
func Wait() Skill {
	return Func{
		Tool: llm.Tool{
			Name:        "wait",
			Description: "Do nothing this cycle.",
			Properties: map[string]llm.Property{
				"reason": {Type: "string", Description: "Why you are waiting"},
			},
		},
		Run: func(_ context.Context, params map[string]any, _ Context) (string, error) {
			reason, err := stringParam(params, "reason", false)
			if err != nil {
				return "", err
			}
			if reason == "" {
				return "Waiting", nil
			}
			return "Waiting: " + reason, nil
		},
	}
}

// Describe 将终态交易记录转换为结果文本。
func Describe(action string, rec *audit.TransactionRecord) string {
	if rec == nil {
		return action + " produced no record"
	}
	switch rec.Status {
	case audit.StatusConfirmed:
		return fmt.Sprintf("%s confirmed: %s", action, rec.Signature)
	case audit.StatusBlocked:
		return fmt.Sprintf("%s blocked by guardrails: %s", action, rec.Error)
	default:
		return fmt.Sprintf("%s failed: %s", action, rec.Error)
	}
}
