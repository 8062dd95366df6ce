package skill

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/Don-Vicks/karen/internal/errors"
	"github.com/Don-Vicks/karen/internal/ledger"
	"github.com/Don-Vicks/karen/internal/llm"
	"github.com/Don-Vicks/karen/internal/txn"
)

// Instructions 是协议适配器构造出的一组待执行调用。
type Instructions struct {
	Description string
	Calls       []ledger.Call
	// Amount 为计入护栏的消费额，为 0 时取调用附带的原生币总额。
	Amount      float64
	Destination string
	Details     map[string]any
}

// SwapRequest 描述一次兑换。
type SwapRequest struct {
	From        common.Address
	TokenIn     string
	TokenOut    string
	Amount      float64
	SlippageBps int
}

// StakeRequest 描述一次质押。
type StakeRequest struct {
	From      common.Address
	Validator string
	Amount    float64
}

// SwapBuilder 由外部协议适配器实现。
type SwapBuilder interface {
	BuildSwap(ctx context.Context, req SwapRequest) (Instructions, error)
}

// StakeBuilder 由外部协议适配器实现。
type StakeBuilder interface {
	BuildStake(ctx context.Context, req StakeRequest) (Instructions, error)
}

// Adapters 汇总可用的协议适配器。
type Adapters struct {
	Swap  SwapBuilder
	Stake StakeBuilder
}

// Swap 通过兑换适配器交换代币。
func Swap() Skill {
	return Func{
		Tool: llm.Tool{
			Name:        "swap",
			Description: "Swap one token for another through the configured exchange adapter.",
			Properties: map[string]llm.Property{
				"token_in":     {Type: "string", Description: "Token to sell (symbol or address, ETH for native)"},
				"token_out":    {Type: "string", Description: "Token to buy (symbol or address)"},
				"amount":       {Type: "number", Description: "Amount of token_in to sell"},
				"slippage_bps": {Type: "integer", Description: "Maximum slippage in basis points, default 50"},
			},
			Required: []string{"token_in", "token_out", "amount"},
		},
		Run: func(ctx context.Context, params map[string]any, sc Context) (string, error) {
			if sc.Adapters.Swap == nil {
				return "", xerrors.New(xerrors.CodeInitializationFailure, "swap adapter not configured")
			}
			tokenIn, err := stringParam(params, "token_in", true)
			if err != nil {
				return "", err
			}
			tokenOut, err := stringParam(params, "token_out", true)
			if err != nil {
				return "", err
			}
			amount, err := numberParam(params, "amount", true, 0)
			if err != nil {
				return "", err
			}
			slippage, err := numberParam(params, "slippage_bps", false, 50)
			if err != nil {
				return "", err
			}
			from, err := accountAddress(sc)
			if err != nil {
				return "", err
			}
			ins, err := sc.Adapters.Swap.BuildSwap(ctx, SwapRequest{
				From:        from,
				TokenIn:     tokenIn,
				TokenOut:    tokenOut,
				Amount:      amount,
				SlippageBps: int(slippage),
			})
			if err != nil {
				return "", xerrors.Wrap(xerrors.CodeExecutionFailed, err, "build swap")
			}
			return execute(ctx, sc, fmt.Sprintf("Swap of %g %s to %s", amount, tokenIn, tokenOut), ins)
		},
	}
}

// Stake 通过质押适配器质押原生币。
func Stake() Skill {
	return Func{
		Tool: llm.Tool{
			Name:        "stake",
			Description: "Stake native coins with a validator through the configured staking adapter.",
			Properties: map[string]llm.Property{
				"validator": {Type: "string", Description: "Validator or pool identifier"},
				"amount":    {Type: "number", Description: "Amount in ETH"},
			},
			Required: []string{"validator", "amount"},
		},
		Run: func(ctx context.Context, params map[string]any, sc Context) (string, error) {
			if sc.Adapters.Stake == nil {
				return "", xerrors.New(xerrors.CodeInitializationFailure, "stake adapter not configured")
			}
			validator, err := stringParam(params, "validator", true)
			if err != nil {
				return "", err
			}
			amount, err := numberParam(params, "amount", true, 0)
			if err != nil {
				return "", err
			}
			from, err := accountAddress(sc)
			if err != nil {
				return "", err
			}
			ins, err := sc.Adapters.Stake.BuildStake(ctx, StakeRequest{From: from, Validator: validator, Amount: amount})
			if err != nil {
				return "", xerrors.Wrap(xerrors.CodeExecutionFailed, err, "build stake")
			}
			return execute(ctx, sc, fmt.Sprintf("Stake of %g ETH with %s", amount, validator), ins)
		},
	}
}

func execute(ctx context.Context, sc Context, action string, ins Instructions) (string, error) {
	description := ins.Description
	if description == "" {
		description = action
	}
	rec, err := sc.Executor.ExecuteInstructions(ctx, txn.InstructionsRequest{
		AccountID:   sc.AccountID,
		AgentID:     sc.AgentID,
		Description: description,
		Calls:       ins.Calls,
		Amount:      ins.Amount,
		Destination: ins.Destination,
		Details:     ins.Details,
	})
	if err != nil {
		return "", err
	}
	return Describe(action, rec), nil
}
