package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/Don-Vicks/karen/internal/errors"
	"github.com/Don-Vicks/karen/internal/ledger"
)

const erc20ABIJSON = `[
 {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
 {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
 {"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
 {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// TokenBalances queries balanceOf for every configured token. Tokens whose
// contract call fails are skipped.
func (c *Client) TokenBalances(ctx context.Context, addr common.Address) ([]ledger.TokenBalance, error) {
	balances := make([]ledger.TokenBalance, 0, len(c.tokens))
	var lastErr error
	for _, token := range c.tokens {
		balance, err := c.tokenBalance(ctx, token, addr)
		if err != nil {
			lastErr = err
			continue
		}
		balances = append(balances, balance)
	}
	if len(balances) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return balances, nil
}

func (c *Client) tokenBalance(ctx context.Context, token Token, owner common.Address) (ledger.TokenBalance, error) {
	var raw *big.Int
	if err := c.callToken(ctx, token.Address, "balanceOf", &raw, owner); err != nil {
		return ledger.TokenBalance{}, err
	}
	var decimals uint8
	if err := c.callToken(ctx, token.Address, "decimals", &decimals); err != nil {
		return ledger.TokenBalance{}, err
	}
	symbol := token.Symbol
	if symbol == "" {
		if err := c.callToken(ctx, token.Address, "symbol", &symbol); err != nil {
			symbol = token.Address.Hex()
		}
	}
	return ledger.TokenBalance{
		Token:    token.Address,
		Symbol:   symbol,
		Decimals: decimals,
		Amount:   ledger.ScaleUnits(raw, decimals),
		Raw:      raw.String(),
	}, nil
}

func (c *Client) callToken(ctx context.Context, token common.Address, method string, out any, args ...any) error {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode "+method)
	}
	result, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExecutionFailed, err, method+" call failed")
	}
	values, err := erc20ABI.Unpack(method, result)
	if err != nil || len(values) == 0 {
		return xerrors.New(xerrors.CodeExecutionFailed, fmt.Sprintf("decode %s result from %s", method, token.Hex()))
	}
	switch dst := out.(type) {
	case **big.Int:
		v, ok := values[0].(*big.Int)
		if !ok {
			return xerrors.New(xerrors.CodeExecutionFailed, "unexpected "+method+" result type")
		}
		*dst = v
	case *uint8:
		v, ok := values[0].(uint8)
		if !ok {
			return xerrors.New(xerrors.CodeExecutionFailed, "unexpected "+method+" result type")
		}
		*dst = v
	case *string:
		v, ok := values[0].(string)
		if !ok {
			return xerrors.New(xerrors.CodeExecutionFailed, "unexpected "+method+" result type")
		}
		*dst = v
	}
	return nil
}

// TransferCall encodes an ERC20 transfer for use with the instructions path.
func TransferCall(token, to common.Address, amount *big.Int) (ledger.Call, error) {
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return ledger.Call{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode erc20 transfer")
	}
	return ledger.Call{To: token, Data: data}, nil
}
