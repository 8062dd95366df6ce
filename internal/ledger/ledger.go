package ledger

import (
	"context"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// SystemProgram 是原生转账在护栏白名单中的程序标识。
const SystemProgram = "system"

var weiPerEther = big.NewInt(1_000_000_000_000_000_000)

// Call 描述一笔待构造的链上调用。
type Call struct {
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value,omitempty"`
	Data  []byte         `json:"data,omitempty"`
}

// ProgramID 返回护栏使用的程序标识：纯转账为 system，合约调用为目标地址。
func (c Call) ProgramID() string {
	if len(c.Data) == 0 {
		return SystemProgram
	}
	return strings.ToLower(c.To.Hex())
}

// ProgramIDs 返回一组调用涉及的去重程序标识，保持出现顺序。
func ProgramIDs(calls []Call) []string {
	seen := make(map[string]struct{}, len(calls))
	ids := make([]string, 0, len(calls))
	for _, call := range calls {
		id := call.ProgramID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// TotalValue 汇总调用附带的原生币数量（单位 ether）。
func TotalValue(calls []Call) float64 {
	total := new(big.Int)
	for _, call := range calls {
		if call.Value != nil {
			total.Add(total, call.Value)
		}
	}
	return FromWei(total)
}

// TokenBalance 是单个 ERC20 代币的余额。
type TokenBalance struct {
	Token    common.Address `json:"token"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
	Amount   float64        `json:"amount"`
	Raw      string         `json:"raw"`
}

// SignFunc 对一笔交易签名。
type SignFunc func(tx *types.Transaction) (*types.Transaction, error)

// Reader 提供只读的账本查询。
type Reader interface {
	Balance(ctx context.Context, addr common.Address) (float64, error)
	TokenBalances(ctx context.Context, addr common.Address) ([]TokenBalance, error)
}

// Client 是生命周期引擎依赖的账本协作方。
type Client interface {
	Reader
	ChainID(ctx context.Context) (*big.Int, error)
	// Prepare 为 from 构造未签名交易，nonce 依次递增。
	Prepare(ctx context.Context, from common.Address, calls []Call) ([]*types.Transaction, error)
	// Submit 广播已签名交易并返回交易哈希。
	Submit(ctx context.Context, txs []*types.Transaction) ([]common.Hash, error)
	// Confirm 等待交易上链，回滚或超时返回错误。
	Confirm(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	// Faucet 从水龙头账户向 to 转账并返回交易哈希。
	Faucet(ctx context.Context, to common.Address, amount float64) (common.Hash, error)
	Close()
}

// ToWei 将 ether 数量按十进制表示精确转换为 wei，向零取整。
func ToWei(amount float64) *big.Int {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return new(big.Int)
	}
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(amount, 'f', -1, 64))
	if !ok {
		return new(big.Int)
	}
	r.Mul(r, new(big.Rat).SetInt(weiPerEther))
	return new(big.Int).Quo(r.Num(), r.Denom())
}

// FromWei 将 wei 转换为 ether。
func FromWei(wei *big.Int) float64 {
	return ScaleUnits(wei, 18)
}

// ScaleUnits 按 decimals 将代币最小单位转换为可读数量。
func ScaleUnits(raw *big.Int, decimals uint8) float64 {
	if raw == nil {
		return 0
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	value, _ := new(big.Rat).SetFrac(raw, scale).Float64()
	return value
}

// IsAddress 报告 s 是否为合法的十六进制地址。
func IsAddress(s string) bool {
	return common.IsHexAddress(strings.TrimSpace(s))
}
