package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	xerrors "github.com/Don-Vicks/karen/internal/errors"
	"github.com/Don-Vicks/karen/internal/ledger"
)

const indexFile = "accounts.json"

// Account 是受托管的链上身份，地址创建后不可变。
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Config 描述加密密钥库的位置与口令。
type Config struct {
	Dir        string
	Passphrase string
	// LightScrypt 使用低成本的 scrypt 参数，仅用于测试与开发。
	LightScrypt bool
}

// Signers 为生命周期引擎提供一次性签名能力。
type Signers interface {
	Signer(ctx context.Context, accountID string, chainID *big.Int) (ledger.SignFunc, common.Address, error)
}

// Keystore 基于 go-ethereum 加密密钥库管理账户，并用 JSON 索引保存名称与标签。
type Keystore struct {
	ks         *keystore.KeyStore
	passphrase string
	indexPath  string

	mu       sync.RWMutex
	accounts map[string]Account
}

var _ Signers = (*Keystore)(nil)

// Open 打开或创建密钥库目录。
func Open(cfg Config) (*Keystore, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "keystore directory is required")
	}
	if cfg.Passphrase == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "keystore passphrase is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create keystore directory")
	}

	scryptN, scryptP := keystore.StandardScryptN, keystore.StandardScryptP
	if cfg.LightScrypt {
		scryptN, scryptP = keystore.LightScryptN, keystore.LightScryptP
	}

	k := &Keystore{
		ks:         keystore.NewKeyStore(filepath.Join(cfg.Dir, "keys"), scryptN, scryptP),
		passphrase: cfg.Passphrase,
		indexPath:  filepath.Join(cfg.Dir, indexFile),
		accounts:   make(map[string]Account),
	}
	if err := k.loadIndex(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *Keystore) loadIndex() error {
	content, err := os.ReadFile(k.indexPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "read account index")
	}
	var list []Account
	if err := json.Unmarshal(content, &list); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode account index")
	}
	for _, acct := range list {
		k.accounts[acct.ID] = acct
	}
	return nil
}

// saveIndex 需在持有写锁时调用。
func (k *Keystore) saveIndex() error {
	list := k.sortedLocked()
	content, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode account index")
	}
	tmp := k.indexPath + ".tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write account index")
	}
	if err := os.Rename(tmp, k.indexPath); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "replace account index")
	}
	return nil
}

// CreateAccount 生成新密钥并登记账户。
func (k *Keystore) CreateAccount(name string, tags []string) (Account, error) {
	acct, err := k.ks.NewAccount(k.passphrase)
	if err != nil {
		return Account{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "generate account key")
	}
	return k.register(name, tags, acct)
}

// ImportKey 导入已有私钥，主要用于开发链上的预置资金账户。
func (k *Keystore) ImportKey(name string, tags []string, key *ecdsa.PrivateKey) (Account, error) {
	acct, err := k.ks.ImportECDSA(key, k.passphrase)
	if err != nil {
		if errors.Is(err, keystore.ErrAccountAlreadyExists) {
			return Account{}, xerrors.Wrap(xerrors.CodeConflict, err, "account already imported")
		}
		return Account{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "import account key")
	}
	return k.register(name, tags, acct)
}

func (k *Keystore) register(name string, tags []string, acct accounts.Account) (Account, error) {
	record := Account{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		Address:   acct.Address.Hex(),
		Tags:      append([]string(nil), tags...),
		CreatedAt: time.Now().UTC(),
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.accounts[record.ID] = record
	if err := k.saveIndex(); err != nil {
		delete(k.accounts, record.ID)
		_ = k.ks.Delete(acct, k.passphrase)
		return Account{}, err
	}
	return record, nil
}

// Get 返回账户信息，未知 id 返回 NOT_FOUND。
func (k *Keystore) Get(id string) (Account, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	acct, ok := k.accounts[id]
	if !ok {
		return Account{}, notFound(id)
	}
	return acct, nil
}

// Address 返回账户的公开地址。
func (k *Keystore) Address(id string) (common.Address, error) {
	acct, err := k.Get(id)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(acct.Address), nil
}

// List 按创建时间返回全部账户。
func (k *Keystore) List() []Account {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sortedLocked()
}

func (k *Keystore) sortedLocked() []Account {
	list := make([]Account, 0, len(k.accounts))
	for _, acct := range k.accounts {
		list = append(list, acct)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Delete 删除账户及其密钥文件。
func (k *Keystore) Delete(id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	acct, ok := k.accounts[id]
	if !ok {
		return notFound(id)
	}
	if err := k.ks.Delete(accounts.Account{Address: common.HexToAddress(acct.Address)}, k.passphrase); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete account key")
	}
	delete(k.accounts, id)
	return k.saveIndex()
}

// Signer 返回只能使用一次的签名能力。
func (k *Keystore) Signer(ctx context.Context, accountID string, chainID *big.Int) (ledger.SignFunc, common.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, common.Address{}, xerrors.Wrap(xerrors.CodeTimeout, err, "resolve signer")
	}
	addr, err := k.Address(accountID)
	if err != nil {
		return nil, common.Address{}, err
	}
	target := accounts.Account{Address: addr}
	if !k.ks.HasAddress(addr) {
		return nil, common.Address{}, xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("key material for account %s is missing", accountID))
	}

	var used atomic.Bool
	id := new(big.Int).Set(chainID)
	sign := func(tx *types.Transaction) (*types.Transaction, error) {
		if !used.CompareAndSwap(false, true) {
			return nil, xerrors.New(xerrors.CodeExecutionFailed, "signing capability already used",
				xerrors.WithRetryable(false))
		}
		signed, err := k.ks.SignTxWithPassphrase(target, k.passphrase, tx, id)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "sign transaction")
		}
		return signed, nil
	}
	return sign, addr, nil
}

func notFound(id string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("account %s not found", id),
		xerrors.WithMetadata("account_id", id))
}
