package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/Don-Vicks/karen/internal/agent"
	"github.com/Don-Vicks/karen/internal/api"
	"github.com/Don-Vicks/karen/internal/audit"
	"github.com/Don-Vicks/karen/internal/auth"
	"github.com/Don-Vicks/karen/internal/config"
	xerrors "github.com/Don-Vicks/karen/internal/errors"
	"github.com/Don-Vicks/karen/internal/guardrail"
	"github.com/Don-Vicks/karen/internal/ledger"
	"github.com/Don-Vicks/karen/internal/ledger/ethereum"
	"github.com/Don-Vicks/karen/internal/llm/provider"
	"github.com/Don-Vicks/karen/internal/observability/alerting"
	"github.com/Don-Vicks/karen/internal/observability/metrics"
	"github.com/Don-Vicks/karen/internal/orchestrator"
	"github.com/Don-Vicks/karen/internal/skill"
	"github.com/Don-Vicks/karen/internal/txn"
	"github.com/Don-Vicks/karen/internal/wallet"
	"github.com/Don-Vicks/karen/pkg/logger"
)

// devPassphrase 仅在 simulated 模式未配置口令时使用。
const devPassphrase = "karen-dev"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 API 服务与智能体编排器",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(config.ResolvePath(cfgFile))
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("karend")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	m := metrics.New()

	passphrase := cfg.Keystore.Passphrase
	if passphrase == "" {
		if cfg.Ledger.Mode != "simulated" {
			return errors.New("keystore.passphrase 或 keystore.passphrase_env 必须配置")
		}
		log.Warn("未配置密钥库口令，使用开发口令")
		passphrase = devPassphrase
	}
	keys, err := wallet.Open(wallet.Config{
		Dir:         cfg.Keystore.Dir,
		Passphrase:  passphrase,
		LightScrypt: cfg.Keystore.LightScrypt,
	})
	if err != nil {
		return err
	}

	chain, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	defer chain.Close()

	auditLog, err := audit.Open(cfg.Audit.Dir,
		audit.WithRotation(cfg.Audit.Rotation),
		audit.WithHistoryDepth(cfg.Audit.HistoryDepth))
	if err != nil {
		return err
	}
	defer func() {
		if err := auditLog.Close(); err != nil {
			log.Warn("关闭审计日志失败", slog.Any("error", err))
		}
	}()
	for _, fwd := range startMirrors(ctx, cfg.Audit, auditLog, log) {
		defer func(f *audit.Forwarder) { _ = f.Close() }(fwd)
	}
	if fwd := startAlerting(cfg.Alerting, auditLog, cfg.Audit.MirrorBuffer, log); fwd != nil {
		defer func() { _ = fwd.Close() }()
	}

	guard := guardrail.NewEngine(cfg.Agent.Guardrails, guardrail.WithObserver(func(_ string, d guardrail.Decision) {
		m.ObserveGuardrail(d.Allowed, d.FailedRule)
	}))
	engine := txn.NewEngine(guard, chain, keys, auditLog,
		txn.WithRecorder(m),
		txn.WithFaucetAmount(cfg.Ledger.FaucetAmount))

	var adapters skill.Adapters
	skills := skill.NewRegistry()
	if err := skill.RegisterBuiltins(skills, adapters); err != nil {
		return err
	}

	reasoners := provider.NewRegistry(cfg.LLM, provider.WithObserver(m))
	orch := orchestrator.New(orchestrator.Deps{
		Accounts:  keys,
		Guard:     guard,
		Reasoners: reasoners,
		Skills:    skills,
		Executor:  engine,
		Ledger:    chain,
		Addresses: keys,
		History:   auditLog,
		Adapters:  adapters,
		Memory:    agent.NewMemory(cfg.Agent.MemoryDepth),
		Audit:     auditLog,
	},
		orchestrator.WithDefaults(cfg.Agent.Guardrails, cfg.Agent.LoopInterval()),
		orchestrator.WithMaxTokens(cfg.LLM.MaxTokens),
		orchestrator.WithMetrics(m, m),
	)

	authn := auth.NewService(cfg.Server.APITokens)
	if !authn.Enabled() {
		log.Warn("未配置 API Token，REST 接口不做认证")
	}

	server := api.NewServer(api.ServerConfig{
		Address:      cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
	}, api.Deps{
		Agents:       orch,
		Wallets:      keys,
		Transactions: engine,
		History:      auditLog,
		Ledger:       chain,
		Guardrails:   guard,
		Reasoning:    reasoners,
		Metrics:      m.Handler(),
		Observer:     m,
		Auth:         authn.Middleware(),
		Version:      version,
	})

	log.Info("karend 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("ledger_mode", cfg.Ledger.Mode),
		slog.String("version", version))
	serveErr := server.Start(ctx)

	// 等待进行中的确认完成，最长为一个确认超时。
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Ledger.ConfirmTimeout()+5*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error("停止智能体超时", slog.Any("error", err))
	}
	log.Info("karend 已退出")

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

// loadConfig 读取配置文件，默认路径不存在时使用内置默认值。
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == config.DefaultPath && errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default(".")
		return cfg, cfg.Validate()
	}
	return nil, err
}

// openLedger 按模式连接节点或启动进程内开发链。
func openLedger(ctx context.Context, cfg config.LedgerConfig) (ledger.Client, error) {
	tokens := make([]ethereum.Token, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		if !ledger.IsAddress(t.Address) {
			return nil, fmt.Errorf("无效的代币地址 %q", t.Address)
		}
		tokens = append(tokens, ethereum.Token{Address: common.HexToAddress(t.Address), Symbol: t.Symbol})
	}
	ethCfg := ethereum.Config{
		RPCURL:         cfg.RPCURL,
		BatchRPCURL:    cfg.BatchRPCURL,
		ConfirmTimeout: cfg.ConfirmTimeout(),
		PollInterval:   cfg.PollInterval(),
		FaucetKey:      cfg.FaucetKey,
		Tokens:         tokens,
	}
	if cfg.Mode == "rpc" {
		client, err := ethereum.Dial(ctx, ethCfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	// simulated 模式下水龙头账户在创世块中预先注资。
	var key *ecdsa.PrivateKey
	var err error
	if ethCfg.FaucetKey != "" {
		key, err = crypto.HexToECDSA(trimHex(ethCfg.FaucetKey))
	} else {
		key, err = crypto.GenerateKey()
	}
	if err != nil {
		return nil, fmt.Errorf("准备水龙头密钥失败: %w", err)
	}
	ethCfg.FaucetKey = hex.EncodeToString(crypto.FromECDSA(key))
	funding := new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1e18))
	sim, err := ethereum.NewSimulated(map[common.Address]*big.Int{
		crypto.PubkeyToAddress(key.PublicKey): funding,
	}, ethCfg)
	if err != nil {
		return nil, err
	}
	return sim, nil
}

func trimHex(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}

// startMirrors 连接已配置的审计镜像，连接失败只记录告警。
func startMirrors(ctx context.Context, cfg config.AuditConfig, l *audit.Log, log *slog.Logger) []*audit.Forwarder {
	var forwarders []*audit.Forwarder
	if cfg.Redis != nil {
		mirror, err := audit.NewRedisMirror(ctx, *cfg.Redis)
		if err != nil {
			log.Warn("Redis 审计镜像不可用", slog.Any("error", err))
		} else {
			forwarders = append(forwarders, audit.Forward(l, mirror, cfg.MirrorBuffer))
			log.Info("已启用 Redis 审计镜像", slog.String("address", cfg.Redis.Address))
		}
	}
	if cfg.RabbitMQ != nil {
		mirror, err := audit.NewRabbitMQMirror(*cfg.RabbitMQ)
		if err != nil {
			log.Warn("RabbitMQ 审计镜像不可用", slog.Any("error", err))
		} else {
			forwarders = append(forwarders, audit.Forward(l, mirror, cfg.MirrorBuffer))
			log.Info("已启用 RabbitMQ 审计镜像")
		}
	}
	if cfg.MySQL != nil {
		mirror, err := audit.NewMySQLMirror(ctx, *cfg.MySQL)
		if err != nil {
			log.Warn("MySQL 审计镜像不可用", slog.Any("error", err))
		} else {
			forwarders = append(forwarders, audit.Forward(l, mirror, cfg.MirrorBuffer))
			log.Info("已启用 MySQL 审计镜像")
		}
	}
	return forwarders
}

// startAlerting 在配置了推送地址时把审计日志接到告警渠道。
func startAlerting(cfg config.AlertingConfig, l *audit.Log, buffer int, log *slog.Logger) *audit.Forwarder {
	if !cfg.Enabled() {
		return nil
	}
	client := &http.Client{Timeout: cfg.Timeout()}
	var notifiers []alerting.Notifier
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL, Client: client})
	}
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.SlackWebhookURL, Slack: true, Client: client})
	}
	fanout := alerting.NewFanout(notifiers...)
	log.Info("已启用告警推送",
		slog.Int("channels", fanout.Len()),
		slog.String("min_severity", cfg.MinSeverity))
	return audit.Forward(l, alerting.NewAlerter(fanout, xerrors.Severity(cfg.MinSeverity)), buffer)
}
