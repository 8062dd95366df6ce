package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Don-Vicks/karen/internal/audit"
	"github.com/Don-Vicks/karen/internal/auth"
	"github.com/Don-Vicks/karen/internal/guardrail"
	"github.com/Don-Vicks/karen/internal/llm"
	"github.com/Don-Vicks/karen/pkg/logger"
)

// DefaultPath 为未指定时使用的配置文件路径。
const DefaultPath = "configs/karen.json"

// EnvPath 为覆盖配置文件路径的环境变量。
const EnvPath = "KAREN_CONFIG"

// Config 描述了 karen 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Log      logger.Config  `json:"log" yaml:"log"`
	Ledger   LedgerConfig   `json:"ledger" yaml:"ledger"`
	Keystore KeystoreConfig `json:"keystore" yaml:"keystore"`
	LLM      LLMConfig      `json:"llm" yaml:"llm"`
	Agent    AgentConfig    `json:"agent" yaml:"agent"`
	Audit    AuditConfig    `json:"audit" yaml:"audit"`
	Alerting AlertingConfig `json:"alerting" yaml:"alerting"`
	Runtime  RuntimeConfig  `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address             string `json:"address" yaml:"address"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	// APITokens 为空时 REST 接口不做认证。
	APITokens []auth.TokenConfig `json:"api_tokens" yaml:"api_tokens"`
}

// ReadTimeout 返回读超时。
func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout 返回写超时。
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

// TokenConfig 描述需要查询余额的 ERC20 代币。
type TokenConfig struct {
	Address string `json:"address" yaml:"address"`
	Symbol  string `json:"symbol" yaml:"symbol"`
}

// LedgerConfig 包含访问区块链节点所需的信息。
type LedgerConfig struct {
	// Mode 为 rpc 或 simulated，simulated 使用进程内的开发链。
	Mode                  string        `json:"mode" yaml:"mode"`
	RPCURL                string        `json:"rpc_url" yaml:"rpc_url"`
	BatchRPCURL           string        `json:"batch_rpc_url" yaml:"batch_rpc_url"`
	ConfirmTimeoutSeconds int           `json:"confirm_timeout_seconds" yaml:"confirm_timeout_seconds"`
	PollIntervalMillis    int           `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	FaucetKey             string        `json:"faucet_key" yaml:"faucet_key"`
	FaucetKeyEnv          string        `json:"faucet_key_env" yaml:"faucet_key_env"`
	FaucetAmount          float64       `json:"faucet_amount" yaml:"faucet_amount"`
	Tokens                []TokenConfig `json:"tokens" yaml:"tokens"`
}

// ConfirmTimeout 返回等待上链的超时时间。
func (l LedgerConfig) ConfirmTimeout() time.Duration {
	return time.Duration(l.ConfirmTimeoutSeconds) * time.Second
}

// PollInterval 返回查询回执的间隔。
func (l LedgerConfig) PollInterval() time.Duration {
	return time.Duration(l.PollIntervalMillis) * time.Millisecond
}

// KeystoreConfig 描述加密密钥库的位置与口令。
type KeystoreConfig struct {
	Dir           string `json:"dir" yaml:"dir"`
	Passphrase    string `json:"passphrase" yaml:"passphrase"`
	PassphraseEnv string `json:"passphrase_env" yaml:"passphrase_env"`
	LightScrypt   bool   `json:"light_scrypt" yaml:"light_scrypt"`
}

// ProviderConfig 描述单个推理服务提供方。
type ProviderConfig struct {
	APIKey            string `json:"api_key" yaml:"api_key"`
	APIKeyEnv         string `json:"api_key_env" yaml:"api_key_env"`
	BaseURL           string `json:"base_url" yaml:"base_url"`
	Model             string `json:"model" yaml:"model"`
	TimeoutSeconds    int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	RequestsPerMinute int    `json:"requests_per_minute" yaml:"requests_per_minute"`
}

// Timeout 返回请求超时。
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	DefaultProvider string         `json:"default_provider" yaml:"default_provider"`
	MaxTokens       int            `json:"max_tokens" yaml:"max_tokens"`
	OpenAI          ProviderConfig `json:"openai" yaml:"openai"`
	Anthropic       ProviderConfig `json:"anthropic" yaml:"anthropic"`
	Gemini          ProviderConfig `json:"gemini" yaml:"gemini"`
	Grok            ProviderConfig `json:"grok" yaml:"grok"`
	Ollama          ProviderConfig `json:"ollama" yaml:"ollama"`
}

// Provider 返回指定提供方的配置。
func (c LLMConfig) Provider(p llm.Provider) (ProviderConfig, bool) {
	switch p {
	case llm.ProviderOpenAI:
		return c.OpenAI, true
	case llm.ProviderAnthropic:
		return c.Anthropic, true
	case llm.ProviderGemini:
		return c.Gemini, true
	case llm.ProviderGrok:
		return c.Grok, true
	case llm.ProviderOllama:
		return c.Ollama, true
	default:
		return ProviderConfig{}, false
	}
}

// AgentConfig 提供新建智能体时的默认值。
type AgentConfig struct {
	LoopIntervalMillis int              `json:"loop_interval_ms" yaml:"loop_interval_ms"`
	MemoryDepth        int              `json:"memory_depth" yaml:"memory_depth"`
	Guardrails         guardrail.Config `json:"guardrails" yaml:"guardrails"`
}

// LoopInterval 返回默认的循环间隔。
func (a AgentConfig) LoopInterval() time.Duration {
	return time.Duration(a.LoopIntervalMillis) * time.Millisecond
}

// AuditConfig 描述审计日志的落盘与镜像。
type AuditConfig struct {
	Dir          string                `json:"dir" yaml:"dir"`
	HistoryDepth int                   `json:"history_depth" yaml:"history_depth"`
	Rotation     audit.Rotation        `json:"rotation" yaml:"rotation"`
	Redis        *audit.RedisConfig    `json:"redis,omitempty" yaml:"redis,omitempty"`
	RabbitMQ     *audit.RabbitMQConfig `json:"rabbitmq,omitempty" yaml:"rabbitmq,omitempty"`
	MySQL        *audit.MySQLConfig    `json:"mysql,omitempty" yaml:"mysql,omitempty"`
	MirrorBuffer int                   `json:"mirror_buffer" yaml:"mirror_buffer"`
}

// AlertingConfig 描述告警推送渠道。两个地址都为空时不启用告警。
type AlertingConfig struct {
	WebhookURL      string `json:"webhook_url" yaml:"webhook_url"`
	SlackWebhookURL string `json:"slack_webhook_url" yaml:"slack_webhook_url"`
	MinSeverity     string `json:"min_severity" yaml:"min_severity"`
	TimeoutSeconds  int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Enabled 判断是否配置了任一告警渠道。
func (a AlertingConfig) Enabled() bool {
	return strings.TrimSpace(a.WebhookURL) != "" || strings.TrimSpace(a.SlackWebhookURL) != ""
}

// Timeout 返回单次推送的超时。
func (a AlertingConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// ResolvePath 返回显式路径、环境变量或默认路径中的第一个非空值。
func ResolvePath(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 负责解析指定路径的配置文件，.yaml/.yml 按 YAML 解析，其余按 JSON。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回只包含默认值的配置，相对目录基于 baseDir。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	return &cfg
}

// Validate 检查取值之间的约束。
func (c *Config) Validate() error {
	switch c.Ledger.Mode {
	case "rpc":
		if strings.TrimSpace(c.Ledger.RPCURL) == "" {
			return errors.New("ledger.rpc_url is required in rpc mode")
		}
	case "simulated":
	default:
		return fmt.Errorf("unsupported ledger mode %q", c.Ledger.Mode)
	}
	if c.LLM.DefaultProvider != "" {
		if _, err := llm.ParseProvider(c.LLM.DefaultProvider); err != nil {
			return err
		}
	}
	if c.Agent.Guardrails.MaxPerTransaction < 0 || c.Agent.Guardrails.DailyCap < 0 || c.Agent.Guardrails.MaxTxPerMinute < 0 {
		return errors.New("agent.guardrails limits must not be negative")
	}
	switch c.Alerting.MinSeverity {
	case "info", "warning", "critical":
	default:
		return fmt.Errorf("unsupported alerting.min_severity %q", c.Alerting.MinSeverity)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 60
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Ledger.Mode == "" {
		if c.Ledger.RPCURL != "" {
			c.Ledger.Mode = "rpc"
		} else {
			c.Ledger.Mode = "simulated"
		}
	}
	if c.Ledger.ConfirmTimeoutSeconds <= 0 {
		c.Ledger.ConfirmTimeoutSeconds = 60
	}
	if c.Ledger.PollIntervalMillis <= 0 {
		c.Ledger.PollIntervalMillis = 1000
	}
	if c.Ledger.FaucetAmount <= 0 {
		c.Ledger.FaucetAmount = 1
	}
	if c.Ledger.FaucetKey == "" && c.Ledger.FaucetKeyEnv != "" {
		c.Ledger.FaucetKey = os.Getenv(c.Ledger.FaucetKeyEnv)
	}

	c.Keystore.Dir = c.resolveDir(baseDir, c.Keystore.Dir, "keystore")
	if c.Keystore.Passphrase == "" && c.Keystore.PassphraseEnv != "" {
		c.Keystore.Passphrase = os.Getenv(c.Keystore.PassphraseEnv)
	}

	c.Audit.Dir = c.resolveDir(baseDir, c.Audit.Dir, "audit")
	if c.Audit.HistoryDepth <= 0 {
		c.Audit.HistoryDepth = 100
	}
	if c.Audit.MirrorBuffer <= 0 {
		c.Audit.MirrorBuffer = 256
	}

	if c.Alerting.MinSeverity == "" {
		c.Alerting.MinSeverity = "warning"
	}
	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 10
	}

	if c.Agent.LoopIntervalMillis <= 0 {
		c.Agent.LoopIntervalMillis = 30_000
	}
	if c.Agent.MemoryDepth <= 0 {
		c.Agent.MemoryDepth = 100
	}
	c.Agent.Guardrails = guardrail.DefaultConfig().Merge(c.Agent.Guardrails)

	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = llm.DefaultMaxTokens
	}
	providers := map[string]*ProviderConfig{
		"OPENAI_API_KEY":    &c.LLM.OpenAI,
		"ANTHROPIC_API_KEY": &c.LLM.Anthropic,
		"GEMINI_API_KEY":    &c.LLM.Gemini,
		"XAI_API_KEY":       &c.LLM.Grok,
		"":                  &c.LLM.Ollama,
	}
	for env, p := range providers {
		if p.APIKeyEnv == "" {
			p.APIKeyEnv = env
		}
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
		}
		if p.TimeoutSeconds <= 0 {
			p.TimeoutSeconds = 60
		}
	}
}

// resolveDir 将相对目录解析到数据目录下，空值使用 fallback。
func (c *Config) resolveDir(baseDir, dir, fallback string) string {
	switch {
	case dir == "":
		return filepath.Join(c.Runtime.DataDir, fallback)
	case filepath.IsAbs(dir):
		return dir
	default:
		return filepath.Join(baseDir, dir)
	}
}
