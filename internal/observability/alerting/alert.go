package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Don-Vicks/karen/internal/audit"
	xerrors "github.com/Don-Vicks/karen/internal/errors"
	"github.com/Don-Vicks/karen/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelWebhook Channel = "webhook"
	ChannelSlack   Channel = "slack"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	AgentID    string            `json:"agentId,omitempty"`
	AccountID  string            `json:"accountId,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher，nil 通知器被忽略。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set = append(set, n)
		}
	}
	return &FanoutDispatcher{notifiers: set}
}

// Len 返回已注册的通知器数量。
func (d *FanoutDispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.notifiers)
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// WebhookNotifier 以 JSON 形式 POST 告警。Slack 为 true 时发送 Slack incoming webhook 的 {"text"} 格式。
type WebhookNotifier struct {
	URL    string
	Slack  bool
	Client *http.Client
}

// Channel 返回渠道类型。
func (n *WebhookNotifier) Channel() Channel {
	if n != nil && n.Slack {
		return ChannelSlack
	}
	return ChannelWebhook
}

// Notify 发送告警。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || strings.TrimSpace(n.URL) == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("agent_id", event.AgentID))
		return nil
	}
	var payload any = event
	if n.Slack {
		payload = map[string]string{"text": formatText(event)}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("alert webhook returned %s", resp.Status)
	}
	return nil
}

func formatText(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*[%s]* %s - %s", event.Severity, event.Code, event.Message)
	if event.AgentID != "" {
		fmt.Fprintf(&b, "\n智能体: %s", event.AgentID)
	}
	if event.AccountID != "" {
		fmt.Fprintf(&b, "\n账户: %s", event.AccountID)
	}
	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %s", k, event.Metadata[k])
	}
	return b.String()
}

// severityRank 用于比较严重程度。
func severityRank(s xerrors.Severity) int {
	switch s {
	case xerrors.SeverityCritical:
		return 2
	case xerrors.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// FromEntry 将审计条目转换为告警事件。只有智能体故障与失败或被拒绝的交易会产生告警。
func FromEntry(entry audit.Entry) (Event, bool) {
	switch {
	case entry.Event != nil && entry.Event.Type == "agent.error":
		evt := entry.Event
		message, _ := evt.Data["error"].(string)
		meta := map[string]string{}
		if cycle, ok := evt.Data["cycle"]; ok {
			meta["cycle"] = fmt.Sprint(cycle)
		}
		return Event{
			Code:       xerrors.CodeLoopFault,
			Message:    nonEmpty(message, "agent loop stopped"),
			Severity:   xerrors.SeverityCritical,
			AgentID:    evt.AgentID,
			AccountID:  evt.AccountID,
			Metadata:   meta,
			OccurredAt: evt.Timestamp,
		}, true
	case entry.Transaction != nil:
		rec := entry.Transaction
		var code xerrors.Code
		switch rec.Status {
		case audit.StatusFailed:
			code = xerrors.CodeExecutionFailed
		case audit.StatusBlocked:
			code = xerrors.CodePolicyBlocked
		default:
			return Event{}, false
		}
		return Event{
			Code:      code,
			Message:   nonEmpty(rec.Error, string(rec.Status)),
			Severity:  xerrors.AttributesOf(code).Severity,
			AgentID:   rec.AgentID,
			AccountID: rec.AccountID,
			Metadata: map[string]string{
				"transaction_id": rec.ID,
				"kind":           string(rec.Kind),
				"rules":          strings.Join(rec.GuardrailsApplied, ","),
			},
			OccurredAt: rec.Timestamp,
		}, true
	default:
		return Event{}, false
	}
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// Alerter 将审计条目过滤为告警并交给 Dispatcher。实现 audit.Publisher，
// 因此可以通过 audit.Forward 异步挂到审计日志上。
type Alerter struct {
	dispatcher  Dispatcher
	minSeverity xerrors.Severity
}

var _ audit.Publisher = (*Alerter)(nil)

// NewAlerter 创建告警器，低于 minSeverity 的事件被忽略，空值表示 warning。
func NewAlerter(d Dispatcher, minSeverity xerrors.Severity) *Alerter {
	if minSeverity == "" {
		minSeverity = xerrors.SeverityWarning
	}
	return &Alerter{dispatcher: d, minSeverity: minSeverity}
}

// Publish 转换并发送一条审计条目。
func (a *Alerter) Publish(ctx context.Context, entry audit.Entry) error {
	event, ok := FromEntry(entry)
	if !ok || severityRank(event.Severity) < severityRank(a.minSeverity) {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	return a.dispatcher.Notify(ctx, event)
}

// Close 实现 audit.Publisher。
func (a *Alerter) Close() error { return nil }
