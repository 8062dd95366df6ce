package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultMaxTokens 为未指定输出上限时使用的默认值。
const DefaultMaxTokens = 1024

// Role 表示消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 是对话中的一条消息，系统提示词单独放在 Request.System 中。
type Message struct {
	Role    Role
	Content string
}

// Property 描述工具参数的一个字段。
type Property struct {
	Type        string
	Description string
	Enum        []string
	Items       *Property
}

// JSONSchema 返回字段的 JSON Schema 表示。
func (p Property) JSONSchema() map[string]any {
	schema := map[string]any{"type": p.Type}
	if p.Description != "" {
		schema["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		schema["enum"] = p.Enum
	}
	if p.Type == "array" && p.Items != nil {
		schema["items"] = p.Items.JSONSchema()
	}
	return schema
}

// Tool 是提供给大模型的可调用工具描述。
type Tool struct {
	Name        string
	Description string
	Properties  map[string]Property
	Required    []string
}

// PropertySchemas 返回各字段的 JSON Schema。
func (t Tool) PropertySchemas() map[string]any {
	props := make(map[string]any, len(t.Properties))
	for name, prop := range t.Properties {
		props[name] = prop.JSONSchema()
	}
	return props
}

// JSONSchema 返回工具参数的 object schema。
func (t Tool) JSONSchema() map[string]any {
	required := t.Required
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": t.PropertySchemas(),
		"required":   required,
	}
}

// Request 描述一次推理请求。
type Request struct {
	System      string
	Messages    []Message
	Tools       []Tool
	MaxTokens   int
	Temperature float64
}

// MaxTokensOrDefault 返回有效的输出上限。
func (r Request) MaxTokensOrDefault() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return DefaultMaxTokens
}

// ToolCall 是模型选择的一次工具调用。
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Response 是推理结果。ToolCalls 可能为空，也可能有多个。
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Provider 标识推理服务提供方。
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
	ProviderGrok      Provider = "grok"
	ProviderOllama    Provider = "ollama"
)

// Providers 返回支持的全部提供方。
func Providers() []Provider {
	return []Provider{ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderGrok, ProviderOllama}
}

// ParseProvider 将字符串解析为 Provider，忽略大小写与首尾空白。
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Providers() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unsupported llm provider %q", s)
}

// DecodeArguments 解析工具调用参数，空输入返回空 map。
func DecodeArguments(raw []byte) (map[string]any, error) {
	args := map[string]any{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
