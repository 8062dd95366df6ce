// Package anthropic 使用 anthropic-sdk-go 的 Messages API 实现推理客户端。
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Don-Vicks/karen/internal/llm"
)

const defaultModel = "claude-3-5-haiku-latest"

// Config 描述 Anthropic 客户端的配置。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Options []option.RequestOption
}

// Client 调用 Anthropic Messages API。
type Client struct {
	client anthropic.Client
	model  string
}

var _ llm.Client = (*Client)(nil)

// NewClient 创建 Anthropic 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Anthropic API Key")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	opts = append(opts, cfg.Options...)
	return &Client{client: anthropic.NewClient(opts...), model: model}, nil
}

// Name 返回提供方名称。
func (c *Client) Name() string {
	return string(llm.ProviderAnthropic)
}

// Complete 发送消息并解析文本块与 tool_use 块。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(msg.Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
		})
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokensOrDefault()),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system, Type: "text"}}
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			param := anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: tool.PropertySchemas(),
				Required:   tool.Required,
			}, tool.Name)
			if param.OfTool != nil && tool.Description != "" {
				param.OfTool.Description = anthropic.String(tool.Description)
			}
			tools = append(tools, param)
		}
		params.Tools = tools
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}
	if resp == nil {
		return nil, errors.New("anthropic messages: empty response")
	}

	out := &llm.Response{}
	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			use := block.AsToolUse()
			args, err := llm.DecodeArguments(use.Input)
			if err != nil {
				return nil, fmt.Errorf("anthropic tool call %s: %w", use.Name, err)
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: use.ID, Name: use.Name, Arguments: args})
		}
	}
	out.Text = strings.TrimSpace(text.String())
	return out, nil
}
