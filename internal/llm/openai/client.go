// Package openai 使用官方 openai-go SDK 的 Responses API 实现推理客户端。
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/Don-Vicks/karen/internal/llm"
)

const defaultModel = "gpt-4o-mini"

// Config 描述 OpenAI 客户端的配置。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// Options 追加到 SDK 客户端上，测试中用于替换 HTTP 客户端。
	Options []option.RequestOption
}

// Client 通过 Responses API 调用 OpenAI。
type Client struct {
	client openai.Client
	model  string
}

var _ llm.Client = (*Client)(nil)

// NewClient 创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
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
	return &Client{client: openai.NewClient(opts...), model: model}, nil
}

// Name 返回提供方名称。
func (c *Client) Name() string {
	return string(llm.ProviderOpenAI)
}

// Complete 将对话拼接为单个输入文本，系统提示词放在 instructions 中。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(int64(req.MaxTokensOrDefault())),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(flatten(req.Messages))},
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.Instructions = openai.String(system)
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]responses.ToolUnionParam, len(req.Tools))
		for i, tool := range req.Tools {
			tools[i] = responses.ToolUnionParam{
				OfFunction: &responses.FunctionToolParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.JSONSchema()),
				},
			}
		}
		params.Tools = tools
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai responses: %w", err)
	}
	if resp == nil {
		return nil, errors.New("openai responses: empty response")
	}

	out := &llm.Response{Text: strings.TrimSpace(resp.OutputText())}
	for i := range resp.Output {
		item := &resp.Output[i]
		if item.Type != "function_call" {
			continue
		}
		call := item.AsFunctionCall()
		args, err := llm.DecodeArguments([]byte(call.Arguments))
		if err != nil {
			return nil, fmt.Errorf("openai tool call %s: %w", call.Name, err)
		}
		id := call.CallID
		if id == "" {
			id = call.ID
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: id, Name: call.Name, Arguments: args})
	}
	return out, nil
}

func flatten(messages []llm.Message) string {
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if msg.Role == llm.RoleAssistant {
			b.WriteString("Assistant: ")
		}
		b.WriteString(msg.Content)
	}
	return b.String()
}
