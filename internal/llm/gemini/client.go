// Package gemini 使用 google.golang.org/genai 实现推理客户端。
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/Don-Vicks/karen/internal/llm"
)

const defaultModel = "gemini-2.0-flash"

// Config 描述 Gemini 客户端的配置。
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// Client 调用 Gemini GenerateContent 接口。SDK 客户端在首次调用时创建。
type Client struct {
	cfg   Config
	model string

	once    sync.Once
	client  *genai.Client
	initErr error
}

var _ llm.Client = (*Client)(nil)

// NewClient 创建 Gemini 客户端。
func NewClient(cfg Config) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, errors.New("未提供 Gemini API Key")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	return &Client{cfg: cfg, model: model}, nil
}

// Name 返回提供方名称。
func (c *Client) Name() string {
	return string(llm.ProviderGemini)
}

func (c *Client) sdk(ctx context.Context) (*genai.Client, error) {
	c.once.Do(func() {
		cc := &genai.ClientConfig{
			APIKey:     c.cfg.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: c.cfg.HTTPClient,
		}
		if c.cfg.BaseURL != "" {
			cc.HTTPOptions = genai.HTTPOptions{BaseURL: c.cfg.BaseURL}
		}
		c.client, c.initErr = genai.NewClient(ctx, cc)
	})
	if c.initErr != nil {
		return nil, fmt.Errorf("create gemini client: %w", c.initErr)
	}
	return c.client, nil
}

// Complete 调用 GenerateContent 并解析文本与函数调用。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	client, err := c.sdk(ctx)
	if err != nil {
		return nil, err
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == llm.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: msg.Content}}})
	}

	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.MaxTokensOrDefault()),
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		config.Temperature = &temp
	}
	if system := strings.TrimSpace(req.System); system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(req.Tools))
		for i, tool := range req.Tools {
			props := make(map[string]*genai.Schema, len(tool.Properties))
			for name, prop := range tool.Properties {
				props[name] = toSchema(prop)
			}
			decls[i] = &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters: &genai.Schema{
					Type:       genai.TypeObject,
					Properties: props,
					Required:   tool.Required,
				},
			}
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	result, err := client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	if result == nil {
		return nil, errors.New("gemini generate: empty response")
	}

	out := &llm.Response{Text: strings.TrimSpace(result.Text())}
	for _, call := range result.FunctionCalls() {
		id := call.ID
		if id == "" {
			id = call.Name
		}
		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: id, Name: call.Name, Arguments: args})
	}
	return out, nil
}

func toSchema(p llm.Property) *genai.Schema {
	schema := &genai.Schema{Description: p.Description, Enum: p.Enum}
	switch p.Type {
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if p.Items != nil {
			schema.Items = toSchema(*p.Items)
		}
	case "object":
		schema.Type = genai.TypeObject
	default:
		schema.Type = genai.TypeString
	}
	return schema
}
