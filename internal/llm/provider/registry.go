// Package provider 根据配置创建并缓存推理客户端。
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Don-Vicks/karen/internal/config"
	"github.com/Don-Vicks/karen/internal/llm"
	"github.com/Don-Vicks/karen/internal/llm/anthropic"
	"github.com/Don-Vicks/karen/internal/llm/compat"
	"github.com/Don-Vicks/karen/internal/llm/gemini"
	"github.com/Don-Vicks/karen/internal/llm/openai"
)

// Factory 为某个提供方创建客户端，model 为空时使用配置中的模型。
type Factory func(cfg config.ProviderConfig, model string) (llm.Client, error)

// Observer 接收每次推理调用的耗时与结果。
type Observer interface {
	ObserveReasoning(provider string, err error, d time.Duration)
}

type key struct {
	provider llm.Provider
	model    string
}

// Registry 按 (provider, model) 缓存客户端，同一提供方的客户端共享限流器。
type Registry struct {
	cfg       config.LLMConfig
	factories map[llm.Provider]Factory
	observer  Observer

	mu       sync.Mutex
	clients  map[key]llm.Client
	limiters map[llm.Provider]*rate.Limiter
}

// Option 定义注册表的可选配置。
type Option func(*Registry)

// WithFactory 替换某个提供方的构造函数。
func WithFactory(p llm.Provider, f Factory) Option {
	return func(r *Registry) {
		if f != nil {
			r.factories[p] = f
		}
	}
}

// WithObserver 设置推理调用的观察者。
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// NewRegistry 创建注册表。
func NewRegistry(cfg config.LLMConfig, opts ...Option) *Registry {
	r := &Registry{
		cfg:       cfg,
		factories: defaultFactories(),
		clients:   make(map[key]llm.Client),
		limiters:  make(map[llm.Provider]*rate.Limiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func defaultFactories() map[llm.Provider]Factory {
	compatFactory := func(p llm.Provider) Factory {
		return func(cfg config.ProviderConfig, model string) (llm.Client, error) {
			return compat.NewClient(compat.Config{
				Provider: p,
				APIKey:   cfg.APIKey,
				BaseURL:  cfg.BaseURL,
				Model:    model,
				Timeout:  cfg.Timeout(),
			})
		}
	}
	return map[llm.Provider]Factory{
		llm.ProviderOpenAI: func(cfg config.ProviderConfig, model string) (llm.Client, error) {
			return openai.NewClient(openai.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: model})
		},
		llm.ProviderAnthropic: func(cfg config.ProviderConfig, model string) (llm.Client, error) {
			return anthropic.NewClient(anthropic.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: model})
		},
		llm.ProviderGemini: func(cfg config.ProviderConfig, model string) (llm.Client, error) {
			return gemini.NewClient(gemini.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: model})
		},
		llm.ProviderGrok:   compatFactory(llm.ProviderGrok),
		llm.ProviderOllama: compatFactory(llm.ProviderOllama),
	}
}

// Client 返回指定提供方与模型的客户端，首次调用时创建。
func (r *Registry) Client(p llm.Provider, model string) (llm.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的推理客户端注册表")
	}
	settings, ok := r.cfg.Provider(p)
	if !ok {
		return nil, fmt.Errorf("unsupported llm provider %q", p)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = settings.Model
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{provider: p, model: model}
	if client, ok := r.clients[k]; ok {
		return client, nil
	}
	factory, ok := r.factories[p]
	if !ok {
		return nil, fmt.Errorf("no factory for llm provider %q", p)
	}
	inner, err := factory(settings, model)
	if err != nil {
		return nil, fmt.Errorf("初始化推理服务 %s 失败: %w", p, err)
	}

	limiter, ok := r.limiters[p]
	if !ok {
		limiter = llm.PerMinute(settings.RequestsPerMinute)
		r.limiters[p] = limiter
	}
	var client llm.Client = llm.NewRateLimited(inner, limiter)
	if r.observer != nil {
		client = &observed{next: client, observer: r.observer}
	}
	r.clients[k] = client
	return client, nil
}

// DefaultProvider 返回配置的默认提供方；未配置时选择第一个填写了 API Key 的提供方。
func (r *Registry) DefaultProvider() (llm.Provider, error) {
	if r == nil {
		return "", errors.New("未初始化的推理客户端注册表")
	}
	if r.cfg.DefaultProvider != "" {
		return llm.ParseProvider(r.cfg.DefaultProvider)
	}
	for _, p := range llm.Providers() {
		if settings, _ := r.cfg.Provider(p); settings.APIKey != "" {
			return p, nil
		}
	}
	return "", errors.New("未配置任何推理服务")
}

// Cached 返回已创建的客户端标识，按字典序排列。
func (r *Registry) Cached() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.clients))
	for k := range r.clients {
		names = append(names, string(k.provider)+"/"+k.model)
	}
	sort.Strings(names)
	return names
}

type observed struct {
	next     llm.Client
	observer Observer
}

func (o *observed) Name() string {
	return o.next.Name()
}

func (o *observed) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	start := time.Now()
	resp, err := o.next.Complete(ctx, req)
	o.observer.ObserveReasoning(o.next.Name(), err, time.Since(start))
	return resp, err
}
