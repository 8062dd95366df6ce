package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited 在调用下游客户端前等待令牌。多个客户端可以共享同一个 limiter。
type RateLimited struct {
	next    Client
	limiter *rate.Limiter
}

var _ Client = (*RateLimited)(nil)

// NewRateLimited 包装 next，limiter 为空时不限流。
func NewRateLimited(next Client, limiter *rate.Limiter) *RateLimited {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &RateLimited{next: next, limiter: limiter}
}

// PerMinute 创建每分钟 n 次的限流器，n <= 0 表示不限流。
func PerMinute(n int) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
}

// Name 返回下游客户端的名称。
func (r *RateLimited) Name() string {
	return r.next.Name()
}

// Complete 等待令牌后转发请求，ctx 取消时立即返回。
func (r *RateLimited) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s rate limit: %w", r.next.Name(), err)
	}
	return r.next.Complete(ctx, req)
}
