package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/Don-Vicks/karen/pkg/logger"
)

// Publisher 将审计条目转发到外部系统。
type Publisher interface {
	Publish(ctx context.Context, entry Entry) error
	Close() error
}

// Forwarder 订阅审计日志并异步投递给 Publisher，写入方不会被外部系统阻塞。
// 缓冲区满时丢弃条目并记录告警。
type Forwarder struct {
	pub     Publisher
	timeout time.Duration
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Entry
	cancel func()
	done   chan struct{}
	once   sync.Once
}

// Forward 将 pub 挂到审计日志上，返回的 Forwarder 需要在退出时关闭。
func Forward(l *Log, pub Publisher, buffer int) *Forwarder {
	if buffer <= 0 {
		buffer = 256
	}
	f := &Forwarder{
		pub:     pub,
		timeout: 3 * time.Second,
		log:     logger.Named("audit.mirror"),
		queue:   make(chan Entry, buffer),
		done:    make(chan struct{}),
	}
	f.cancel = l.Subscribe(f.enqueue)
	go f.run()
	return f
}

func (f *Forwarder) enqueue(entry Entry) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.queue <- entry:
	default:
		f.log.Warn("审计镜像缓冲区已满，丢弃条目", slog.String("category", string(entry.Category)))
	}
}

func (f *Forwarder) run() {
	defer close(f.done)
	for entry := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		if err := f.pub.Publish(ctx, entry); err != nil {
			f.log.Warn("审计镜像投递失败", slog.String("category", string(entry.Category)), slog.Any("error", err))
		}
		cancel()
	}
}

// Close 取消订阅，投递完缓冲区内的条目后关闭 Publisher。
func (f *Forwarder) Close() error {
	var err error
	f.once.Do(func() {
		f.cancel()
		f.mu.Lock()
		f.closed = true
		close(f.queue)
		f.mu.Unlock()
		<-f.done
		err = f.pub.Close()
	})
	return err
}

func encodeEntry(entry Entry) ([]byte, error) {
	body, err := json.Marshal(entry.payload())
	if err != nil {
		return nil, fmt.Errorf("encode audit entry: %w", err)
	}
	return body, nil
}

// RedisConfig 描述 Redis 镜像的连接参数。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	// Prefix 为频道前缀，实际频道为 <prefix>:<category>。
	Prefix string `json:"prefix" yaml:"prefix"`
}

// RedisMirror 通过 PUBLISH 转发审计条目。
type RedisMirror struct {
	client *redis.Client
	prefix string
}

var _ Publisher = (*RedisMirror)(nil)

// NewRedisMirror 创建 Redis 镜像并检查连接。
func NewRedisMirror(ctx context.Context, cfg RedisConfig) (*RedisMirror, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return newRedisMirror(client, cfg.Prefix), nil
}

func newRedisMirror(client *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "karen:audit"
	}
	return &RedisMirror{client: client, prefix: prefix}
}

// Channel 返回分类对应的频道名。
func (m *RedisMirror) Channel(cat Category) string {
	return m.prefix + ":" + string(cat)
}

// Publish 发布一条审计条目。
func (m *RedisMirror) Publish(ctx context.Context, entry Entry) error {
	body, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err := m.client.Publish(ctx, m.Channel(entry.Category), body).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (m *RedisMirror) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

// RabbitMQConfig 描述 RabbitMQ 镜像的连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// RabbitMQMirror 将审计条目发布到 topic exchange，路由键为分类名。
type RabbitMQMirror struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

var _ Publisher = (*RabbitMQMirror)(nil)

// NewRabbitMQMirror 连接 RabbitMQ 并声明 exchange。
func NewRabbitMQMirror(cfg RabbitMQConfig) (*RabbitMQMirror, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "karen.audit"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare rabbitmq exchange: %w", err)
	}
	return &RabbitMQMirror{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish 发布一条审计条目。amqp channel 不是并发安全的，因此加锁。
func (m *RabbitMQMirror) Publish(ctx context.Context, entry Entry) error {
	body, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch == nil {
		return errors.New("rabbitmq mirror closed")
	}
	return m.ch.PublishWithContext(ctx, m.exchange, string(entry.Category), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Close 关闭 channel 与连接。
func (m *RabbitMQMirror) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch != nil {
		_ = m.ch.Close()
		m.ch = nil
	}
	if m.conn != nil {
		err := m.conn.Close()
		m.conn = nil
		return err
	}
	return nil
}
