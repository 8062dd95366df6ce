package audit

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type recordingPublisher struct {
	mu      sync.Mutex
	entries []Entry
	closed  bool
}

func (p *recordingPublisher) Publish(_ context.Context, entry Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, entry)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestForwarderDrainsOnClose(t *testing.T) {
	log := NewMemory()
	pub := &recordingPublisher{}
	fwd := Forward(log, pub, 16)

	for i := 0; i < 5; i++ {
		_ = log.AppendEvent(Event{Type: "tick", Timestamp: time.Now()})
	}
	if err := fwd.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = log.AppendEvent(Event{Type: "after-close"})

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.entries) != 5 || !pub.closed {
		t.Fatalf("expected 5 entries and closed publisher, got %d closed=%v", len(pub.entries), pub.closed)
	}
}

func TestEncodeEntryUsesRecordShape(t *testing.T) {
	body, err := encodeEntry(Entry{Category: CategoryTransaction, Transaction: &TransactionRecord{ID: "tx-1", Status: StatusBlocked, Error: "no"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["id"] != "tx-1" || decoded["status"] != "blocked" {
		t.Fatalf("unexpected body: %s", body)
	}
}

// 需要本地 Redis，设置 KAREN_TEST_REDIS_ADDR 后运行。
func TestRedisMirrorPublish(t *testing.T) {
	addr := os.Getenv("KAREN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("KAREN_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mirror, err := NewRedisMirror(ctx, RedisConfig{Address: addr, Prefix: "karen:test"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer mirror.Close()

	sub := redis.NewClient(&redis.Options{Addr: addr}).Subscribe(ctx, mirror.Channel(CategoryEvent))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := mirror.Publish(ctx, Entry{Category: CategoryEvent, Event: &Event{Type: "agent.started"}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var evt Event
	if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil || evt.Type != "agent.started" {
		t.Fatalf("unexpected payload %q: %v", msg.Payload, err)
	}
}
