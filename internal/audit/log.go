package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Don-Vicks/karen/pkg/logger"
)

const (
	defaultHistoryDepth = 100
	globalHistoryDepth  = 1000
)

// Listener 在条目写入后被调用，panic 会被捕获并记录。
type Listener func(Entry)

// Sink 是审计日志对上层暴露的写入接口。
type Sink interface {
	AppendTransaction(rec TransactionRecord) error
	AppendDecision(rec DecisionRecord) error
	AppendEvent(evt Event) error
}

// History 提供最近交易记录的查询。
type History interface {
	RecentTransactions(accountID string, limit int) []TransactionRecord
}

// Log 是追加写入的审计日志：每个分类一个 JSONL 文件，并在内存中保留
// 每个账户最近的交易记录。dir 为空时只保留内存状态。
type Log struct {
	dir          string
	historyDepth int
	rotation     Rotation
	log          *slog.Logger

	mu     sync.Mutex
	files  map[Category]*lineFile
	byAcct map[string][]TransactionRecord
	recent []TransactionRecord
	closed bool

	subMu     sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64
}

var (
	_ Sink    = (*Log)(nil)
	_ History = (*Log)(nil)
)

// Option 定义审计日志的可选配置。
type Option func(*Log)

// WithRotation 设置分类文件的滚动策略。
func WithRotation(rot Rotation) Option {
	return func(l *Log) {
		l.rotation = rot
	}
}

// WithHistoryDepth 设置每个账户在内存中保留的交易条数。
func WithHistoryDepth(depth int) Option {
	return func(l *Log) {
		if depth > 0 {
			l.historyDepth = depth
		}
	}
}

// NewMemory 创建不落盘的审计日志，适用于测试与嵌入场景。
func NewMemory(opts ...Option) *Log {
	l := &Log{
		historyDepth: defaultHistoryDepth,
		log:          logger.Named("audit"),
		files:        make(map[Category]*lineFile),
		byAcct:       make(map[string][]TransactionRecord),
		listeners:    make(map[uint64]Listener),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Open 在目录下打开或创建三个分类文件，并从 transactions.jsonl 恢复最近记录。
func Open(dir string, opts ...Option) (*Log, error) {
	if dir == "" {
		return nil, errors.New("audit directory is required")
	}
	l := NewMemory(opts...)
	l.dir = dir

	if err := l.reload(filepath.Join(dir, string(CategoryTransaction)+".jsonl")); err != nil {
		return nil, err
	}
	for _, cat := range []Category{CategoryTransaction, CategoryDecision, CategoryEvent} {
		lf, err := openLineFile(filepath.Join(dir, string(cat)+".jsonl"), l.rotation)
		if err != nil {
			_ = l.Close()
			return nil, err
		}
		l.files[cat] = lf
	}
	return l, nil
}

func (l *Log) reload(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open transaction log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	skipped := 0
	for scanner.Scan() {
		var rec TransactionRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			skipped++
			continue
		}
		l.remember(rec)
	}
	if skipped > 0 {
		l.log.Warn("跳过无法解析的交易记录", slog.Int("lines", skipped), slog.String("path", path))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read transaction log: %w", err)
	}
	return nil
}

// AppendTransaction 追加一条终态交易记录。
func (l *Log) AppendTransaction(rec TransactionRecord) error {
	if err := l.append(CategoryTransaction, rec, func() { l.remember(rec) }); err != nil {
		return err
	}
	l.notify(Entry{Category: CategoryTransaction, Transaction: &rec})
	return nil
}

// AppendDecision 追加一条决策记录。
func (l *Log) AppendDecision(rec DecisionRecord) error {
	if err := l.append(CategoryDecision, rec, nil); err != nil {
		return err
	}
	l.notify(Entry{Category: CategoryDecision, Decision: &rec})
	return nil
}

// AppendEvent 追加一条通用事件。
func (l *Log) AppendEvent(evt Event) error {
	if err := l.append(CategoryEvent, evt, nil); err != nil {
		return err
	}
	l.notify(Entry{Category: CategoryEvent, Event: &evt})
	return nil
}

func (l *Log) append(cat Category, value any, onWritten func()) error {
	line, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", cat, err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("audit log closed")
	}
	if lf, ok := l.files[cat]; ok {
		if err := lf.writeLine(line); err != nil {
			return err
		}
	}
	if onWritten != nil {
		onWritten()
	}
	return nil
}

// remember 需在持有 l.mu 或初始化阶段调用。
func (l *Log) remember(rec TransactionRecord) {
	history := append(l.byAcct[rec.AccountID], rec)
	if len(history) > l.historyDepth {
		history = append([]TransactionRecord(nil), history[len(history)-l.historyDepth:]...)
	}
	l.byAcct[rec.AccountID] = history

	l.recent = append(l.recent, rec)
	if len(l.recent) > globalHistoryDepth {
		l.recent = append([]TransactionRecord(nil), l.recent[len(l.recent)-globalHistoryDepth:]...)
	}
}

// RecentTransactions 返回账户最近的交易记录，最新的在前。accountID 为空时
// 返回所有账户的记录。limit <= 0 表示不限制。
func (l *Log) RecentTransactions(accountID string, limit int) []TransactionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	source := l.recent
	if accountID != "" {
		source = l.byAcct[accountID]
	}
	n := len(source)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]TransactionRecord, 0, n)
	for i := len(source) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, source[i])
	}
	return out
}

// Subscribe 注册监听器，返回的函数用于取消订阅。
func (l *Log) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	l.subMu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = listener
	l.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.listeners, id)
			l.subMu.Unlock()
		})
	}
}

func (l *Log) notify(entry Entry) {
	l.subMu.RLock()
	listeners := make([]Listener, 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.subMu.RUnlock()

	for _, fn := range listeners {
		l.dispatch(fn, entry)
	}
}

func (l *Log) dispatch(fn Listener, entry Entry) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("审计订阅者发生 panic", slog.String("category", string(entry.Category)), slog.Any("panic", r))
		}
	}()
	fn(entry)
}

// Sync 将分类文件刷到磁盘。
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	for _, lf := range l.files {
		err = errors.Join(err, lf.sync())
	}
	return err
}

// Close 关闭所有分类文件，之后的写入返回错误。
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var err error
	for _, lf := range l.files {
		err = errors.Join(err, lf.close())
	}
	return err
}
