package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	// 注册 mysql 驱动。
	_ "github.com/go-sql-driver/mysql"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// MySQLConfig 描述 MySQL 镜像的连接参数。
type MySQLConfig struct {
	DSN          string `json:"dsn" yaml:"dsn"`
	Table        string `json:"table" yaml:"table"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"`
}

// MySQLMirror 将审计条目写入一张追加表，便于离线查询。
type MySQLMirror struct {
	db     *sql.DB
	insert string
}

var _ Publisher = (*MySQLMirror)(nil)

// NewMySQLMirror 连接 MySQL 并确保审计表存在。
func NewMySQLMirror(ctx context.Context, cfg MySQLConfig) (*MySQLMirror, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("mysql dsn is required")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(4)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	m, err := newMySQLMirror(ctx, db, cfg.Table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func newMySQLMirror(ctx context.Context, db *sql.DB, table string) (*MySQLMirror, error) {
	if table == "" {
		table = "audit_entries"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid mysql table name %q", table)
	}
	if _, err := db.ExecContext(ctx, createAuditTableSQL(table)); err != nil {
		return nil, fmt.Errorf("create audit table: %w", err)
	}
	return &MySQLMirror{db: db, insert: insertAuditSQL(table)}, nil
}

func createAuditTableSQL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    category VARCHAR(32) NOT NULL,
    agent_id VARCHAR(64) NOT NULL DEFAULT '',
    account_id VARCHAR(64) NOT NULL DEFAULT '',
    payload JSON NOT NULL,
    occurred_at BIGINT NOT NULL,
    INDEX idx_account (account_id, occurred_at)
)`
}

func insertAuditSQL(table string) string {
	return `INSERT INTO ` + table + ` (category, agent_id, account_id, payload, occurred_at) VALUES (?, ?, ?, ?, ?)`
}

// Publish 写入一条审计条目。
func (m *MySQLMirror) Publish(ctx context.Context, entry Entry) error {
	body, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	agentID, accountID, at := entryKeys(entry)
	if _, err := m.db.ExecContext(ctx, m.insert, string(entry.Category), agentID, accountID, string(body), at.UnixMilli()); err != nil {
		return fmt.Errorf("mysql insert: %w", err)
	}
	return nil
}

// Close 关闭连接池。
func (m *MySQLMirror) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

func entryKeys(entry Entry) (agentID, accountID string, at time.Time) {
	switch {
	case entry.Transaction != nil:
		return entry.Transaction.AgentID, entry.Transaction.AccountID, entry.Transaction.Timestamp
	case entry.Decision != nil:
		return entry.Decision.AgentID, "", entry.Decision.Timestamp
	case entry.Event != nil:
		return entry.Event.AgentID, entry.Event.AccountID, entry.Event.Timestamp
	default:
		return "", "", time.Time{}
	}
}
