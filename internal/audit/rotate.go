package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Rotation 控制单个分类文件的滚动策略。MaxSizeMB 为 0 时不滚动。
type Rotation struct {
	MaxSizeMB  int `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int `json:"max_age_days" yaml:"max_age_days"`
}

// lineFile 以追加方式写入 JSONL 文件，超过大小后按 path.1..path.N 滚动。
// 调用方负责串行化写入。
type lineFile struct {
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration

	file *os.File
	size int64
}

func openLineFile(path string, rot Rotation) (*lineFile, error) {
	if path == "" {
		return nil, errors.New("audit file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	lf := &lineFile{
		path:       path,
		maxSize:    int64(rot.MaxSizeMB) * 1024 * 1024,
		maxBackups: rot.MaxBackups,
		maxAge:     time.Duration(rot.MaxAgeDays) * 24 * time.Hour,
	}
	if err := lf.open(); err != nil {
		return nil, err
	}
	return lf, nil
}

func (lf *lineFile) open() error {
	file, err := os.OpenFile(lf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit file: %w", err)
	}
	lf.file = file
	lf.size = info.Size()
	return nil
}

// writeLine 以一次 write 调用写入整行，保证每行可独立解析。
func (lf *lineFile) writeLine(line []byte) error {
	if lf.file == nil {
		if err := lf.open(); err != nil {
			return err
		}
	}
	if lf.maxSize > 0 && lf.size > 0 && lf.size+int64(len(line)) > lf.maxSize {
		if err := lf.rotate(); err != nil {
			return err
		}
	}
	n, err := lf.file.Write(line)
	lf.size += int64(n)
	if err != nil {
		return fmt.Errorf("write audit file: %w", err)
	}
	return nil
}

func (lf *lineFile) rotate() error {
	if lf.file != nil {
		_ = lf.file.Close()
		lf.file = nil
	}

	if lf.maxBackups > 0 {
		for i := lf.maxBackups - 1; i >= 1; i-- {
			src := lf.backup(i)
			if _, err := os.Stat(src); err == nil {
				_ = os.Rename(src, lf.backup(i+1))
			}
		}
		_ = os.Rename(lf.path, lf.backup(1))
	} else {
		_ = os.Remove(lf.path)
	}
	lf.pruneExpired()
	return lf.open()
}

func (lf *lineFile) pruneExpired() {
	if lf.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-lf.maxAge)
	for i := 1; i <= lf.maxBackups; i++ {
		info, err := os.Stat(lf.backup(i))
		if err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(lf.backup(i))
		}
	}
}

func (lf *lineFile) backup(i int) string {
	return fmt.Sprintf("%s.%d", lf.path, i)
}

func (lf *lineFile) sync() error {
	if lf.file == nil {
		return nil
	}
	return lf.file.Sync()
}

func (lf *lineFile) close() error {
	if lf.file == nil {
		return nil
	}
	err := lf.file.Close()
	lf.file = nil
	return err
}
