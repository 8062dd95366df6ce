package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func sampleTx(id, account string, status TransactionStatus) TransactionRecord {
	rec := TransactionRecord{
		ID:                id,
		AccountID:         account,
		Kind:              KindTransfer,
		Status:            status,
		GuardrailsApplied: []string{"max_per_tx"},
		Timestamp:         time.Now().UTC(),
	}
	if status == StatusConfirmed {
		rec.Signature = "0x" + id
	} else {
		rec.Error = "denied"
	}
	return rec
}

func TestOpenWritesOneLinePerRecordAndReloads(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i, status := range []TransactionStatus{StatusConfirmed, StatusBlocked, StatusFailed} {
		if err := log.AppendTransaction(sampleTx(string(rune('a'+i)), "acct-1", status)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := log.AppendDecision(DecisionRecord{AgentID: "agent-1", Cycle: 1, Reasoning: "hold", Outcome: "No action taken", Timestamp: time.Now()}); err != nil {
		t.Fatalf("append decision: %v", err)
	}
	if err := log.AppendEvent(Event{Type: "agent.started", AgentID: "agent-1", Timestamp: time.Now()}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	lines := readLines(t, filepath.Join(dir, "transactions.jsonl"))
	if len(lines) != 3 {
		t.Fatalf("expected 3 transaction lines, got %d", len(lines))
	}
	var decoded TransactionRecord
	if err := json.Unmarshal([]byte(lines[1]), &decoded); err != nil || decoded.Status != StatusBlocked {
		t.Fatalf("unexpected line %q: %v", lines[1], err)
	}
	if n := len(readLines(t, filepath.Join(dir, "decisions.jsonl"))); n != 1 {
		t.Fatalf("expected 1 decision line, got %d", n)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	recent := reopened.RecentTransactions("acct-1", 2)
	if len(recent) != 2 || recent[0].ID != "c" || recent[1].ID != "b" {
		t.Fatalf("unexpected history: %+v", recent)
	}
}

func TestHistoryDepthIsBounded(t *testing.T) {
	log := NewMemory(WithHistoryDepth(3))
	for i := 0; i < 10; i++ {
		_ = log.AppendTransaction(sampleTx(string(rune('a'+i)), "acct", StatusConfirmed))
	}
	recent := log.RecentTransactions("acct", 0)
	if len(recent) != 3 || recent[0].ID != "j" || recent[2].ID != "h" {
		t.Fatalf("unexpected history: %+v", recent)
	}
	if len(log.RecentTransactions("", 0)) != 10 {
		t.Fatalf("global history should keep all records")
	}
}

func TestListenerPanicDoesNotAffectWriter(t *testing.T) {
	log := NewMemory()
	var (
		mu   sync.Mutex
		seen []Category
	)
	log.Subscribe(func(Entry) { panic("boom") })
	unsubscribe := log.Subscribe(func(e Entry) {
		mu.Lock()
		seen = append(seen, e.Category)
		mu.Unlock()
	})

	if err := log.AppendTransaction(sampleTx("a", "acct", StatusConfirmed)); err != nil {
		t.Fatalf("append failed despite listener panic: %v", err)
	}
	unsubscribe()
	unsubscribe()
	_ = log.AppendEvent(Event{Type: "ignored"})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != CategoryTransaction {
		t.Fatalf("unexpected deliveries: %v", seen)
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	log, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = log.Close()
	if err := log.AppendEvent(Event{Type: "late"}); err == nil {
		t.Fatalf("expected error after close")
	}
}

func TestLineFileRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	lf, err := openLineFile(path, Rotation{MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer lf.close()

	line := make([]byte, 400*1024)
	for i := range line {
		line[i] = 'x'
	}
	line[len(line)-1] = '\n'
	for i := 0; i < 4; i++ {
		if err := lf.writeLine(line); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected first backup: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() > 1024*1024 {
		t.Fatalf("active file exceeds limit: %d", info.Size())
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer file.Close()
	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}
