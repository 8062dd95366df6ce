package guardrail

import (
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestValidateCapShortCircuits(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	decision := engine.Validate("acct", 3, []string{SystemProgram}, "0xdest")
	if decision.Allowed {
		t.Fatalf("expected denial")
	}
	if !reflect.DeepEqual(decision.RulesApplied, []string{RuleMaxPerTransaction}) {
		t.Fatalf("unexpected rules: %v", decision.RulesApplied)
	}
	if !strings.Contains(decision.Reason, "exceeds per-transaction limit") {
		t.Fatalf("unexpected reason: %s", decision.Reason)
	}
}

func TestValidateAllowedReportsAllRules(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	decision := engine.Validate("acct", 1, nil, "")
	if !decision.Allowed {
		t.Fatalf("expected allow, got %s", decision.Reason)
	}
	want := []string{RuleMaxPerTransaction, RuleRateLimit, RuleDailyCap, RuleProgramAllowlist, RuleDestinationBlocklist}
	if !reflect.DeepEqual(decision.RulesApplied, want) {
		t.Fatalf("unexpected rules: %v", decision.RulesApplied)
	}
}

func TestInvalidAmountsDenied(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	tests := []struct {
		name   string
		amount float64
	}{
		{name: "nan", amount: math.NaN()},
		{name: "positive infinity", amount: math.Inf(1)},
		{name: "negative infinity", amount: math.Inf(-1)},
		{name: "negative", amount: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := engine.Validate("acct", tt.amount, nil, "")
			if decision.Allowed || decision.FailedRule != RuleMaxPerTransaction {
				t.Fatalf("expected max_per_tx denial, got %+v", decision)
			}
			if !strings.Contains(decision.Reason, "not a finite non-negative number") {
				t.Fatalf("unexpected reason: %s", decision.Reason)
			}
			if _, res := engine.Reserve("acct", tt.amount, nil, ""); res != nil {
				t.Fatalf("invalid amount must not be reserved")
			}
		})
	}

	relaxed := NewEngine(DefaultConfig().Merge(Config{MaxTxPerMinute: 100}))
	relaxed.Record("acct", math.NaN())
	relaxed.Record("acct", math.Inf(-1))
	window := relaxed.Window("acct")
	if window.DailySpend != 0 || len(window.RecentTimestamps) != 2 {
		t.Fatalf("invalid records should count only toward the rate limit: %+v", window)
	}
	for i := 0; i < 5; i++ {
		relaxed.Record("acct", 2)
	}
	if d := relaxed.Validate("acct", 0.5, nil, ""); d.Allowed || d.FailedRule != RuleDailyCap {
		t.Fatalf("daily cap must still apply after invalid records: %+v", d)
	}
}

func TestRateLimitAfterMaxRecords(t *testing.T) {
	clock := newFakeClock()
	engine := NewEngine(DefaultConfig(), WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		if d := engine.Validate("acct", 0.1, nil, ""); !d.Allowed {
			t.Fatalf("attempt %d denied: %s", i, d.Reason)
		}
		engine.Record("acct", 0.1)
		clock.Advance(time.Second)
	}

	decision := engine.Validate("acct", 0.1, nil, "")
	if decision.Allowed || decision.FailedRule != RuleRateLimit {
		t.Fatalf("expected rate limit denial, got %+v", decision)
	}

	clock.Advance(time.Minute)
	if d := engine.Validate("acct", 0.1, nil, ""); !d.Allowed {
		t.Fatalf("expected window to slide, got %s", d.Reason)
	}
}

func TestDailyCapResetsAfter24h(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig().Merge(Config{MaxTxPerMinute: 100})
	engine := NewEngine(cfg, WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		engine.Record("acct", 2)
	}
	decision := engine.Validate("acct", 0.5, nil, "")
	if decision.Allowed || decision.FailedRule != RuleDailyCap {
		t.Fatalf("expected daily cap denial, got %+v", decision)
	}

	clock.Advance(25 * time.Hour)
	before := engine.Window("acct")
	if d := engine.Validate("acct", 0.5, nil, ""); !d.Allowed {
		t.Fatalf("expected reset window to allow, got %s", d.Reason)
	}
	if after := engine.Window("acct"); !reflect.DeepEqual(before, after) {
		t.Fatalf("validate mutated the window")
	}

	engine.Record("acct", 0.5)
	window := engine.Window("acct")
	if window.DailySpend != 0.5 {
		t.Fatalf("expected spend to restart at 0.5, got %g", window.DailySpend)
	}
	if !window.DailyWindowStart.Equal(clock.Now()) {
		t.Fatalf("window start not advanced")
	}
}

func TestProgramAllowlistAndBlocklist(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	engine.SetConfig("acct", DefaultConfig().Merge(Config{
		AllowedPrograms:     []string{SystemProgram, "0xAbC"},
		BlockedDestinations: []string{"0xBAD"},
	}))

	d := engine.Validate("acct", 1, []string{"0xabc", "0xother"}, "")
	if d.Allowed || d.FailedRule != RuleProgramAllowlist {
		t.Fatalf("expected allowlist denial, got %+v", d)
	}
	if !strings.Contains(d.Reason, "0xother") || strings.Contains(d.Reason, "0xabc") {
		t.Fatalf("reason should cite only disallowed programs: %s", d.Reason)
	}

	d = engine.Validate("acct", 1, []string{SystemProgram}, "0xbad")
	if d.Allowed || d.FailedRule != RuleDestinationBlocklist {
		t.Fatalf("expected blocklist denial, got %+v", d)
	}
	if len(d.RulesApplied) != 5 {
		t.Fatalf("expected all rules evaluated: %v", d.RulesApplied)
	}

	if d := engine.Validate("other", 1, []string{"0xother"}, "0xbad"); !d.Allowed {
		t.Fatalf("per-account config leaked: %s", d.Reason)
	}
}

func TestReserveIsAtomicUnderConcurrency(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, res := engine.Reserve("shared", 0.1, nil, ""); res != nil {
				res.Commit()
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 5 {
		t.Fatalf("expected exactly 5 reservations, got %d", granted)
	}
}

func TestReleaseRestoresQuota(t *testing.T) {
	engine := NewEngine(DefaultConfig().Merge(Config{MaxTxPerMinute: 1}))

	_, res := engine.Reserve("acct", 1.5, nil, "")
	if res == nil {
		t.Fatalf("expected reservation")
	}
	if d, _ := engine.Reserve("acct", 0.1, nil, ""); d.Allowed {
		t.Fatalf("second reservation should hit the rate limit")
	}

	res.Release()
	res.Release()
	window := engine.Window("acct")
	if len(window.RecentTimestamps) != 0 || window.DailySpend != 0 {
		t.Fatalf("release did not roll back: %+v", window)
	}

	_, res = engine.Reserve("acct", 0.1, nil, "")
	if res == nil {
		t.Fatalf("quota should be available after release")
	}
	res.Commit()
	res.Release()
	if engine.Window("acct").DailySpend != 0.1 {
		t.Fatalf("release after commit must be a no-op")
	}
}

func TestUpdateConfigAffectsLaterEvaluations(t *testing.T) {
	var observed []Decision
	engine := NewEngine(DefaultConfig(), WithObserver(func(_ string, d Decision) {
		observed = append(observed, d)
	}))

	if d := engine.Validate("acct", 1.5, nil, ""); !d.Allowed {
		t.Fatalf("unexpected denial: %s", d.Reason)
	}
	updated := engine.UpdateConfig("acct", func(c Config) Config {
		c.MaxPerTransaction = 1
		return c
	})
	if updated.MaxPerTransaction != 1 || engine.Config("acct").MaxPerTransaction != 1 {
		t.Fatalf("update not applied")
	}
	if d := engine.Validate("acct", 1.5, nil, ""); d.Allowed {
		t.Fatalf("expected new limit to apply")
	}
	if len(observed) != 2 {
		t.Fatalf("observer saw %d decisions", len(observed))
	}
}

func TestMergeKeepsDefaults(t *testing.T) {
	merged := DefaultConfig().Merge(Config{DailyCap: 50})
	if merged.MaxPerTransaction != 2 || merged.MaxTxPerMinute != 5 || merged.DailyCap != 50 {
		t.Fatalf("unexpected merge: %+v", merged)
	}
}
