package guardrail

import "time"

const (
	rateWindow    = time.Minute
	retainWindow  = 5 * time.Minute
	dailyDuration = 24 * time.Hour
)

// SpendWindow is the per-account counter state backing rule evaluation.
type SpendWindow struct {
	RecentTimestamps []time.Time `json:"recent_timestamps"`
	DailySpend       float64     `json:"daily_spend"`
	DailyWindowStart time.Time   `json:"daily_window_start"`
}

func newWindow(now time.Time) *SpendWindow {
	return &SpendWindow{DailyWindowStart: now}
}

// dailyExpired reports whether more than 24h passed since the last reset.
func (w *SpendWindow) dailyExpired(now time.Time) bool {
	return now.Sub(w.DailyWindowStart) > dailyDuration
}

// effectiveDailySpend is what the daily rule sees, without resetting.
func (w *SpendWindow) effectiveDailySpend(now time.Time) float64 {
	if w.dailyExpired(now) {
		return 0
	}
	return w.DailySpend
}

func (w *SpendWindow) resetIfExpired(now time.Time) {
	if w.dailyExpired(now) {
		w.DailySpend = 0
		w.DailyWindowStart = now
	}
}

func (w *SpendWindow) countSince(now time.Time, horizon time.Duration) int {
	cutoff := now.Add(-horizon)
	count := 0
	for _, ts := range w.RecentTimestamps {
		if ts.After(cutoff) {
			count++
		}
	}
	return count
}

func (w *SpendWindow) record(now time.Time, amount float64) {
	w.resetIfExpired(now)
	w.RecentTimestamps = append(w.RecentTimestamps, now)
	if ValidAmount(amount) {
		w.DailySpend += amount
	}
	w.prune(now)
}

// unrecord reverses a record made at ts, unless the daily window rolled
// over in between (the spend then no longer counts anyway).
func (w *SpendWindow) unrecord(ts time.Time, amount float64) {
	for i := len(w.RecentTimestamps) - 1; i >= 0; i-- {
		if w.RecentTimestamps[i].Equal(ts) {
			w.RecentTimestamps = append(w.RecentTimestamps[:i], w.RecentTimestamps[i+1:]...)
			break
		}
	}
	if ValidAmount(amount) && !ts.Before(w.DailyWindowStart) {
		w.DailySpend -= amount
		if w.DailySpend < 0 {
			w.DailySpend = 0
		}
	}
}

func (w *SpendWindow) prune(now time.Time) {
	cutoff := now.Add(-retainWindow)
	kept := w.RecentTimestamps[:0]
	for _, ts := range w.RecentTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.RecentTimestamps = kept
}

func (w *SpendWindow) clone() SpendWindow {
	return SpendWindow{
		RecentTimestamps: append([]time.Time(nil), w.RecentTimestamps...),
		DailySpend:       w.DailySpend,
		DailyWindowStart: w.DailyWindowStart,
	}
}
