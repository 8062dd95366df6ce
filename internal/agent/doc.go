// Package agent contains the per-agent runtime: a timer-driven
// Observe-Think-Act-Remember loop that asks the reasoning service for at most
// one skill invocation per cycle, plus the shared memory ring the loop feeds.
package agent
