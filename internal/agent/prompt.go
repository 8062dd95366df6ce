package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Don-Vicks/karen/internal/guardrail"
)

// buildSystemPrompt 嵌入策略文本与护栏限额。
func buildSystemPrompt(name, strategy string, limits guardrail.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, an autonomous agent operating a crypto wallet.\n", nonEmpty(name, "an agent"))
	b.WriteString("\n## Strategy\n")
	b.WriteString(nonEmpty(strings.TrimSpace(strategy), "Preserve funds and act conservatively."))
	b.WriteString("\n\n## Guardrails\n")
	b.WriteString("These limits are enforced independently of your choices; transactions that violate them are blocked.\n")
	fmt.Fprintf(&b, "- Max per transaction: %g ETH\n", limits.MaxPerTransaction)
	fmt.Fprintf(&b, "- Max transactions per minute: %d\n", limits.MaxTxPerMinute)
	fmt.Fprintf(&b, "- Daily spending cap: %g ETH\n", limits.DailyCap)
	if len(limits.AllowedPrograms) > 0 {
		fmt.Fprintf(&b, "- Allowed programs: %s\n", strings.Join(limits.AllowedPrograms, ", "))
	}
	if len(limits.BlockedDestinations) > 0 {
		fmt.Fprintf(&b, "- Blocked destinations: %s\n", strings.Join(limits.BlockedDestinations, ", "))
	}
	b.WriteString("\n## Instructions\n")
	b.WriteString("Think about the observations, then call at most one tool. ")
	b.WriteString("If no action is needed, explain why and call no tool.")
	return b.String()
}

// buildUserPrompt 汇总最近的记忆与当前观察。
func buildUserPrompt(cycle int, memories []MemoryEntry, observations map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Cycle %d\n", cycle)

	if len(memories) > 0 {
		b.WriteString("\n## Recent memory\n")
		for _, m := range memories {
			action := "none"
			if m.Action != nil {
				action = m.Action.Skill
			}
			fmt.Fprintf(&b, "[%d] action=%s | outcome=%s | reasoning=%s\n", m.Cycle, action, truncate(m.Outcome, 160), truncate(m.Reasoning, 160))
		}
	}

	b.WriteString("\n## Observations\n")
	encoded, err := json.MarshalIndent(observations, "", "  ")
	if err != nil {
		fmt.Fprintf(&b, "%v\n", observations)
	} else {
		b.Write(encoded)
		b.WriteString("\n")
	}
	return b.String()
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return text
}
