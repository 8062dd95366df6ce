package agent

import "testing"

func TestMemoryDropsOldestFirst(t *testing.T) {
	m := NewMemory(0)
	for i := 1; i <= DefaultMemoryCapacity+5; i++ {
		m.Append("a", MemoryEntry{Cycle: i})
	}
	m.Append("b", MemoryEntry{Cycle: 1})

	if m.Len("a") != DefaultMemoryCapacity {
		t.Fatalf("expected %d entries, got %d", DefaultMemoryCapacity, m.Len("a"))
	}
	all := m.Recent("a", 0)
	if all[0].Cycle != 6 || all[len(all)-1].Cycle != DefaultMemoryCapacity+5 {
		t.Fatalf("unexpected window %d..%d", all[0].Cycle, all[len(all)-1].Cycle)
	}
	last := m.Recent("a", 3)
	if len(last) != 3 || last[0].Cycle != DefaultMemoryCapacity+3 {
		t.Fatalf("unexpected recent slice %+v", last)
	}
	if m.Len("b") != 1 {
		t.Fatalf("agents must not share rings")
	}

	last[0].Outcome = "mutated"
	if m.Recent("a", 3)[0].Outcome == "mutated" {
		t.Fatalf("Recent must return a copy")
	}

	m.Forget("a")
	if m.Len("a") != 0 {
		t.Fatalf("forget did not clear entries")
	}
}
