package svcd

import "testing"

// TestPidTableSingleEntryPerPid covers testable property 3 (spec.md
// §8): a pid maps to at most one live entry at a time, and Remove
// forgets it entirely.
func TestPidTableSingleEntryPerPid(t *testing.T) {
	pt := NewPidTable(newTestLogger(t))

	pt.Insert(100, PidEntry{Kind: PidService, Unit: 1, SrvType: Simple})
	if _, ok := pt.Get(100); !ok {
		t.Fatal("expected entry for pid 100 after Insert")
	}

	entry, ok := pt.Remove(100)
	if !ok {
		t.Fatal("expected Remove to find the entry")
	}
	if entry.Unit != 1 {
		t.Errorf("expected removed entry's Unit to be 1, got %d", entry.Unit)
	}
	if _, ok := pt.Get(100); ok {
		t.Error("expected no entry for pid 100 after Remove")
	}
}

func TestPidTableMarkHelperExited(t *testing.T) {
	pt := NewPidTable(newTestLogger(t))
	pt.Insert(200, PidEntry{Kind: PidHelper, Unit: 2, CmdName: "/bin/true"})

	pt.MarkHelperExited(200, ChildTermination{Kind: Exited, Code: 0})

	entry, ok := pt.Get(200)
	if !ok {
		t.Fatal("expected the entry to still be present after MarkHelperExited (posted, not removed)")
	}
	if entry.Kind != PidHelperExited {
		t.Errorf("expected Kind=PidHelperExited, got %v", entry.Kind)
	}
	if !entry.Termination.Success() {
		t.Errorf("expected a successful termination, got %v", entry.Termination)
	}
}

func TestPidTableMarkHelperExitedIgnoresWrongKind(t *testing.T) {
	pt := NewPidTable(newTestLogger(t))
	pt.Insert(300, PidEntry{Kind: PidService, Unit: 3, SrvType: Simple})

	pt.MarkHelperExited(300, ChildTermination{Kind: Exited, Code: 0})

	entry, ok := pt.Get(300)
	if !ok {
		t.Fatal("expected the entry to still be present")
	}
	if entry.Kind != PidService {
		t.Errorf("expected a PidService entry to be left untouched, got %v", entry.Kind)
	}
}

func TestPidTableMarkOneshotExited(t *testing.T) {
	pt := NewPidTable(newTestLogger(t))
	pt.Insert(400, PidEntry{Kind: PidService, Unit: 4, SrvType: OneShot})

	entry, ok := pt.MarkOneshotExited(400, ChildTermination{Kind: Exited, Code: 1})
	if !ok {
		t.Fatal("expected MarkOneshotExited to find the entry")
	}
	if entry.Kind != PidOneshotExited {
		t.Errorf("expected Kind=PidOneshotExited, got %v", entry.Kind)
	}
	if entry.Termination.Success() {
		t.Error("expected exit code 1 to not be a success")
	}
}

func TestPidTableLiveServicePids(t *testing.T) {
	pt := NewPidTable(newTestLogger(t))
	pt.Insert(1, PidEntry{Kind: PidService, Unit: 1, SrvType: Simple})
	pt.Insert(2, PidEntry{Kind: PidHelper, Unit: 1, CmdName: "/bin/true"})
	pt.Insert(3, PidEntry{Kind: PidService, Unit: 2, SrvType: Simple})

	pids := pt.LiveServicePids()
	if len(pids) != 2 {
		t.Fatalf("expected 2 live service pids, got %v", pids)
	}
	seen := map[int]bool{}
	for _, p := range pids {
		seen[p] = true
	}
	if !seen[1] || !seen[3] {
		t.Errorf("expected pids {1,3}, got %v", pids)
	}
}
