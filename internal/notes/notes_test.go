package notes

import (
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAddAndCheck(t *testing.T) {
	p := NewPad(t.TempDir())

	if resp := p.Add("#chan", "Alice", "water the cultures", t0); resp != "Note Added" {
		t.Fatalf("Add: %q", resp)
	}

	// Not yet due.
	if due := p.Check("alice", "#chan", t0.Add(time.Hour)); due != nil {
		t.Errorf("note due too early: %v", due)
	}

	// Due after the default 12 hours.
	due := p.Check("alice", "#chan", t0.Add(13*time.Hour))
	if len(due) != 1 {
		t.Fatalf("expected 1 reminder, got %d", len(due))
	}
	if !strings.Contains(due[0], "water the cultures") {
		t.Errorf("reminder text wrong: %q", due[0])
	}
}

func TestCustomDelay(t *testing.T) {
	p := NewPad(t.TempDir())
	p.Add("#chan", "alice", "3 check the incubator", t0)

	if due := p.Check("alice", "#chan", t0.Add(2*time.Hour)); due != nil {
		t.Errorf("3h note due at 2h: %v", due)
	}
	due := p.Check("alice", "#chan", t0.Add(4*time.Hour))
	if len(due) != 1 {
		t.Fatalf("3h note not due at 4h")
	}
	if !strings.Contains(due[0], "check the incubator") {
		t.Errorf("delay prefix should be stripped from text: %q", due[0])
	}
	if !strings.Contains(due[0], "(3h rule)") {
		t.Errorf("reminder should carry its own delay: %q", due[0])
	}
}

func TestRearmAdvancesNextEligible(t *testing.T) {
	p := NewPad(t.TempDir())
	p.Add("#chan", "alice", "6 stir", t0)

	first := p.Check("alice", "#chan", t0.Add(7*time.Hour))
	if len(first) != 1 {
		t.Fatal("note should be due")
	}

	// Immediately after delivery the note is re-armed.
	if again := p.Check("alice", "#chan", t0.Add(7*time.Hour+time.Minute)); again != nil {
		t.Errorf("note delivered twice inside its delay window: %v", again)
	}

	// Due again one delay later.
	if due := p.Check("alice", "#chan", t0.Add(14*time.Hour)); len(due) != 1 {
		t.Error("re-armed note should be due after its delay")
	}
}

func TestDuplicateRejected(t *testing.T) {
	p := NewPad(t.TempDir())
	p.Add("#chan", "alice", "same text", t0)

	resp := p.Add("#chan", "alice", "same text", t0)
	if !strings.Contains(resp, "Duplicate note") {
		t.Errorf("expected duplicate rejection, got %q", resp)
	}

	// Same text in another channel is fine.
	if resp := p.Add("#other", "alice", "same text", t0); resp != "Note Added" {
		t.Errorf("different channel should accept: %q", resp)
	}
}

func TestClear(t *testing.T) {
	p := NewPad(t.TempDir())
	p.Add("#chan", "alice", "first", t0)
	p.Add("#chan", "alice", "second", t0)

	resp := p.Clear("#chan", "alice", "0")
	if !strings.Contains(resp, "'first'") {
		t.Errorf("expected first note removed, got %q", resp)
	}

	list := p.List("#chan", "alice")
	if len(list) != 1 || !strings.Contains(list[0], "second") {
		t.Errorf("expected one remaining note, got %v", list)
	}

	// Removing the last note prunes the user entry entirely.
	p.Clear("#chan", "alice", "0")
	if got := p.List("#chan", "alice"); len(got) != 1 || got[0] != "No User Found" {
		t.Errorf("expected pruned entry, got %v", got)
	}
}

func TestClearBadIndex(t *testing.T) {
	p := NewPad(t.TempDir())
	p.Add("#chan", "alice", "only", t0)

	if resp := p.Clear("#chan", "alice", "five"); resp != "Please provide a valid index number" {
		t.Errorf("got %q", resp)
	}
	if resp := p.Clear("#chan", "alice", "3"); resp != "No note at the given index" {
		t.Errorf("got %q", resp)
	}
	if resp := p.Clear("#chan", "nobody", "0"); !strings.Contains(resp, "No notes found") {
		t.Errorf("got %q", resp)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	p := NewPad(dir)
	p.Add("#chan", "alice", "4 remember this", t0)
	if err := p.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded := NewPad(dir)
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// The persisted next-eligible time survives: still not due before the
	// delay, due after.
	if due := loaded.Check("alice", "#chan", t0.Add(3*time.Hour)); due != nil {
		t.Errorf("loaded note due too early: %v", due)
	}
	if due := loaded.Check("alice", "#chan", t0.Add(5*time.Hour)); len(due) != 1 {
		t.Error("loaded note should be due after its delay")
	}
}
