package seen

import (
	"testing"
	"time"
)

func TestRecordAndLookup(t *testing.T) {
	s := NewStore(t.TempDir())
	s.Record("Alice", "#chan", "hello there")

	rec, ok := s.Lookup("alice", "#chan")
	if !ok {
		t.Fatal("record not found")
	}
	if rec.Message != "hello there" {
		t.Errorf("message: got %q", rec.Message)
	}
	if rec.ChatCount != 1 {
		t.Errorf("chat count: got %d", rec.ChatCount)
	}

	// Lookup is case-insensitive on the user.
	if _, ok := s.Lookup("ALICE", "#chan"); !ok {
		t.Error("case-insensitive lookup failed")
	}
	if _, ok := s.Lookup("alice", "#other"); ok {
		t.Error("lookup should be per-channel")
	}
}

func TestChatCountIncrements(t *testing.T) {
	s := NewStore(t.TempDir())
	for i := 0; i < 5; i++ {
		s.Record("alice", "#chan", "msg")
	}

	rec, _ := s.Lookup("alice", "#chan")
	if rec.ChatCount != 5 {
		t.Errorf("expected chat count 5, got %d", rec.ChatCount)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s := NewStore(dir)
	s.Record("alice", "#a", "one")
	s.Record("bob", "#a", "two")
	s.Record("alice", "#b", "three")
	if err := s.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded := NewStore(dir)
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	for _, c := range []struct{ user, channel, message string }{
		{"alice", "#a", "one"},
		{"bob", "#a", "two"},
		{"alice", "#b", "three"},
	} {
		rec, ok := loaded.Lookup(c.user, c.channel)
		if !ok {
			t.Fatalf("missing record for %s in %s", c.user, c.channel)
		}
		if rec.Message != c.message {
			t.Errorf("%s in %s: expected %q, got %q", c.user, c.channel, c.message, rec.Message)
		}
	}
}

func TestTop(t *testing.T) {
	s := NewStore(t.TempDir())
	for i := 0; i < 3; i++ {
		s.Record("alice", "#chan", "m")
	}
	s.Record("bob", "#chan", "m")
	s.Record("carol", "#other", "m")

	top := s.Top("#chan", 3)
	if len(top) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(top))
	}
	if top[0] != "alice, 3" {
		t.Errorf("expected alice first, got %q", top[0])
	}
}

func TestFormatDelta(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{26*time.Hour + 3*time.Minute + 4*time.Second, "1d 2h 3m 4s"},
		{90 * time.Second, "1m 30s"},
		{0, "0s"},
		{3 * time.Hour, "3h"},
	}
	for _, c := range cases {
		if got := FormatDelta(c.d); got != c.want {
			t.Errorf("FormatDelta(%v) = %q, want %q", c.d, got, c.want)
		}
	}
}

func TestAge(t *testing.T) {
	s := NewStore(t.TempDir())
	s.Record("alice", "#chan", "m")
	rec, _ := s.Lookup("alice", "#chan")

	age, err := rec.Age(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Age failed: %v", err)
	}
	if age == "" {
		t.Error("expected non-empty age")
	}
}
