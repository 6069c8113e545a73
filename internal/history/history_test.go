package history

import (
	"fmt"
	"os"
	"testing"
)

func TestAppendAndSnapshot(t *testing.T) {
	b := NewBuffer(10)
	b.Append("#chan", "alice", "I love cats")
	b.Append("#chan", "bob", "hi")

	msgs := b.Snapshot("#chan")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Sender != "alice" || msgs[0].Content != "I love cats" {
		t.Errorf("first message wrong: %+v", msgs[0])
	}
	if msgs[1].Sender != "bob" {
		t.Errorf("second message wrong: %+v", msgs[1])
	}
}

func TestFIFOEviction(t *testing.T) {
	b := NewBuffer(200)
	for i := 0; i < 250; i++ {
		b.Append("#chan", "alice", fmt.Sprintf("message %d", i))
	}

	if got := b.Len("#chan"); got != 200 {
		t.Fatalf("expected 200 messages after eviction, got %d", got)
	}

	msgs := b.Snapshot("#chan")
	if msgs[0].Content != "message 50" {
		t.Errorf("oldest entries should be evicted first, got %q", msgs[0].Content)
	}
	if msgs[199].Content != "message 249" {
		t.Errorf("newest message missing, got %q", msgs[199].Content)
	}
}

func TestSnapshotDoesNotAliasBuffer(t *testing.T) {
	b := NewBuffer(10)
	b.Append("#chan", "alice", "original")

	snap := b.Snapshot("#chan")
	snap[0].Content = "mutated"

	if got := b.Snapshot("#chan")[0].Content; got != "original" {
		t.Errorf("snapshot mutation leaked into buffer: %q", got)
	}
}

func TestActionFormatting(t *testing.T) {
	b := NewBuffer(10)
	b.Append("#chan", "alice", "\x01ACTION waves\x01")

	msgs := b.Snapshot("#chan")
	if msgs[0].Content != "* alice waves" {
		t.Errorf("action not rendered: %q", msgs[0].Content)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()

	b := NewBuffer(10)
	b.Append("#a", "alice", "one")
	b.Append("#a", "bob", "two")
	b.Append("#b", "carol", "three")

	if err := b.Save(tmpDir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded := NewBuffer(10)
	if err := loaded.Load(tmpDir); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	for _, ch := range []string{"#a", "#b"} {
		want := b.Snapshot(ch)
		got := loaded.Snapshot(ch)
		if len(got) != len(want) {
			t.Fatalf("channel %s: expected %d messages, got %d", ch, len(want), len(got))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("channel %s message %d: expected %+v, got %+v", ch, i, want[i], got[i])
			}
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	b := NewBuffer(10)
	if err := b.Load(t.TempDir()); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
	if b.Len("#chan") != 0 {
		t.Error("buffer should be empty after failed load")
	}
}

func TestLoadTrimsToCapacity(t *testing.T) {
	tmpDir := t.TempDir()

	big := NewBuffer(500)
	for i := 0; i < 300; i++ {
		big.Append("#chan", "alice", fmt.Sprintf("m%d", i))
	}
	if err := big.Save(tmpDir); err != nil {
		t.Fatal(err)
	}

	small := NewBuffer(200)
	if err := small.Load(tmpDir); err != nil {
		t.Fatal(err)
	}
	if got := small.Len("#chan"); got != 200 {
		t.Errorf("expected load to trim to 200, got %d", got)
	}
	if msgs := small.Snapshot("#chan"); msgs[len(msgs)-1].Content != "m299" {
		t.Error("trim should keep the newest messages")
	}
}
