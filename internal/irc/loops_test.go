package irc

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/nettlebot/nettle/internal/config"
	"github.com/nettlebot/nettle/internal/dispatch"
	"github.com/nettlebot/nettle/internal/history"
	"github.com/nettlebot/nettle/internal/notes"
	"github.com/nettlebot/nettle/internal/seen"
	"github.com/nettlebot/nettle/internal/tell"
	"go.uber.org/zap"
)

func testOrchestrator(t *testing.T, dataDir string) *Orchestrator {
	t.Helper()
	cfg := &config.Config{
		Nick:     "nettle",
		Server:   "irc.example.org",
		DataDir:  dataDir,
		Channels: []string{"#chan"},
	}
	s := NewSession(cfg, zap.NewNop())
	s.out = &bytes.Buffer{}

	deps := Deps{
		History:  history.NewBuffer(history.DefaultCapacity),
		Seen:     seen.NewStore(dataDir),
		Mailbox:  tell.NewMailbox(dataDir),
		Pad:      notes.NewPad(dataDir),
		Dispatch: dispatch.NewClient("127.0.0.1:0", zap.NewNop()),
	}
	return NewOrchestrator(s, deps, zap.NewNop())
}

func privmsg(t *testing.T, line string) ircmsg.Message {
	t.Helper()
	msg, err := ircmsg.ParseLine(line)
	if err != nil {
		t.Fatalf("bad test line %q: %v", line, err)
	}
	return msg
}

func drainOutbound(o *Orchestrator) []string {
	var texts []string
	for {
		select {
		case out := <-o.outbound:
			texts = append(texts, out.resp.Text)
		default:
			return texts
		}
	}
}

func TestTellFromOtherProcessIsDelivered(t *testing.T) {
	dataDir := t.TempDir()
	o := testOrchestrator(t, dataDir)

	// Another process queues a tell after this session's stores were built.
	other := tell.NewMailbox(dataDir)
	other.Add("#chan", "bob", "alice", "lunch moved to noon")
	if err := other.Save(); err != nil {
		t.Fatal(err)
	}

	o.handlePrivmsg(context.Background(), privmsg(t, ":bob!b@host PRIVMSG #chan :hello"))

	texts := drainOutbound(o)
	if len(texts) != 1 || !strings.Contains(texts[0], "<alice> lunch moved to noon") {
		t.Fatalf("queued tell not delivered, got %v", texts)
	}

	// Delivery must be persisted so the entry cannot fire twice.
	reloaded := tell.NewMailbox(dataDir)
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	if reloaded.Pending() {
		t.Error("delivered tell still on disk")
	}
}

func TestDeliveredTellSurvivesSessionsOwnState(t *testing.T) {
	dataDir := t.TempDir()
	o := testOrchestrator(t, dataDir)

	// The session sees traffic first, so its in-memory mailbox view is
	// older than what the executor writes afterwards.
	o.handlePrivmsg(context.Background(), privmsg(t, ":carol!c@host PRIVMSG #chan :morning"))
	drainOutbound(o)

	other := tell.NewMailbox(dataDir)
	other.Add("#chan", "bob", "alice", "see you at standup")
	if err := other.Save(); err != nil {
		t.Fatal(err)
	}

	o.handlePrivmsg(context.Background(), privmsg(t, ":bob!b@host PRIVMSG #chan :back"))
	texts := drainOutbound(o)
	if len(texts) != 1 || !strings.Contains(texts[0], "see you at standup") {
		t.Fatalf("tell added after session traffic not delivered, got %v", texts)
	}
}

func TestNoteRearmPersisted(t *testing.T) {
	dataDir := t.TempDir()
	o := testOrchestrator(t, dataDir)

	// A note created long enough ago to be due now.
	other := notes.NewPad(dataDir)
	created := time.Now().Add(-13 * time.Hour)
	if resp := other.Add("#chan", "bob", "water the plants", created); resp != "Note Added" {
		t.Fatalf("unexpected add response: %q", resp)
	}
	if err := other.Save(); err != nil {
		t.Fatal(err)
	}

	o.handlePrivmsg(context.Background(), privmsg(t, ":bob!b@host PRIVMSG #chan :hi"))
	texts := drainOutbound(o)
	if len(texts) != 1 || !strings.Contains(texts[0], "water the plants") {
		t.Fatalf("due reminder not delivered, got %v", texts)
	}

	// The advanced next-eligible time must be on disk: a restarted process
	// must not re-fire the reminder immediately.
	reloaded := notes.NewPad(dataDir)
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	if due := reloaded.Check("bob", "#chan", time.Now()); len(due) != 0 {
		t.Errorf("reminder re-fired after reload: %v", due)
	}
}

func TestSeenRecordsNormalizedContent(t *testing.T) {
	o := testOrchestrator(t, t.TempDir())

	o.handlePrivmsg(context.Background(), privmsg(t, ":bob!b@host PRIVMSG #chan :hello   there    world"))

	rec, ok := o.deps.Seen.Lookup("bob", "#chan")
	if !ok {
		t.Fatal("speaker not recorded")
	}
	if rec.Message != "hello there world" {
		t.Errorf("content not whitespace-normalized: %q", rec.Message)
	}
}
