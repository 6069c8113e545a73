// Package commands implements the executor's command table: a fixed map of
// command tokens to descriptors, each with a declared calling convention
// and an optional admin gate.
package commands

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nettlebot/nettle/internal/config"
	"github.com/nettlebot/nettle/internal/dispatch"
	"github.com/nettlebot/nettle/internal/history"
	"github.com/nettlebot/nettle/internal/notes"
	"github.com/nettlebot/nettle/internal/sed"
	"github.com/nettlebot/nettle/internal/seen"
	"github.com/nettlebot/nettle/internal/storage"
	"github.com/nettlebot/nettle/internal/tell"
	"go.uber.org/zap"
)

// Version is reported by .version (set at build time via ldflags).
var Version = "dev"

const factsFile = "facts.txt"

// Kind is a command's calling convention. The dispatcher blanks the
// invocation fields a convention does not grant, so a handler can only
// depend on what its kind declares.
type Kind int

const (
	// ArgOnly handlers see just the argument string.
	ArgOnly Kind = iota
	// ChannelContext handlers additionally see channel and sender.
	ChannelContext
	// FullContext handlers see everything: hostmask, admin set and the
	// history snapshot included.
	FullContext
)

// Invocation carries one command invocation to its handler.
type Invocation struct {
	Arg      string
	Channel  string
	Sender   string
	Hostmask string
	History  []history.Message
	IsAdmin  bool
}

// Line is one handler response before routing information is attached.
type Line struct {
	Mode string
	Text string
}

// Spec describes one table entry.
type Spec struct {
	Kind  Kind
	Admin bool
	Help  string
	Run   func(*Invocation) []Line
}

// Table is the executor's dispatch surface. One per process.
type Table struct {
	cfg     *config.Config
	log     *zap.Logger
	mailbox *tell.Mailbox
	seen    *seen.Store
	pad     *notes.Pad
	specs   map[string]Spec

	factsMu sync.Mutex
	facts   []string
}

// NewTable builds the command table over the shared stores.
func NewTable(cfg *config.Config, mailbox *tell.Mailbox, seenStore *seen.Store, pad *notes.Pad, log *zap.Logger) *Table {
	t := &Table{
		cfg:     cfg,
		log:     log,
		mailbox: mailbox,
		seen:    seenStore,
		pad:     pad,
	}
	t.loadFacts()
	t.register()
	return t
}

func (t *Table) register() {
	t.specs = map[string]Spec{
		".ping": {Kind: ChannelContext, Help: "Check if the bot is responsive.",
			Run: t.cmdPing},
		".help": {Kind: FullContext, Help: "Display available commands. Use '.help <command>' for details.",
			Run: t.cmdHelp},
		".version": {Kind: ArgOnly, Help: "Show the bot version.",
			Run: t.cmdVersion},
		".moo": {Kind: ArgOnly, Help: "Greet the cow.",
			Run: t.cmdMoo},
		".moof": {Kind: ArgOnly, Help: "The dogcow, named Clarus, says moof.",
			Run: t.cmdMoof},
		".last": {Kind: FullContext, Help: "Show the last messages in the channel. Use '.last [1-10]'.",
			Run: t.cmdLast},
		".seen": {Kind: ChannelContext, Help: "Check when a user was last seen. Use '.seen <user>'.",
			Run: t.cmdSeen},
		".stats": {Kind: ChannelContext, Help: "Message count for a user, or the channel top 3 with no argument.",
			Run: t.cmdStats},
		".tell": {Kind: ChannelContext, Help: "Save a message for a user. Use '.tell <user> <message>'.",
			Run: t.cmdTell},
		".fact": {Kind: ArgOnly, Help: "Display a random mushroom fact. Use '.fact <criteria>' to filter.",
			Run: t.cmdFact},
		".note": {Kind: ChannelContext, Help: "Reminder notes. Use '.note add [hours] <text>', '.note list', '.note clear <index>'.",
			Run: t.cmdNote},
		".factadd": {Kind: ArgOnly, Admin: true, Help: "Add a mushroom fact.",
			Run: t.cmdFactAdd},
		".join": {Kind: ArgOnly, Admin: true, Help: "Join a channel.",
			Run: t.cmdJoin},
		".part": {Kind: ArgOnly, Admin: true, Help: "Part a channel.",
			Run: t.cmdPart},
		".op": {Kind: ChannelContext, Admin: true, Help: "Op the requester.",
			Run: t.cmdOp},
		".deop": {Kind: ChannelContext, Admin: true, Help: "Deop the requester.",
			Run: t.cmdDeop},
		".reload": {Kind: ArgOnly, Admin: true, Help: "Reload all persisted state from disk.",
			Run: t.cmdReload},
	}
}

// Handle is the dispatch.Handler for the table. Correction commands are
// checked before command tokens, so a message that could be both is always
// treated as a correction.
func (t *Table) Handle(req dispatch.Request) []dispatch.Response {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil
	}

	isAdmin := false
	for _, admin := range req.Admins {
		if admin == req.Hostmask {
			isAdmin = true
			break
		}
	}

	if sed.Looks(content) {
		if !t.cfg.FeatureEnabled(req.Channel, ".sed") {
			return nil
		}
		return t.respond(req, t.runSed(content, req.History))
	}

	token := strings.Fields(content)[0]
	spec, ok := t.specs[token]
	if !ok {
		return nil
	}
	if !t.cfg.FeatureEnabled(req.Channel, token) {
		return nil
	}
	if spec.Admin && !isAdmin {
		// Unauthorized admin commands are dropped without a response.
		t.log.Info("dropped admin command", zap.String("command", token), zap.String("hostmask", req.Hostmask))
		return nil
	}

	inv := &Invocation{Arg: strings.TrimSpace(content[len(token):])}
	if spec.Kind >= ChannelContext {
		inv.Channel = req.Channel
		inv.Sender = req.Sender
	}
	if spec.Kind >= FullContext {
		inv.Hostmask = req.Hostmask
		inv.History = req.History
		inv.IsAdmin = isAdmin
	}

	return t.respond(req, spec.Run(inv))
}

func (t *Table) respond(req dispatch.Request, lines []Line) []dispatch.Response {
	if len(lines) == 0 {
		return nil
	}
	responses := make([]dispatch.Response, 0, len(lines))
	for _, line := range lines {
		mode := line.Mode
		if mode == "" {
			mode = dispatch.ModeChannel
		}
		responses = append(responses, dispatch.Response{ID: req.ID, Mode: mode, Text: line.Text})
	}
	return responses
}

func (t *Table) runSed(content string, msgs []history.Message) []Line {
	cmd, err := sed.Parse(content)
	if err != nil {
		return []Line{{Text: "[\x0304Sed\x03] Invalid sed command format"}}
	}

	res, err := sed.Apply(msgs, cmd)
	switch {
	case err == nil:
		if strings.HasPrefix(res.Text, "*") {
			return []Line{{Text: fmt.Sprintf("[\x0303Sed\x03] %s", res.Text)}}
		}
		return []Line{{Text: fmt.Sprintf("[\x0303Sed\x03] <%s> %s", res.Sender, res.Text)}}
	case err == sed.ErrNoHistory:
		return []Line{{Text: "[\x0304Sed\x03] No message history found for the channel"}}
	default:
		if cmd.Target != "" {
			return []Line{{Text: fmt.Sprintf("[\x0304Sed\x03] No matching message found to correct from %s", cmd.Target)}}
		}
		return []Line{{Text: "[\x0304Sed\x03] No matching message found to correct"}}
	}
}

func (t *Table) cmdPing(inv *Invocation) []Line {
	return []Line{{Text: fmt.Sprintf("[\x0303Ping\x03] %s: PNOG!", inv.Sender)}}
}

func (t *Table) cmdVersion(*Invocation) []Line {
	return []Line{{Text: fmt.Sprintf("NettleBot Version %s", Version)}}
}

func (t *Table) cmdMoo(*Invocation) []Line {
	return []Line{{Text: "Hi cow!"}}
}

func (t *Table) cmdMoof(*Invocation) []Line {
	return []Line{{Text: "Hello Clarus, dog or cow? moof"}}
}

func (t *Table) cmdHelp(inv *Invocation) []Line {
	names := make([]string, 0, len(t.specs))
	for name, spec := range t.specs {
		if spec.Admin && !inv.IsAdmin {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if inv.Arg != "" {
		name := "." + strings.TrimPrefix(strings.Fields(inv.Arg)[0], ".")
		spec, ok := t.specs[name]
		if !ok || (spec.Admin && !inv.IsAdmin) {
			return []Line{{Text: fmt.Sprintf("%s, Unknown command: %s", inv.Sender, name)}}
		}
		return []Line{{Text: fmt.Sprintf("%s, %s", inv.Sender, spec.Help)}}
	}

	return []Line{{Text: fmt.Sprintf("%s, Commands: %s — Use: .help <command> for more info.",
		inv.Sender, strings.Join(names, ", "))}}
}

func (t *Table) cmdLast(inv *Invocation) []Line {
	n := 1
	if inv.Arg != "" {
		if parsed, err := strconv.Atoi(strings.Fields(inv.Arg)[0]); err == nil && parsed > 0 {
			n = parsed
			if n > 10 {
				n = 10
			}
		}
	}

	msgs := inv.History
	if len(msgs) == 0 {
		return []Line{{Mode: dispatch.ModeNotice, Text: fmt.Sprintf("No messages found in %s", inv.Channel)}}
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}

	lines := make([]Line, len(msgs))
	for i, m := range msgs {
		lines[i] = Line{
			Mode: dispatch.ModeNotice,
			Text: fmt.Sprintf("[Last message in %s]: %d <%s> %s", inv.Channel, m.Timestamp, m.Sender, m.Content),
		}
	}
	return lines
}

func (t *Table) cmdSeen(inv *Invocation) []Line {
	username := strings.TrimSpace(inv.Arg)
	if username == "" {
		return []Line{{Text: "Invalid .seen command format. Use: .seen username"}}
	}

	t.reloadStore(t.seen.Load, "last_seen")
	rec, ok := t.seen.Lookup(username, inv.Channel)
	if !ok {
		return []Line{{Text: fmt.Sprintf("%s, I haven't seen %s recently in %s.", inv.Sender, username, inv.Channel)}}
	}

	age, err := rec.Age(time.Now())
	if err != nil {
		t.log.Warn("unparsable seen timestamp", zap.String("user", username), zap.Error(err))
		return []Line{{Text: fmt.Sprintf("%s, I haven't seen %s recently in %s.", inv.Sender, username, inv.Channel)}}
	}
	return []Line{{Text: fmt.Sprintf("%s, %s ago <%s> %s", inv.Sender, age, username, rec.Message)}}
}

func (t *Table) cmdStats(inv *Invocation) []Line {
	t.reloadStore(t.seen.Load, "last_seen")

	target := strings.TrimSpace(inv.Arg)
	if target == "" {
		top := t.seen.Top(inv.Channel, 3)
		if len(top) == 0 {
			return []Line{{Text: fmt.Sprintf("%s, no stats found for %s.", inv.Sender, inv.Channel)}}
		}
		return []Line{{Text: fmt.Sprintf("These are the top users in the channel: %s", strings.Join(top, " - "))}}
	}

	rec, ok := t.seen.Lookup(target, inv.Channel)
	if !ok {
		return []Line{{Text: fmt.Sprintf("%s, no stats found for %s", inv.Sender, target)}}
	}
	return []Line{{Text: fmt.Sprintf("%s, I've seen %s send %d messages", inv.Sender, strings.ToLower(target), rec.ChatCount)}}
}

func (t *Table) cmdTell(inv *Invocation) []Line {
	parts := strings.SplitN(inv.Arg, " ", 2)
	if len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
		return []Line{{Text: "Invalid .tell command format. Use: .tell username message"}}
	}
	username, message := parts[0], strings.TrimSpace(parts[1])

	t.reloadStore(t.mailbox.Load, "message_queue")
	t.mailbox.Add(inv.Channel, username, inv.Sender, message)
	if err := t.mailbox.Save(); err != nil {
		t.log.Error("saving message queue failed", zap.Error(err))
	}
	return []Line{{Text: fmt.Sprintf("%s, I'll tell %s that when they return.", inv.Sender, username)}}
}

func (t *Table) cmdNote(inv *Invocation) []Line {
	parts := strings.SplitN(inv.Arg, " ", 2)
	sub := ""
	if len(parts) > 0 {
		sub = parts[0]
	}
	rest := ""
	if len(parts) > 1 {
		rest = strings.TrimSpace(parts[1])
	}

	t.reloadStore(t.pad.Load, "notes")
	switch sub {
	case "add":
		resp := t.pad.Add(inv.Channel, inv.Sender, rest, time.Now())
		if err := t.pad.Save(); err != nil {
			t.log.Error("saving notes failed", zap.Error(err))
		}
		return []Line{{Text: resp}}
	case "list":
		var lines []Line
		for _, text := range t.pad.List(inv.Channel, inv.Sender) {
			lines = append(lines, Line{Mode: dispatch.ModeNotice, Text: text})
		}
		return lines
	case "clear":
		resp := t.pad.Clear(inv.Channel, inv.Sender, rest)
		if err := t.pad.Save(); err != nil {
			t.log.Error("saving notes failed", zap.Error(err))
		}
		return []Line{{Text: resp}}
	default:
		return []Line{{Text: "Use: .note add [hours] <text>, .note list, or .note clear <index>"}}
	}
}

func (t *Table) cmdFact(inv *Invocation) []Line {
	t.factsMu.Lock()
	defer t.factsMu.Unlock()

	criteria := strings.ToLower(strings.TrimSpace(inv.Arg))
	var matching []string
	for _, fact := range t.facts {
		if criteria == "" || strings.Contains(strings.ToLower(fact), criteria) {
			matching = append(matching, fact)
		}
	}
	if len(matching) == 0 {
		return nil
	}
	return []Line{{Text: matching[rand.Intn(len(matching))]}}
}

func (t *Table) cmdFactAdd(inv *Invocation) []Line {
	fact := strings.TrimSpace(inv.Arg)
	if fact == "" {
		return []Line{{Text: "Please provide a valid mushroom fact."}}
	}

	t.factsMu.Lock()
	t.facts = append(t.facts, fact)
	facts := make([]string, len(t.facts))
	copy(facts, t.facts)
	t.factsMu.Unlock()

	if err := storage.SaveLines(t.cfg.DataDir, factsFile, facts); err != nil {
		t.log.Error("saving facts failed", zap.Error(err))
	}
	return []Line{{Text: fmt.Sprintf("New mushroom fact added: %s", fact)}}
}

func (t *Table) cmdJoin(inv *Invocation) []Line {
	if inv.Arg == "" {
		return nil
	}
	return []Line{{Mode: dispatch.ModeRaw, Text: fmt.Sprintf("JOIN %s", strings.Fields(inv.Arg)[0])}}
}

func (t *Table) cmdPart(inv *Invocation) []Line {
	if inv.Arg == "" {
		return nil
	}
	return []Line{{Mode: dispatch.ModeRaw, Text: fmt.Sprintf("PART %s", strings.Fields(inv.Arg)[0])}}
}

func (t *Table) cmdOp(inv *Invocation) []Line {
	return []Line{{Mode: dispatch.ModeRaw, Text: fmt.Sprintf("MODE %s +o %s", inv.Channel, inv.Sender)}}
}

func (t *Table) cmdDeop(inv *Invocation) []Line {
	return []Line{{Mode: dispatch.ModeRaw, Text: fmt.Sprintf("MODE %s -o %s", inv.Channel, inv.Sender)}}
}

func (t *Table) cmdReload(*Invocation) []Line {
	t.reloadStore(t.mailbox.Load, "message_queue")
	t.reloadStore(t.seen.Load, "last_seen")
	t.reloadStore(t.pad.Load, "notes")
	t.loadFacts()
	return []Line{{Text: "Successfully reloaded."}}
}

func (t *Table) loadFacts() {
	facts, err := storage.LoadLines(t.cfg.DataDir, factsFile)
	if err != nil {
		t.log.Warn("could not load facts", zap.Error(err))
		return
	}
	t.factsMu.Lock()
	t.facts = facts
	t.factsMu.Unlock()
}

// reloadStore refreshes a store from disk; other processes write the same
// files, so every read-side command starts from the persisted state.
func (t *Table) reloadStore(load func() error, name string) {
	if err := load(); err != nil {
		t.log.Debug("store reload", zap.String("store", name), zap.Error(err))
	}
}
