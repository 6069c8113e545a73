package irc

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/google/uuid"
	"github.com/nettlebot/nettle/internal/dispatch"
	"github.com/nettlebot/nettle/internal/history"
	"github.com/nettlebot/nettle/internal/notes"
	"github.com/nettlebot/nettle/internal/sed"
	"github.com/nettlebot/nettle/internal/seen"
	"github.com/nettlebot/nettle/internal/tell"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	keepaliveInterval = 195 * time.Second
	responsePace      = 400 * time.Millisecond
	dedupWindow       = 30 * time.Second
	snapshotSchedule  = "@every 5m"
)

// Deps are the shared stores and the executor link an orchestrator serves.
type Deps struct {
	History  *history.Buffer
	Seen     *seen.Store
	Mailbox  *tell.Mailbox
	Pad      *notes.Pad
	Dispatch *dispatch.Client
	Ignored  []string
}

// outbound is one response with its routing context attached.
type outbound struct {
	channel string
	sender  string
	resp    dispatch.Response
}

// Orchestrator runs the concurrent loops of a live session: the reader, the
// keepalive, the paced response writer and the dedup eviction, all tied to
// one context so a failure in any loop tears the connection down.
type Orchestrator struct {
	session *Session
	deps    Deps
	log     *zap.Logger

	outbound chan outbound

	dedupMu sync.Mutex
	dedup   map[string]time.Time
}

// NewOrchestrator wires an orchestrator around a dialed session.
func NewOrchestrator(session *Session, deps Deps, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		session:  session,
		deps:     deps,
		log:      log,
		outbound: make(chan outbound, 64),
		dedup:    make(map[string]time.Time),
	}
}

// Run services the connection until it fails or ctx is cancelled. The
// returned error is the first loop failure; ErrAuthRejected and
// ErrNickCollision mean the caller must not reconnect.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Closing the connection is what unblocks the reader.
	go func() {
		<-ctx.Done()
		o.session.closeTransport()
	}()

	sched := cron.New()
	sched.AddFunc(snapshotSchedule, func() {
		if err := o.deps.History.Save(o.session.cfg.DataDir); err != nil {
			o.log.Error("history snapshot failed", zap.Error(err))
		}
	})
	sched.AddFunc("@daily", func() {
		if err := o.deps.Seen.Save(); err != nil {
			o.log.Error("last-seen flush failed", zap.Error(err))
		}
	})
	sched.Start()
	defer sched.Stop()

	// The reader drives the handshake; the other loops hold off until the
	// session is live so no keepalive traffic interleaves with registration.
	g.Go(func() error { return o.readLoop(ctx) })
	g.Go(func() error { return o.afterLive(ctx, o.keepaliveLoop) })
	g.Go(func() error { return o.afterLive(ctx, o.responseLoop) })
	g.Go(func() error { return o.afterLive(ctx, o.evictionLoop) })

	return g.Wait()
}

func (o *Orchestrator) afterLive(ctx context.Context, loop func(context.Context) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.session.live:
		return loop(ctx)
	}
}

func (o *Orchestrator) readLoop(ctx context.Context) error {
	for {
		msg, err := o.session.readLine()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := o.session.advance(msg); err != nil {
			return err
		}
		if msg.Command == "PRIVMSG" {
			o.handlePrivmsg(ctx, msg)
		}
	}
}

func (o *Orchestrator) keepaliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.session.send("PING :keepalive")
		}
	}
}

// responseLoop writes queued responses one at a time with a fixed pause
// between lines, dropping any line already sent within the dedup window.
func (o *Orchestrator) responseLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out := <-o.outbound:
			if o.isDuplicate(out) {
				o.log.Debug("dropped duplicate response", zap.String("text", out.resp.Text))
				continue
			}
			switch out.resp.Mode {
			case dispatch.ModeNotice:
				o.session.Notice(out.sender, out.resp.Text)
			case dispatch.ModeRaw:
				o.session.SendRaw(out.resp.Text)
			default:
				o.session.Privmsg(out.channel, out.resp.Text)
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(responsePace):
			}
		}
	}
}

func (o *Orchestrator) evictionLoop(ctx context.Context) error {
	ticker := time.NewTicker(dedupWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			o.dedupMu.Lock()
			for key, at := range o.dedup {
				if now.Sub(at) >= dedupWindow {
					delete(o.dedup, key)
				}
			}
			o.dedupMu.Unlock()
		}
	}
}

func (o *Orchestrator) isDuplicate(out outbound) bool {
	// Raw lines are operator actions and always pass through.
	if out.resp.Mode == dispatch.ModeRaw {
		return false
	}
	key := out.channel + "\x00" + out.resp.Text

	o.dedupMu.Lock()
	defer o.dedupMu.Unlock()
	if at, ok := o.dedup[key]; ok && time.Since(at) < dedupWindow {
		return true
	}
	o.dedup[key] = time.Now()
	return false
}

func (o *Orchestrator) handlePrivmsg(ctx context.Context, msg ircmsg.Message) {
	if len(msg.Params) < 2 {
		return
	}
	target, content := msg.Params[0], msg.Params[1]
	if !strings.HasPrefix(target, "#") {
		return
	}

	nick := msg.Nick()
	nuh, err := msg.NUH()
	if err != nil {
		return
	}
	hostmask := nuh.Canonical()

	for _, ignored := range o.deps.Ignored {
		if strings.EqualFold(nick, ignored) {
			return
		}
	}

	// CTCP requests other than ACTION are answered and kept out of history.
	if strings.HasPrefix(content, "\x01") && !strings.HasPrefix(content, "\x01ACTION") {
		o.handleCTCP(nick, content)
		return
	}

	now := time.Now()
	o.deps.Seen.Record(nick, target, strings.Join(strings.Fields(content), " "))

	// The mailbox and pad are written by the executor process too, so each
	// delivery pass starts from the file and writes its mutations back.
	if err := o.deps.Mailbox.Load(); err != nil && !os.IsNotExist(err) {
		o.log.Warn("reloading message queue failed", zap.Error(err))
	}
	if delivered := o.deps.Mailbox.Deliver(nick, target, now); len(delivered) > 0 {
		for _, line := range delivered {
			o.enqueue(outbound{channel: target, sender: nick, resp: dispatch.Response{Mode: dispatch.ModeChannel, Text: line}})
		}
		if err := o.deps.Mailbox.Save(); err != nil {
			o.log.Error("saving message queue failed", zap.Error(err))
		}
	}

	if err := o.deps.Pad.Load(); err != nil && !os.IsNotExist(err) {
		o.log.Warn("reloading notes failed", zap.Error(err))
	}
	if due := o.deps.Pad.Check(nick, target, now); len(due) > 0 {
		for _, line := range due {
			o.enqueue(outbound{channel: target, sender: nick, resp: dispatch.Response{Mode: dispatch.ModeChannel, Text: line}})
		}
		// Check advanced the delivered notes' next-eligible times; persist
		// them so a restart cannot re-fire the same reminders.
		if err := o.deps.Pad.Save(); err != nil {
			o.log.Error("saving notes failed", zap.Error(err))
		}
	}

	o.deps.History.Append(target, nick, content)

	if strings.HasPrefix(content, ".") || sed.Looks(content) {
		go o.dispatchCommand(ctx, nick, target, content, hostmask)
	}
}

func (o *Orchestrator) handleCTCP(nick, content string) {
	body := strings.Trim(content, "\x01")
	switch {
	case body == "VERSION":
		o.session.Notice(nick, "\x01VERSION NettleBot "+Version+"\x01")
	case strings.HasPrefix(body, "PING"):
		o.session.Notice(nick, "\x01"+body+"\x01")
	}
}

// dispatchCommand forwards one command-eligible message to the executor.
// Runs off the read loop so a slow executor never stalls message intake.
func (o *Orchestrator) dispatchCommand(ctx context.Context, nick, channel, content, hostmask string) {
	if ctx.Err() != nil {
		return
	}
	req := dispatch.Request{
		ID:       uuid.NewString(),
		Sender:   nick,
		Channel:  channel,
		Content:  content,
		Hostmask: hostmask,
		History:  o.deps.History.Snapshot(channel),
		Admins:   o.session.cfg.Admins,
	}

	responses, err := o.deps.Dispatch.Do(req)
	if err != nil {
		o.log.Warn("dispatch failed", zap.String("id", req.ID), zap.Error(err))
		return
	}
	for _, resp := range responses {
		o.enqueue(outbound{channel: channel, sender: nick, resp: resp})
	}
}

func (o *Orchestrator) enqueue(out outbound) {
	select {
	case o.outbound <- out:
	default:
		o.log.Warn("outbound queue full, dropping response", zap.String("text", out.resp.Text))
	}
}
