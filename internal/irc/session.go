// Package irc holds the connection lifecycle: the registration and SASL
// state machine, and the concurrent loops that service a live connection.
package irc

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/ergochat/irc-go/ircreader"
	"github.com/nettlebot/nettle/internal/config"
	"go.uber.org/zap"
)

// Version is reported in CTCP VERSION replies (set at build time).
var Version = "dev"

// State is the session's position in the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateNegotiating         // capabilities and registration in flight
	StateAuthenticating      // SASL exchange in flight
	StateAwaitingJoin        // awaiting login and welcome confirmations, then joining
	StateLive                // full participant
	StateDraining            // shutting down
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateNegotiating:
		return "negotiating"
	case StateAuthenticating:
		return "authenticating"
	case StateAwaitingJoin:
		return "awaiting-join"
	case StateLive:
		return "live"
	case StateDraining:
		return "draining"
	}
	return "unknown"
}

// Fatal handshake failures. A session that returns one of these must not be
// redialed; anything else is a transport error and eligible for reconnect.
var (
	ErrAuthRejected  = errors.New("irc: SASL authentication rejected")
	ErrNickCollision = errors.New("irc: nickname already in use")
)

const (
	maxLineLen   = 512
	readBufLen   = 4096 + 512
	joinInterval = 300 * time.Millisecond
)

// Session is one connection attempt's worth of state. It is never reused: a
// reconnect builds a fresh Session so no handshake state leaks across
// attempts.
type Session struct {
	cfg *config.Config
	log *zap.Logger

	conn   net.Conn
	reader ircreader.Reader

	writeMu sync.Mutex
	out     io.Writer

	mu           sync.Mutex
	state        State
	saslDisabled bool // server NAKed sasl or never advertised it
	loggedIn     bool
	sawEndOfMOTD bool
	joined       bool

	// live is closed once the session reaches StateLive; the orchestrator's
	// post-registration loops wait on it.
	live chan struct{}

	joinDelay time.Duration
}

// NewSession returns an unconnected session.
func NewSession(cfg *config.Config, log *zap.Logger) *Session {
	return &Session{
		cfg:       cfg,
		log:       log,
		state:     StateDisconnected,
		live:      make(chan struct{}),
		joinDelay: joinInterval,
	}
}

// Dial connects to the server, optionally over TLS, and opens the handshake:
// capability negotiation starts before registration so SASL can complete
// first.
func (s *Session) Dial(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	addr := fmt.Sprintf("%s:%d", s.cfg.Server, s.cfg.Port)

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if s.cfg.UseTLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: s.cfg.Server})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("tls handshake: %w", err)
		}
		conn = tlsConn
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.reader.Initialize(conn, maxLineLen, readBufLen)
	s.out = conn
	s.setState(StateNegotiating)

	s.send("CAP LS 302")
	s.send("NICK %s", s.cfg.Nick)
	s.send("USER %s 0 * :%s", s.cfg.Nick, s.cfg.Nick)
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	old := s.state
	s.state = st
	s.mu.Unlock()
	if old != st {
		s.log.Debug("session state", zap.Stringer("from", old), zap.Stringer("to", st))
	}
}

// send writes one protocol line. Serialized so concurrent loops never
// interleave partial lines.
func (s *Session) send(format string, args ...any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.out == nil {
		return
	}
	if _, err := fmt.Fprintf(s.out, format+"\r\n", args...); err != nil {
		s.log.Warn("write failed", zap.Error(err))
	}
}

// SendRaw writes one raw protocol line verbatim.
func (s *Session) SendRaw(line string) {
	s.send("%s", line)
}

// Privmsg sends a channel or private message.
func (s *Session) Privmsg(target, text string) {
	s.send("PRIVMSG %s :%s", target, text)
}

// Notice sends a private notice.
func (s *Session) Notice(target, text string) {
	s.send("NOTICE %s :%s", target, text)
}

// readLine blocks for the next complete protocol line.
func (s *Session) readLine() (ircmsg.Message, error) {
	for {
		line, err := s.reader.ReadLine()
		if err != nil {
			return ircmsg.Message{}, err
		}
		msg, err := ircmsg.ParseLine(string(line))
		if err != nil {
			s.log.Debug("unparsable line", zap.String("line", string(line)), zap.Error(err))
			continue
		}
		return msg, nil
	}
}

func (s *Session) useSASL() bool {
	return s.cfg.SASLPass != ""
}

// advance feeds one server message through the handshake state machine. A
// returned error is fatal to the whole process, not just the connection.
func (s *Session) advance(msg ircmsg.Message) error {
	switch msg.Command {
	case "PING":
		if len(msg.Params) > 0 {
			s.send("PONG :%s", msg.Params[0])
		} else {
			s.send("PONG")
		}

	case "CAP":
		s.handleCap(msg)

	case "AUTHENTICATE":
		if len(msg.Params) > 0 && msg.Params[0] == "+" {
			blob := fmt.Sprintf("%s\x00%s\x00%s", s.cfg.SASLUser, s.cfg.SASLUser, s.cfg.SASLPass)
			s.send("AUTHENTICATE %s", base64.StdEncoding.EncodeToString([]byte(blob)))
		}

	case "900": // RPL_LOGGEDIN
		s.mu.Lock()
		s.loggedIn = true
		s.mu.Unlock()
		s.maybeJoin()

	case "903": // RPL_SASLSUCCESS
		s.send("CAP END")
		s.setState(StateAwaitingJoin)

	case "904", "905": // ERR_SASLFAIL, ERR_SASLTOOLONG
		s.setState(StateDraining)
		return ErrAuthRejected

	case "433": // ERR_NICKNAMEINUSE
		s.setState(StateDraining)
		return ErrNickCollision

	case "376", "422": // RPL_ENDOFMOTD, ERR_NOMOTD
		s.mu.Lock()
		s.sawEndOfMOTD = true
		s.mu.Unlock()
		s.maybeJoin()

	case "513": // ERR_NEEDPONG: reply with the supplied cookie
		if len(msg.Params) > 0 {
			s.send("PONG :%s", msg.Params[len(msg.Params)-1])
		}
	}
	return nil
}

func (s *Session) handleCap(msg ircmsg.Message) {
	if len(msg.Params) < 3 {
		return
	}
	switch msg.Params[1] {
	case "LS":
		caps := msg.Params[len(msg.Params)-1]
		if s.useSASL() && strings.Contains(caps, "sasl") {
			s.send("CAP REQ :sasl")
		} else {
			s.disableSASL()
			s.send("CAP END")
		}
	case "ACK":
		if strings.Contains(msg.Params[2], "sasl") {
			s.setState(StateAuthenticating)
			s.send("AUTHENTICATE PLAIN")
		}
	case "NAK":
		// Server refused sasl; register without it.
		s.disableSASL()
		s.send("CAP END")
	}
}

// disableSASL records that no SASL exchange will happen on this connection,
// so joining must not wait for a login confirmation that never comes.
func (s *Session) disableSASL() {
	s.mu.Lock()
	s.saslDisabled = true
	s.mu.Unlock()
}

// maybeJoin starts joining channels once registration is complete: the end
// of the MOTD has arrived and, when a SASL exchange actually happened on
// this connection, the login confirmation too. Joins are spaced out to stay
// under flood limits.
func (s *Session) maybeJoin() {
	s.mu.Lock()
	ready := s.sawEndOfMOTD && (s.loggedIn || !s.useSASL() || s.saslDisabled) && !s.joined
	if ready {
		s.joined = true
	}
	s.mu.Unlock()
	if !ready {
		return
	}

	s.setState(StateAwaitingJoin)
	for i, channel := range s.cfg.Channels {
		if i > 0 {
			time.Sleep(s.joinDelay)
		}
		s.send("JOIN %s", channel)
	}
	s.setState(StateLive)
	close(s.live)
	s.log.Info("session live", zap.Strings("channels", s.cfg.Channels))
}

// closeTransport closes the socket without the QUIT courtesy, unblocking a
// reader stuck in a blocking read.
func (s *Session) closeTransport() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Close drains the session: a QUIT if the connection is still up, then the
// connection itself.
func (s *Session) Close() error {
	s.setState(StateDraining)

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	s.send("QUIT :Shutting down")
	return conn.Close()
}
