// Package dispatch is the inter-process protocol between the session and
// the command executor: length-prefixed JSON frames over loopback TCP. The
// connection is trusted-localhost-only and carries no authentication.
package dispatch

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/nettlebot/nettle/internal/history"
)

// MaxFrameSize bounds a single frame payload. Anything larger is a protocol
// violation and kills the connection.
const MaxFrameSize = 1 << 20

// Delivery modes for a response.
const (
	ModeChannel = "channel" // PRIVMSG to the channel
	ModeNotice  = "notice"  // private NOTICE to the requester
	ModeRaw     = "raw"     // raw protocol line sent by the session
)

// Request carries one command-eligible message and its context to the
// executor. Field order is fixed.
type Request struct {
	ID       string            `json:"id"`
	Sender   string            `json:"sender"`
	Channel  string            `json:"channel"`
	Content  string            `json:"content"`
	Hostmask string            `json:"hostmask"`
	History  []history.Message `json:"history"`
	Admins   []string          `json:"admins"`
}

// Response is one line produced by the executor for a request. A stream of
// responses is terminated by a zero-length frame, not by connection close.
type Response struct {
	ID   string `json:"id"`
	Mode string `json:"mode"`
	Text string `json:"text"`
}

// writeFrame writes a 4-byte big-endian length prefix followed by payload.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed payload. A zero-length frame returns
// (nil, nil) and marks the end of a response stream.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, nil
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func writeJSONFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeFrame(w, payload)
}

// writeTerminator marks the end of a response stream.
func writeTerminator(w io.Writer) error {
	return writeFrame(w, nil)
}
