// Package history keeps the rolling per-channel message log that backs the
// correction engine and the .last command.
package history

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nettlebot/nettle/internal/storage"
)

// DefaultCapacity is how many messages each channel retains.
const DefaultCapacity = 200

const fileName = "messages.json"

// Message is one stored channel message. Immutable once appended.
type Message struct {
	Timestamp int64  `json:"timestamp"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
}

// Buffer is a size-bounded, per-channel ordered log of recent messages.
// Oldest entries are evicted first. Safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	channels map[string][]Message
}

// NewBuffer returns an empty buffer with the given per-channel capacity.
// A capacity of zero or less falls back to DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		channels: make(map[string][]Message),
	}
}

// Append records a message for a channel, evicting the oldest entry once
// the channel is at capacity. CTCP ACTION messages are stored in their
// rendered "* nick does something" form.
func (b *Buffer) Append(channel, sender, content string) {
	if action, ok := strings.CutPrefix(content, "\x01ACTION"); ok && strings.HasSuffix(action, "\x01") {
		content = fmt.Sprintf("* %s%s", sender, strings.TrimSuffix(action, "\x01"))
	}

	msg := Message{
		Timestamp: time.Now().Unix(),
		Sender:    sender,
		Content:   content,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := append(b.channels[channel], msg)
	if len(msgs) > b.capacity {
		msgs = msgs[len(msgs)-b.capacity:]
	}
	b.channels[channel] = msgs
}

// Snapshot returns a copy of the channel's messages, oldest first. The
// caller owns the returned slice; the buffer is never mutated through it.
func (b *Buffer) Snapshot(channel string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := b.channels[channel]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Len returns how many messages are stored for the channel.
func (b *Buffer) Len(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[channel])
}

// Save writes the buffer to its JSON snapshot file.
func (b *Buffer) Save(dataDir string) error {
	b.mu.Lock()
	snapshot := make(map[string][]Message, len(b.channels))
	for ch, msgs := range b.channels {
		cp := make([]Message, len(msgs))
		copy(cp, msgs)
		snapshot[ch] = cp
	}
	b.mu.Unlock()

	return storage.SaveJSON(dataDir, fileName, snapshot)
}

// Load replaces the buffer contents from the JSON snapshot file, trimming
// each channel to capacity. A missing file leaves the buffer empty.
func (b *Buffer) Load(dataDir string) error {
	loaded := make(map[string][]Message)
	if err := storage.LoadJSON(dataDir, fileName, &loaded); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.channels = make(map[string][]Message, len(loaded))
	for ch, msgs := range loaded {
		if len(msgs) > b.capacity {
			msgs = msgs[len(msgs)-b.capacity:]
		}
		b.channels[ch] = msgs
	}
	return nil
}
