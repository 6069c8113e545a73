// Package tell is the deferred-delivery mailbox: messages left for a user
// are handed over the next time that user speaks in the channel.
package tell

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nettlebot/nettle/internal/seen"
	"github.com/nettlebot/nettle/internal/storage"
)

const fileName = "message_queue.json"

// Entry is one deferred message. Recipient keeps the case the sender typed;
// the mailbox key is lowercased.
type Entry struct {
	Recipient string    `json:"recipient"`
	Sender    string    `json:"sender"`
	Message   string    `json:"message"`
	Time      time.Time `json:"time"`
}

// Mailbox maps channel -> lowercased recipient -> pending entries. Safe for
// concurrent use.
type Mailbox struct {
	dataDir string

	mu    sync.Mutex
	queue map[string]map[string][]Entry
}

// NewMailbox returns a mailbox persisting under dataDir.
func NewMailbox(dataDir string) *Mailbox {
	return &Mailbox{
		dataDir: dataDir,
		queue:   make(map[string]map[string][]Entry),
	}
}

// Add stores a message for recipient in channel.
func (m *Mailbox) Add(channel, recipient, sender, message string) {
	key := strings.ToLower(recipient)

	m.mu.Lock()
	defer m.mu.Unlock()

	recipients := m.queue[channel]
	if recipients == nil {
		recipients = make(map[string][]Entry)
		m.queue[channel] = recipients
	}
	recipients[key] = append(recipients[key], Entry{
		Recipient: recipient,
		Sender:    sender,
		Message:   message,
		Time:      time.Now().UTC(),
	})
}

// Deliver returns the formatted messages waiting for speaker in channel and
// removes the whole recipient key atomically. The speaker is matched
// case-insensitively. Returns nil when nothing is pending.
func (m *Mailbox) Deliver(speaker, channel string, now time.Time) []string {
	key := strings.ToLower(speaker)

	m.mu.Lock()
	entries := m.queue[channel][key]
	if entries != nil {
		delete(m.queue[channel], key)
		if len(m.queue[channel]) == 0 {
			delete(m.queue, channel)
		}
	}
	m.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}

	out := make([]string, len(entries))
	for i, e := range entries {
		age := seen.FormatDelta(now.UTC().Sub(e.Time))
		out[i] = fmt.Sprintf("%s, %s ago <%s> %s", speaker, age, e.Sender, e.Message)
	}
	return out
}

// Pending reports whether anything is queued at all.
func (m *Mailbox) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) > 0
}

// Purge discards every queued entry and persists the empty mailbox.
func (m *Mailbox) Purge() error {
	m.mu.Lock()
	m.queue = make(map[string]map[string][]Entry)
	m.mu.Unlock()
	return m.Save()
}

// Save persists the mailbox.
func (m *Mailbox) Save() error {
	m.mu.Lock()
	snapshot := make(map[string]map[string][]Entry, len(m.queue))
	for ch, recipients := range m.queue {
		cp := make(map[string][]Entry, len(recipients))
		for user, entries := range recipients {
			es := make([]Entry, len(entries))
			copy(es, entries)
			cp[user] = es
		}
		snapshot[ch] = cp
	}
	m.mu.Unlock()

	return storage.SaveJSON(m.dataDir, fileName, snapshot)
}

// Load replaces the mailbox contents from disk.
func (m *Mailbox) Load() error {
	loaded := make(map[string]map[string][]Entry)
	if err := storage.LoadJSON(m.dataDir, fileName, &loaded); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = loaded
	return nil
}
