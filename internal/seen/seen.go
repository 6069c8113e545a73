// Package seen tracks the last activity and message count per user per
// channel, backing the .seen and .stats commands.
package seen

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nettlebot/nettle/internal/storage"
)

const fileName = "last_seen.json"

const timeLayout = "2006-01-02 15:04:05"

// Record is one user's last activity in one channel.
type Record struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	ChatCount int    `json:"chat_count"`
}

// Store maps lowercased user -> channel -> record. Safe for concurrent use.
// Records are never deleted except by Reset.
type Store struct {
	dataDir string

	mu    sync.Mutex
	users map[string]map[string]Record
}

// NewStore returns a store persisting under dataDir.
func NewStore(dataDir string) *Store {
	return &Store{
		dataDir: dataDir,
		users:   make(map[string]map[string]Record),
	}
}

// Record updates the last-seen entry for a speaker, incrementing the chat
// count.
func (s *Store) Record(sender, channel, content string) {
	user := strings.ToLower(sender)

	s.mu.Lock()
	defer s.mu.Unlock()

	channels := s.users[user]
	if channels == nil {
		channels = make(map[string]Record)
		s.users[user] = channels
	}
	channels[channel] = Record{
		Timestamp: time.Now().UTC().Format(timeLayout),
		Message:   content,
		ChatCount: channels[channel].ChatCount + 1,
	}
}

// Lookup returns the record for a user in a channel, matching the user
// case-insensitively.
func (s *Store) Lookup(user, channel string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.users[strings.ToLower(user)][channel]
	return rec, ok
}

// Age returns how long ago the record was updated, formatted like
// "1d 2h 3m 4s". Returns an error when the stored timestamp is unparsable.
func (r Record) Age(now time.Time) (string, error) {
	then, err := time.ParseInLocation(timeLayout, r.Timestamp, time.UTC)
	if err != nil {
		return "", fmt.Errorf("parse seen timestamp: %w", err)
	}
	return FormatDelta(now.UTC().Sub(then)), nil
}

// Top returns the top n chatters in a channel, busiest first.
func (s *Store) Top(channel string, n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	type entry struct {
		user  string
		count int
	}
	var entries []entry
	for user, channels := range s.users {
		if rec, ok := channels[channel]; ok {
			entries = append(entries, entry{user, rec.ChatCount})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].user < entries[j].user
	})
	if len(entries) > n {
		entries = entries[:n]
	}

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = fmt.Sprintf("%s, %d", e.user, e.count)
	}
	return out
}

// Reset discards all records.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]map[string]Record)
}

// Save persists the store.
func (s *Store) Save() error {
	s.mu.Lock()
	snapshot := make(map[string]map[string]Record, len(s.users))
	for user, channels := range s.users {
		cp := make(map[string]Record, len(channels))
		for ch, rec := range channels {
			cp[ch] = rec
		}
		snapshot[user] = cp
	}
	s.mu.Unlock()

	return storage.SaveJSON(s.dataDir, fileName, snapshot)
}

// Load replaces the store contents from disk.
func (s *Store) Load() error {
	loaded := make(map[string]map[string]Record)
	if err := storage.LoadJSON(s.dataDir, fileName, &loaded); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = loaded
	return nil
}

// FormatDelta renders a duration as "1d 2h 3m 4s", omitting zero parts.
func FormatDelta(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	return strings.Join(parts, " ")
}
