// Package notes is the reminder scheduler: per-user, per-channel notes that
// resurface after a configurable delay whenever the noted user speaks.
//
// Each note carries its own next-eligible time, computed at creation and
// advanced on every delivery. There is no separate "already reminded"
// registry; a note is due exactly when now >= next-eligible.
package notes

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nettlebot/nettle/internal/storage"
)

const fileName = "notes.json"

// DefaultDelayHours applies when a note gives no delay of its own.
const DefaultDelayHours = 12

// Note is one stored reminder. Immutable after creation except for the
// scheduler advancing NextEligible.
type Note struct {
	Text         string    `json:"note"`
	CreatedAt    time.Time `json:"timestamp"`
	DelayHours   int       `json:"delay_hours"`
	NextEligible time.Time `json:"next_eligible"`
}

// Pad maps channel -> lowercased user -> notes. Safe for concurrent use.
type Pad struct {
	dataDir string

	mu    sync.Mutex
	paper map[string]map[string][]Note
}

// NewPad returns a pad persisting under dataDir.
func NewPad(dataDir string) *Pad {
	return &Pad{
		dataDir: dataDir,
		paper:   make(map[string]map[string][]Note),
	}
}

// Add stores a note for user in channel. A leading integer argument is the
// resurface delay in hours; otherwise DefaultDelayHours applies. Duplicate
// note text for the same user and channel is rejected. Returns the
// confirmation or rejection line.
func (p *Pad) Add(channel, user, text string, now time.Time) string {
	delay := DefaultDelayHours
	if fields := strings.Fields(text); len(fields) > 1 {
		if n, err := strconv.Atoi(fields[0]); err == nil && n > 0 {
			delay = n
			text = strings.Join(fields[1:], " ")
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "Cannot add an empty note"
	}

	luser := strings.ToLower(user)

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, n := range p.paper[channel][luser] {
		if n.Text == text {
			return fmt.Sprintf("Duplicate note detected for %s in %s: '%s'", user, channel, text)
		}
	}

	users := p.paper[channel]
	if users == nil {
		users = make(map[string][]Note)
		p.paper[channel] = users
	}
	users[luser] = append(users[luser], Note{
		Text:         text,
		CreatedAt:    now.UTC(),
		DelayHours:   delay,
		NextEligible: now.UTC().Add(time.Duration(delay) * time.Hour),
	})
	return "Note Added"
}

// Check returns the reminders due for user in channel at time now, re-arming
// each delivered note by its own delay so it resurfaces again later.
func (p *Pad) Check(user, channel string, now time.Time) []string {
	luser := strings.ToLower(user)
	now = now.UTC()

	p.mu.Lock()
	defer p.mu.Unlock()

	notes := p.paper[channel][luser]
	var due []string
	for i := range notes {
		if now.Before(notes[i].NextEligible) {
			continue
		}
		due = append(due, fmt.Sprintf("Reminder (%dh rule): '%s' | noted %s",
			notes[i].DelayHours, notes[i].Text, notes[i].CreatedAt.Format("2006-01-02 15:04:05")))
		notes[i].NextEligible = now.Add(time.Duration(notes[i].DelayHours) * time.Hour)
	}
	return due
}

// List returns the user's notes in channel with their indexes, or a single
// not-found line.
func (p *Pad) List(channel, user string) []string {
	luser := strings.ToLower(user)

	p.mu.Lock()
	defer p.mu.Unlock()

	notes := p.paper[channel][luser]
	if len(notes) == 0 {
		return []string{"No User Found"}
	}

	out := make([]string, len(notes))
	for i, n := range notes {
		out[i] = fmt.Sprintf("Index:%d [%s]: %s", i, n.CreatedAt.Format("2006-01-02 15:04:05"), n.Text)
	}
	return out
}

// Clear removes exactly one note by index, pruning the user and channel
// entries once empty. Returns the response line.
func (p *Pad) Clear(channel, user string, index string) string {
	luser := strings.ToLower(user)

	idx, err := strconv.Atoi(strings.TrimSpace(index))
	if err != nil {
		return "Please provide a valid index number"
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	notes := p.paper[channel][luser]
	if len(notes) == 0 {
		return fmt.Sprintf("No notes found for %s", user)
	}
	if idx < 0 || idx >= len(notes) {
		return "No note at the given index"
	}

	removed := notes[idx]
	notes = append(notes[:idx], notes[idx+1:]...)
	if len(notes) == 0 {
		delete(p.paper[channel], luser)
		if len(p.paper[channel]) == 0 {
			delete(p.paper, channel)
		}
	} else {
		p.paper[channel][luser] = notes
	}
	return fmt.Sprintf("Note removed for %s: '%s'", user, removed.Text)
}

// Save persists the pad.
func (p *Pad) Save() error {
	p.mu.Lock()
	snapshot := make(map[string]map[string][]Note, len(p.paper))
	for ch, users := range p.paper {
		cp := make(map[string][]Note, len(users))
		for user, ns := range users {
			cpNotes := make([]Note, len(ns))
			copy(cpNotes, ns)
			cp[user] = cpNotes
		}
		snapshot[ch] = cp
	}
	p.mu.Unlock()

	return storage.SaveJSON(p.dataDir, fileName, snapshot)
}

// Load replaces the pad contents from disk. Notes persisted before the
// next-eligible field existed get one computed from creation time and delay.
func (p *Pad) Load() error {
	loaded := make(map[string]map[string][]Note)
	if err := storage.LoadJSON(p.dataDir, fileName, &loaded); err != nil {
		return err
	}

	for _, users := range loaded {
		for _, ns := range users {
			for i := range ns {
				if ns[i].DelayHours <= 0 {
					ns[i].DelayHours = DefaultDelayHours
				}
				if ns[i].NextEligible.IsZero() {
					ns[i].NextEligible = ns[i].CreatedAt.Add(time.Duration(ns[i].DelayHours) * time.Hour)
				}
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.paper = loaded
	return nil
}
