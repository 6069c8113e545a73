// Package sed implements the contextual correction engine: given a prior
// message in a channel's history and an s<sep>pattern<sep>replacement
// command, it produces a single corrected message.
package sed

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nettlebot/nettle/internal/history"
)

// CharLimit is the largest corrected message we will emit. Anything longer
// would be truncated by the transport, so it is treated as no match.
const CharLimit = 460

// Any of these may act as the command separator; whichever punctuation
// character follows the leading s is the one that must delimit every
// remaining segment.
const separators = "/_-~.|@+!`;:><=)(*&^%#?[]{}$,'\""

// Errors reported by Apply. A bad pattern keeps its compile error attached.
var (
	ErrFormat    = errors.New("invalid correction command format")
	ErrNoHistory = errors.New("no message history for channel")
)

// NoMatchError reports that no eligible message matched, naming the target
// nickname when the command gave one.
type NoMatchError struct {
	Target string
}

func (e *NoMatchError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("no matching message from %s", e.Target)
	}
	return "no matching message"
}

// Command is a parsed correction command.
type Command struct {
	Pattern     string
	Replacement string
	Global      bool
	Insensitive bool
	Occurrence  int
	Target      string

	re   *regexp.Regexp
	echo bool
}

// Result is the corrected message together with its original sender.
type Result struct {
	Sender string
	Text   string
}

// Looks reports whether content has the shape of a correction command:
// a leading s or S, a separator character, and at least one more separator
// delimiting pattern from replacement. Messages of this shape are also
// skipped as correction targets.
func Looks(content string) bool {
	if len(content) < 4 {
		return false
	}
	if content[0] != 's' && content[0] != 'S' {
		return false
	}
	sep := content[1]
	if strings.IndexByte(separators, sep) < 0 {
		return false
	}
	return len(splitUnescaped(content[2:], sep)) >= 2
}

// Parse parses a correction command. The separator is whatever punctuation
// character follows the leading s; a backslash escapes a literal separator
// inside pattern or replacement. Trailing segments are classified in order:
// [gi]+ flags, a digit run as the occurrence index, anything else as the
// target nickname.
func Parse(content string) (*Command, error) {
	if !Looks(content) {
		return nil, ErrFormat
	}
	sep := content[1]
	segs := splitUnescaped(content[2:], sep)

	cmd := &Command{
		Pattern:     segs[0],
		Replacement: segs[1],
	}

	for _, seg := range segs[2:] {
		switch {
		case seg == "":
			// trailing separator
		case isFlagSegment(seg):
			cmd.Global = strings.Contains(seg, "g")
			cmd.Insensitive = strings.Contains(seg, "i")
		case isDigits(seg):
			n, err := strconv.Atoi(seg)
			if err != nil || n < 1 {
				return nil, ErrFormat
			}
			cmd.Occurrence = n
		default:
			cmd.Target = seg
		}
	}

	// A bare wildcard or anchor echoes the most recent eligible message
	// instead of substituting.
	if cmd.Pattern == "*" || cmd.Pattern == "$" || cmd.Pattern == "^" {
		cmd.echo = true
		return cmd, nil
	}

	expr := cmd.Pattern
	if expr == " " {
		expr = `\s`
	}
	if strings.Contains(expr, `\b`) {
		expr = `\b` + strings.TrimSuffix(strings.TrimPrefix(expr, `\b`), `\b`) + `\b`
	}
	if cmd.Insensitive {
		expr = "(?i)" + expr
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	cmd.re = re
	return cmd, nil
}

// Apply scans the channel history newest to oldest and returns at most one
// corrected message. The history itself is never mutated. Messages that
// themselves look like correction commands are skipped, as are messages
// from other senders when a target nickname was given. When an occurrence
// index is set, matches are counted across the whole scan and only the N-th
// one is replaced.
func Apply(msgs []history.Message, cmd *Command) (*Result, error) {
	if len(msgs) == 0 {
		return nil, ErrNoHistory
	}

	matchesSeen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if cmd.Target != "" && m.Sender != cmd.Target {
			continue
		}
		if Looks(m.Content) {
			continue
		}

		if cmd.echo {
			return &Result{Sender: m.Sender, Text: m.Content}, nil
		}

		locs := cmd.re.FindAllStringSubmatchIndex(m.Content, -1)
		if len(locs) == 0 {
			continue
		}

		var replaced string
		if cmd.Occurrence > 0 {
			if matchesSeen+len(locs) < cmd.Occurrence {
				matchesSeen += len(locs)
				continue
			}
			replaced = replaceAt(cmd.re, m.Content, cmd.Replacement, locs[cmd.Occurrence-matchesSeen-1])
		} else if cmd.Global {
			replaced = cmd.re.ReplaceAllString(m.Content, cmd.Replacement)
		} else {
			replaced = replaceAt(cmd.re, m.Content, cmd.Replacement, locs[0])
		}

		if replaced == m.Content || len(replaced) > CharLimit {
			continue
		}
		return &Result{Sender: m.Sender, Text: replaced}, nil
	}

	return nil, &NoMatchError{Target: cmd.Target}
}

// replaceAt substitutes a single match, expanding $1-style group references
// in the replacement template.
func replaceAt(re *regexp.Regexp, src, repl string, loc []int) string {
	expanded := re.ExpandString(nil, repl, src, loc)
	return src[:loc[0]] + string(expanded) + src[loc[1]:]
}

// splitUnescaped splits s on sep, honoring backslash escapes: an escaped
// separator becomes a literal in the segment, any other escape is kept
// verbatim for the regexp engine.
func splitUnescaped(s string, sep byte) []string {
	var segs []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			if s[i+1] == sep {
				cur.WriteByte(sep)
			} else {
				cur.WriteByte('\\')
				cur.WriteByte(s[i+1])
			}
			i++
			continue
		}
		if c == sep {
			segs = append(segs, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	segs = append(segs, cur.String())
	return segs
}

func isFlagSegment(s string) bool {
	for _, c := range s {
		if c != 'g' && c != 'i' {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
