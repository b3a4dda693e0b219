package handlers

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/chatgate/internal/bus"
)

var bracketPairs = map[rune]rune{
	'(': ')', '[': ']', '{': '}',
	'（': '）', '【': '】', '「': '」', '『': '』', '《': '》', '〈': '〉', '“': '”', '‘': '’',
}

var closers = func() map[rune]rune {
	m := make(map[rune]rune, len(bracketPairs))
	for open, c := range bracketPairs {
		m[c] = open
	}
	return m
}()

const maxFixLen = 32

// MissingClosers returns the closing brackets text needs, innermost first.
// Stray closers are ignored.
func MissingClosers(text string) string {
	var stack []rune
	for _, r := range text {
		if c, ok := bracketPairs[r]; ok {
			stack = append(stack, c)
			continue
		}
		if _, ok := closers[r]; ok && len(stack) > 0 && stack[len(stack)-1] == r {
			stack = stack[:len(stack)-1]
		}
	}
	var b strings.Builder
	for i, n := len(stack)-1, 0; i >= 0 && n < maxFixLen; i, n = i-1, n+1 {
		b.WriteRune(stack[i])
	}
	return b.String()
}

// Fix closes unbalanced brackets.
func (s *Set) Fix(ctx context.Context, evt *bus.InboundMessage) error {
	return s.reply(ctx, evt, MissingClosers(evt.Text))
}

// Six answers "6" with "6".
func (s *Set) Six(ctx context.Context, evt *bus.InboundMessage) error {
	switch strings.TrimSpace(evt.Text) {
	case "6", "６":
		return s.reply(ctx, evt, "6")
	}
	return nil
}

// repeatTracker remembers the last text per chat and which actors sent it.
type repeatTracker struct {
	mu    sync.Mutex
	chats map[int64]*repeatState
}

type repeatState struct {
	text   string
	actors map[int64]struct{}
	done   bool
	seen   time.Time
}

func newRepeatTracker() *repeatTracker {
	return &repeatTracker{chats: make(map[int64]*repeatState)}
}

// observe records evt and reports whether the bot should echo it: the same
// text from a second distinct actor in a row, once per run.
func (t *repeatTracker) observe(chat, actor int64, text string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.chats[chat]
	if !ok || st.text != text {
		t.chats[chat] = &repeatState{text: text, actors: map[int64]struct{}{actor: {}}, seen: now}
		return false
	}
	st.seen = now
	st.actors[actor] = struct{}{}
	if st.done || len(st.actors) < 2 {
		return false
	}
	st.done = true
	return true
}

// prune forgets chats whose last message arrived before cutoff.
func (t *repeatTracker) prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for chat, st := range t.chats {
		if st.seen.Before(cutoff) {
			delete(t.chats, chat)
			n++
		}
	}
	return n
}

// Repeat echoes a message repeated by two different users in a row.
func (s *Set) Repeat(ctx context.Context, evt *bus.InboundMessage) error {
	text := strings.TrimSpace(evt.Text)
	if text == "" {
		return nil
	}
	if s.repeat.observe(evt.ChatScope, evt.ActorID, text, s.opts.Now()) {
		return s.reply(ctx, evt, text)
	}
	return nil
}
