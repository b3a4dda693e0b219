package dispatch

import "github.com/KafClaw/chatgate/internal/bus"

// Selector holds the two disjoint handler sets. An event goes to exactly one
// of them, chosen by the first character of its text.
type Selector struct {
	Sigil   rune
	Plain   []Route
	Command []Route
}

// Routes returns the set that applies to evt.
func (s Selector) Routes(evt *bus.InboundMessage) []Route {
	sigil := s.Sigil
	if sigil == 0 {
		sigil = bus.DefaultSigil
	}
	if evt.IsCommand(sigil) {
		return s.Command
	}
	return s.Plain
}

// Features lists the feature names of both sets, plain first.
func (s Selector) Features() []string {
	out := make([]string, 0, len(s.Plain)+len(s.Command))
	for _, r := range s.Plain {
		out = append(out, r.Feature)
	}
	for _, r := range s.Command {
		out = append(out, r.Feature)
	}
	return out
}
