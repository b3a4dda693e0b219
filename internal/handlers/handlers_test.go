package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/KafClaw/chatgate/internal/bus"
)

type captureReplier struct {
	mu   sync.Mutex
	msgs []*bus.OutboundMessage
}

func (c *captureReplier) PublishOutbound(ctx context.Context, msg *bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureReplier) contents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.msgs {
		out = append(out, m.Content)
	}
	return out
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func redirectTo(loc string) roundTripFunc {
	return func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusFound,
			Header:     http.Header{"Location": []string{loc}},
			Body:       io.NopCloser(strings.NewReader("")),
			Request:    r,
		}, nil
	}
}

func msg(chat, actor int64, text string) *bus.InboundMessage {
	return &bus.InboundMessage{Channel: "test", ChatID: "c", ChatScope: chat, ActorID: actor, Text: text}
}

func TestMissingClosers(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"hello", ""},
		{"(a", ")"},
		{"([{", "}])"},
		{"(a) [b", "]"},
		{"a)", ""},
		{"（笑", "）"},
		{"【《", "》】"},
		{strings.Repeat("(", 100), strings.Repeat(")", maxFixLen)},
	}
	for _, tt := range tests {
		if got := MissingClosers(tt.in); got != tt.want {
			t.Errorf("MissingClosers(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFixAndSix(t *testing.T) {
	out := &captureReplier{}
	s := New(out, Options{})
	ctx := context.Background()
	_ = s.Fix(ctx, msg(1, 1, "balanced ()"))
	_ = s.Fix(ctx, msg(1, 1, "oops ("))
	_ = s.Six(ctx, msg(1, 1, " 6 "))
	_ = s.Six(ctx, msg(1, 1, "66"))
	if diff := cmp.Diff([]string{")", "6"}, out.contents()); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}
}

func TestRepeat(t *testing.T) {
	out := &captureReplier{}
	s := New(out, Options{})
	ctx := context.Background()
	steps := []*bus.InboundMessage{
		msg(1, 10, "hi"),
		msg(1, 10, "hi"), // same actor twice
		msg(1, 11, "hi"), // second distinct actor: echo
		msg(1, 12, "hi"), // already echoed
		msg(2, 13, "hi"), // other chat starts its own run
		msg(1, 10, "yo"),
		msg(1, 11, "yo"),
	}
	for _, m := range steps {
		if err := s.Repeat(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff([]string{"hi", "yo"}, out.contents()); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}
}

func TestStripTracking(t *testing.T) {
	u, _ := url.Parse("https://www.bilibili.com/video/BV1xx411c7mD?p=2&share_source=copy_web&vd_source=abc&t=30")
	got := StripTracking(u).String()
	if got != "https://www.bilibili.com/video/BV1xx411c7mD?p=2&t=30" {
		t.Fatalf("StripTracking = %s", got)
	}
	other, _ := url.Parse("https://example.com/?utm_source=x")
	if StripTracking(other) != other {
		t.Fatal("non-bilibili urls must be left alone")
	}
}

func TestFuckB23ResolvesShortLinks(t *testing.T) {
	out := &captureReplier{}
	client := &http.Client{Transport: redirectTo("https://www.bilibili.com/video/BV1xx411c7mD?share_medium=android&p=1")}
	s := New(out, Options{HTTPClient: client})

	err := s.FuckB23(context.Background(), msg(1, 1, "look https://b23.tv/abc123 and https://example.com/x"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"https://www.bilibili.com/video/BV1xx411c7mD?p=1"}, out.contents()); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}

	// Clean links produce no reply.
	out2 := &captureReplier{}
	s2 := New(out2, Options{HTTPClient: client})
	_ = s2.FuckB23(context.Background(), msg(1, 1, "https://www.bilibili.com/video/BV1"))
	if len(out2.contents()) != 0 {
		t.Fatalf("unexpected reply %v", out2.contents())
	}
}

func TestFuckB23ReportsResolveFailure(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: no route to host")
	})}
	s := New(&captureReplier{}, Options{HTTPClient: client})
	if err := s.FuckB23(context.Background(), msg(1, 1, "https://b23.tv/x")); err == nil {
		t.Fatal("expected resolve error")
	}
}

func TestGuozaoCooldown(t *testing.T) {
	out := &captureReplier{}
	s := New(out, Options{GuozaoCooldown: time.Hour})
	ctx := context.Background()

	if err := s.Guozao(ctx, msg(200, 1, "/guozao")); err != nil {
		t.Fatal(err)
	}
	if err := s.Guozao(ctx, msg(200, 2, "/guozao@bot")); !errors.Is(err, ErrRateLimited) || err.Error() != "rate limited" {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if err := s.Guozao(ctx, msg(201, 2, "/guozao")); err != nil {
		t.Fatalf("other chats have their own cooldown: %v", err)
	}
	if err := s.Guozao(ctx, msg(200, 1, "/ping")); err != nil {
		t.Fatal("other commands are ignored")
	}
	if n := len(out.contents()); n != 2 {
		t.Fatalf("expected 2 replies, got %d", n)
	}
}

func TestIDAndPing(t *testing.T) {
	out := &captureReplier{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(out, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	_ = s.ID(ctx, msg(-100, 7, "/id"))
	p := msg(1, 1, "/ping")
	p.Timestamp = now.Add(-250 * time.Millisecond)
	_ = s.Ping(ctx, p)
	_ = s.Ping(ctx, msg(1, 1, "/id"))

	want := []string{"user id: 7\nchat id: -100", "pong (250ms)"}
	if diff := cmp.Diff(want, out.contents()); diff != "" {
		t.Fatalf("replies mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectorOrder(t *testing.T) {
	sel := New(nil, Options{Sigil: '!'}).Selector()
	if sel.Sigil != '!' {
		t.Fatal("sigil not propagated")
	}
	want := []string{"fix", "six", "repeat", "fuck_b23", "guozao", "id", "ping"}
	if diff := cmp.Diff(want, sel.Features()); diff != "" {
		t.Fatalf("features mismatch (-want +got):\n%s", diff)
	}
}

func TestPruneIdleState(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	now := t0
	s := New(&captureReplier{}, Options{GuozaoCooldown: 10 * time.Minute, Now: func() time.Time { return now }})
	ctx := context.Background()

	_ = s.Guozao(ctx, msg(200, 1, "/guozao"))
	_ = s.Repeat(ctx, msg(300, 1, "hi"))
	now = t0.Add(30 * time.Minute)
	_ = s.Repeat(ctx, msg(301, 1, "hi"))

	if n := s.PruneIdle(t0.Add(20 * time.Minute)); n != 2 {
		t.Fatalf("pruned %d chats, want 2", n)
	}
	if len(s.guozao.chats) != 0 || len(s.repeat.chats) != 1 {
		t.Fatalf("left %d cooldowns and %d repeat chats", len(s.guozao.chats), len(s.repeat.chats))
	}
	if _, ok := s.repeat.chats[301]; !ok {
		t.Fatal("recently active chat must be kept")
	}
	if err := s.Guozao(ctx, msg(200, 1, "/guozao")); err != nil {
		t.Fatalf("cooldown already expired before pruning: %v", err)
	}
}
