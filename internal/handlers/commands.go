package handlers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/KafClaw/chatgate/internal/bus"
)

// ErrRateLimited is returned by commands answered too often in one chat.
var ErrRateLimited = errors.New("rate limited")

var breakfasts = []string{
	"热干面", "豆皮", "面窝", "糊汤粉", "蛋酒", "烧麦", "汤包", "欢喜坨", "牛肉粉", "油条",
}

type cooldowns struct {
	mu       sync.Mutex
	interval time.Duration
	chats    map[int64]*cooldown
}

type cooldown struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newCooldowns(interval time.Duration) *cooldowns {
	return &cooldowns{interval: interval, chats: make(map[int64]*cooldown)}
}

func (c *cooldowns) allow(chat int64, now time.Time) bool {
	c.mu.Lock()
	cd, ok := c.chats[chat]
	if !ok {
		cd = &cooldown{limiter: rate.NewLimiter(rate.Every(c.interval), 1)}
		c.chats[chat] = cd
	}
	cd.seen = now
	c.mu.Unlock()
	return cd.limiter.AllowN(now, 1)
}

// prune forgets chats last seen before cutoff. A limiter idle for longer than
// the interval is full again, so forgetting it changes nothing.
func (c *cooldowns) prune(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for chat, cd := range c.chats {
		if cd.seen.Before(cutoff) && cutoff.Sub(cd.seen) >= c.interval {
			delete(c.chats, chat)
			n++
		}
	}
	return n
}

// Guozao suggests a breakfast, at most once per cooldown per chat.
func (s *Set) Guozao(ctx context.Context, evt *bus.InboundMessage) error {
	if s.command(evt) != "guozao" {
		return nil
	}
	if !s.guozao.allow(evt.ChatScope, s.opts.Now()) {
		return ErrRateLimited
	}
	return s.reply(ctx, evt, "过早吃"+breakfasts[rand.Intn(len(breakfasts))])
}

// ID replies with the actor and chat identifiers.
func (s *Set) ID(ctx context.Context, evt *bus.InboundMessage) error {
	if s.command(evt) != "id" {
		return nil
	}
	return s.reply(ctx, evt, fmt.Sprintf("user id: %d\nchat id: %d", evt.ActorID, evt.ChatScope))
}

// Ping replies with the time since the event was received.
func (s *Set) Ping(ctx context.Context, evt *bus.InboundMessage) error {
	if s.command(evt) != "ping" {
		return nil
	}
	msg := "pong"
	if !evt.Timestamp.IsZero() {
		msg = fmt.Sprintf("pong (%s)", s.opts.Now().Sub(evt.Timestamp).Round(time.Millisecond))
	}
	return s.reply(ctx, evt, msg)
}
