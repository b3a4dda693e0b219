package channels

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/KafClaw/chatgate/internal/bus"
)

// Channel defines the interface for chat platforms (Slack, WhatsApp, etc).
type Channel interface {
	// Name returns the channel name (e.g. "slack").
	Name() string
	// Start starts the channel listener.
	Start(ctx context.Context) error
	// Stop stops the channel listener.
	Stop() error
	// Send sends a message to a specific chat.
	Send(ctx context.Context, msg *bus.OutboundMessage) error
}

// BaseChannel provides common functionality for channels.
type BaseChannel struct {
	Bus *bus.MessageBus
}

// ScopeFor maps a platform identifier to a stable, non-negative int64 used
// as chat scope or actor id. Numeric identifiers are kept as-is.
func ScopeFor(channel, nativeID string) int64 {
	nativeID = strings.TrimSpace(nativeID)
	if nativeID == "" {
		return 0
	}
	if n, err := strconv.ParseInt(nativeID, 10, 64); err == nil {
		return n
	}
	h := fnv.New64a()
	h.Write([]byte(channel))
	h.Write([]byte{0})
	h.Write([]byte(nativeID))
	return int64(h.Sum64() & (1<<63 - 1))
}
