// Package mirror copies finalized audit records to message brokers.
// Mirrors are best-effort: the gateway logs their failures and moves on.
package mirror

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/KafClaw/chatgate/internal/audit"
)

// Envelope is the broker payload for one audit record.
type Envelope struct {
	Type   string       `json:"type"`
	SentAt time.Time    `json:"sent_at"`
	Record audit.Record `json:"record"`
	User   audit.User   `json:"user"`
	Group  audit.Group  `json:"group"`
}

const envelopeType = "chatgate.audit.v1"

func encode(rec audit.Record, user audit.User, group audit.Group) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:   envelopeType,
		SentAt: time.Now().UTC(),
		Record: rec,
		User:   user,
		Group:  group,
	})
}

// RoutingKey is audit.<status>.<chat scope>, e.g. audit.runtime_error.-1001.
func RoutingKey(rec audit.Record) string {
	return "audit." + rec.Status.String() + "." + strconv.FormatInt(rec.ChatScope, 10)
}
