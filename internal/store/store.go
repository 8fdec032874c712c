// Package store holds the durable state shared across webhook invocations:
// conversation histories, per-application token usage, and the set of
// recently seen inbound events.
package store

import (
	"errors"
	"time"

	"larkbot/internal/llm"
)

// ConversationRecord is the full stored state of one chat thread. Every
// mutation rewrites the whole record; there is no field-level update.
type ConversationRecord struct {
	ChatID       string        `json:"chat_id"`
	Messages     []llm.Message `json:"messages"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	Version      int64         `json:"version"`
	ExpiresAt    time.Time     `json:"expires_at"`
}

// UsageRecord accumulates token counts for one application. Counters only
// grow and the record is never deleted.
type UsageRecord struct {
	AppID        string `json:"app_id"`
	InputTokens  uint64 `json:"input_tokens"`
	OutputTokens uint64 `json:"output_tokens"`
}

// SeenEvent marks an inbound event id as already processed until ExpiresAt.
type SeenEvent struct {
	EventID   string    `json:"event_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrVersionConflict is returned by ConversationStore.Put when the record
// was rewritten by another turn since it was read. The caller's turn is
// stale and must not overwrite the newer history.
var ErrVersionConflict = errors.New("conversation was modified concurrently")

// ConversationStore persists chat histories with a sliding expiry. Get on a
// record past its expiry behaves as absent even before the physical sweep
// removes it.
type ConversationStore interface {
	// Get returns the live record for chatID, or ok=false if none exists.
	Get(chatID string) (ConversationRecord, bool, error)
	// Put overwrites the record and resets its TTL. prevVersion must be the
	// Version read by Get (zero for a new conversation); a mismatch returns
	// ErrVersionConflict.
	Put(chatID string, messages []llm.Message, systemPrompt string, prevVersion int64) error
	// Delete removes the record, if any.
	Delete(chatID string) error
}

// UsageLedger persists token counters. Accumulate is atomic with respect to
// concurrent calls for the same application id.
type UsageLedger interface {
	Get(appID string) (UsageRecord, bool, error)
	Accumulate(appID string, deltaInput, deltaOutput uint64) (UsageRecord, error)
}

// SeenEvents is the deduplication set for inbound webhook deliveries.
type SeenEvents interface {
	// HasSeen reports whether a non-expired record exists for eventID.
	HasSeen(eventID string) (bool, error)
	// MarkSeen records eventID for ttl. Idempotent; last write wins.
	MarkSeen(eventID string, ttl time.Duration) error
}
