package core

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ChatMessage is the unified message shape dispatched to engine handlers.
// Immutable once observed; handlers must not mutate it.
type ChatMessage struct {
	ID          string    // platform-native message ID; may be empty
	AuthorID    string    // platform author/channel ID
	DisplayName string
	Text        string
	Owner       bool
	Moderator   bool
	Sponsor     bool
	PublishedAt time.Time
	ETag        string // optional; not present on every response
	RawJSON     string // optional: raw source payload for debugging/exports
}

// DedupKey identifies a message occurrence for at-most-once processing.
// The platform message ID wins when present; otherwise a fingerprint over
// author, timestamp, text and etag. A missing etag degrades the key to the
// remaining three fields.
func (m ChatMessage) DedupKey() string {
	if m.ID != "" {
		return m.ID
	}
	digest := sha256.Sum256([]byte(
		m.AuthorID + "\x1f" +
			m.PublishedAt.UTC().Format(time.RFC3339Nano) + "\x1f" +
			m.Text + "\x1f" +
			m.ETag,
	))
	return "fp-" + hex.EncodeToString(digest[:])
}

// Privileged reports whether the author may run moderation-gated commands:
// the chat owner or a moderator. Sponsorship carries no moderation power.
func (m ChatMessage) Privileged() bool {
	return m.Owner || m.Moderator
}
