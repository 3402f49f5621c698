package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/you/chatledger/internal/core"
)

// Kind classifies a transport failure for the caller. Raw platform errors
// never cross this boundary.
type Kind int

const (
	// KindTransient covers network/TLS hiccups and 5xx responses; the caller
	// may retry with backoff.
	KindTransient Kind = iota
	// KindAuthFailed means credentials are invalid or expired. Fatal for the
	// current session.
	KindAuthFailed
	// KindQuotaExceeded means the request budget is exhausted. Fatal for the
	// current window.
	KindQuotaExceeded
	// KindBadRequest means the target is invalid or closed. Fatal for the
	// current target.
	KindBadRequest
	// KindUnexpected is anything unclassified; callers treat it as transient
	// once, then escalate.
	KindUnexpected
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthFailed:
		return "auth_failed"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindBadRequest:
		return "bad_request"
	default:
		return "unexpected"
	}
}

// Fatal reports whether the failure terminates the current engine run.
func (k Kind) Fatal() bool {
	switch k {
	case KindAuthFailed, KindQuotaExceeded, KindBadRequest:
		return true
	}
	return false
}

// Error is the classified failure returned across the transport boundary.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("transport: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from err, defaulting to KindUnexpected
// for errors that did not originate at the transport boundary.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnexpected
}

// Page is the result of one fetch against the live chat.
type Page struct {
	Messages     []core.ChatMessage
	NextCursor   string
	PollInterval time.Duration // platform hint; zero when the response had none
}

// Client is the thin call surface over the remote chat API.
type Client interface {
	// FetchPage returns new messages for target starting at cursor. An empty
	// cursor requests the newest page.
	FetchPage(ctx context.Context, target, cursor string) (Page, error)

	// SendMessage posts text to target. The bool reports delivery
	// confirmation: when the platform response carries no definitive
	// acknowledgment the call returns false even though the message may have
	// been delivered, because retrying a send is not idempotent platform-side.
	SendMessage(ctx context.Context, target, text string) (bool, error)

	// ActiveLiveChatID looks up the live chat attached to the currently
	// active broadcast, returning "" when nothing is live.
	ActiveLiveChatID(ctx context.Context) (string, error)
}
