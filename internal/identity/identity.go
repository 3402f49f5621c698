package identity

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/chatledger/internal/ledger"
)

// PlatformYouTube is the only linked-profile platform the core ships with.
const PlatformYouTube = "youtube"

// ErrUnknownIdentity is returned by Lookup when no profile links the external
// id to a universal user.
var ErrUnknownIdentity = errors.New("identity: unknown external id")

// Service maps platform-specific external ids to universal user ids backed by
// the ledger database.
type Service struct {
	store *ledger.Store
	now   func() time.Time
}

func New(store *ledger.Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Lookup resolves an external id to its universal user id without creating
// anything.
func (s *Service) Lookup(ctx context.Context, platform, externalID string) (int64, error) {
	if platform != PlatformYouTube {
		return 0, errors.Errorf("identity: unsupported platform %q", platform)
	}
	var userID int64
	err := s.store.RawDB().QueryRowContext(ctx,
		`SELECT user_id FROM youtube_profiles WHERE channel_id = ?`, externalID,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUnknownIdentity
	}
	if err != nil {
		return 0, errors.Wrap(err, "lookup profile")
	}
	return userID, nil
}

// Ensure resolves an external id, lazily creating the user and profile rows
// on first sight. The insert-if-absent pair runs in one transaction so two
// racing callers converge on the same universal id.
func (s *Service) Ensure(ctx context.Context, platform, externalID, displayName string) (int64, error) {
	if platform != PlatformYouTube {
		return 0, errors.Errorf("identity: unsupported platform %q", platform)
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return 0, errors.New("identity: empty external id")
	}

	if id, err := s.Lookup(ctx, platform, externalID); err == nil {
		return id, nil
	} else if !errors.Is(err, ErrUnknownIdentity) {
		return 0, err
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// Re-check under the write lock; another caller may have won the race.
	var userID int64
	err = tx.QueryRowContext(ctx,
		`SELECT user_id FROM youtube_profiles WHERE channel_id = ?`, externalID,
	).Scan(&userID)
	if err == nil {
		return userID, errors.Wrap(tx.Commit(), "commit ensure")
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, errors.Wrap(err, "recheck profile")
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO users (username, created_at, updated_at) VALUES (?, ?, ?)`,
		displayName, now, now,
	)
	if err != nil {
		return 0, errors.Wrap(err, "insert user")
	}
	userID, err = res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "user id")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO youtube_profiles (user_id, channel_id, youtube_username, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(channel_id) DO NOTHING`,
		userID, externalID, displayName, now,
	); err != nil {
		return 0, errors.Wrap(err, "insert profile")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit ensure")
	}
	return userID, nil
}

// Exists reports whether a universal user id has a row.
func (s *Service) Exists(ctx context.Context, userID int64) (bool, error) {
	var one int
	err := s.store.RawDB().QueryRowContext(ctx,
		`SELECT 1 FROM users WHERE user_id = ?`, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "check user")
	}
	return true, nil
}

// ResolveUsername finds a universal user id by stored username,
// case-insensitively. Ambiguity resolves to the earliest-created user.
func (s *Service) ResolveUsername(ctx context.Context, username string) (int64, error) {
	username = strings.TrimSpace(strings.TrimPrefix(username, "@"))
	if username == "" {
		return 0, ErrUnknownIdentity
	}
	var userID int64
	err := s.store.RawDB().QueryRowContext(ctx,
		`SELECT user_id FROM users WHERE username = ? COLLATE NOCASE ORDER BY user_id LIMIT 1`,
		username,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUnknownIdentity
	}
	if err != nil {
		return 0, errors.Wrap(err, "resolve username")
	}
	return userID, nil
}

// DisplayName returns the stored username for a universal id, or "" when the
// user is unknown.
func (s *Service) DisplayName(ctx context.Context, userID int64) string {
	var name string
	err := s.store.RawDB().QueryRowContext(ctx,
		`SELECT username FROM users WHERE user_id = ?`, userID,
	).Scan(&name)
	if err != nil {
		return ""
	}
	return name
}
