package economy

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/you/chatledger/internal/ledger"
)

// Business rejections. These are final answers for the call, not failures:
// the service never retries, and callers decide what (if anything) to tell
// the user.
var (
	ErrCooldownActive    = errors.New("economy: cooldown active")
	ErrDuplicateEvent    = errors.New("economy: duplicate source event")
	ErrInvalidTarget     = errors.New("economy: invalid transfer target")
	ErrInsufficientFunds = errors.New("economy: insufficient funds")
	ErrInvalidAmount     = errors.New("economy: amount must be positive")
)

// Entry is one append-only audit row. The sum of an identity's deltas always
// equals its wallet balance.
type Entry struct {
	ID        int64     `json:"id"`
	Identity  int64     `json:"identity"`
	Delta     int64     `json:"delta"`
	Reason    string    `json:"reason"`
	Platform  string    `json:"platform"`
	Scope     string    `json:"scope,omitempty"`
	SourceID  string    `json:"source_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LeaderboardRow is one row of the global top-balance listing.
type LeaderboardRow struct {
	Identity int64  `json:"identity"`
	Username string `json:"username"`
	Balance  int64  `json:"balance"`
}

// AwardRequest describes one balance mutation. Amount is a signed integer in
// the smallest currency unit. SourceID, when set, makes the award idempotent:
// a second call carrying the same (platform, source id) is rejected with
// ErrDuplicateEvent. Scope plus CooldownSeconds gate chat-activity earning;
// admin adjustments leave them empty.
type AwardRequest struct {
	Identity        int64
	Amount          int64
	Reason          string
	Platform        string
	Scope           string
	SourceID        string
	CooldownSeconds int
}

// Service applies validated awards against the ledger store. Every mutation
// runs inside one immediate transaction: wallet delta, audit entry, earning
// event and cooldown update commit together or not at all.
type Service struct {
	store *ledger.Store
	now   func() time.Time
}

func New(store *ledger.Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Award applies req and returns the new balance. A zero amount is a no-op
// returning the current balance without writing a ledger row.
func (s *Service) Award(ctx context.Context, req AwardRequest) (int64, error) {
	if req.Identity <= 0 {
		return 0, errors.New("economy: identity required")
	}
	if req.Amount == 0 {
		return s.GetBalance(ctx, req.Identity)
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	balance, err := s.applyAward(ctx, tx, req)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit award")
	}
	return balance, nil
}

// applyAward performs the duplicate and cooldown gates plus all four effects
// inside the caller's transaction.
func (s *Service) applyAward(ctx context.Context, tx *sql.Tx, req AwardRequest) (int64, error) {
	now := s.now().UTC()
	nowText := now.Format(time.RFC3339Nano)

	if req.SourceID != "" {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM earning_events WHERE platform = ? AND source_id = ?`,
			req.Platform, req.SourceID,
		).Scan(&one)
		if err == nil {
			return 0, ErrDuplicateEvent
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, errors.Wrap(err, "check earning event")
		}
	}

	if req.Scope != "" && req.CooldownSeconds > 0 {
		var lastText string
		err := tx.QueryRowContext(ctx,
			`SELECT last_earned_at FROM earning_cooldown WHERE user_id = ? AND scope = ?`,
			req.Identity, req.Scope,
		).Scan(&lastText)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return 0, errors.Wrap(err, "check cooldown")
		}
		if err == nil {
			// A row that exists but won't parse must not silently open the
			// gate.
			last, parseErr := time.Parse(time.RFC3339Nano, lastText)
			if parseErr != nil {
				return 0, errors.Wrapf(parseErr, "parse cooldown timestamp %q", lastText)
			}
			if now.Sub(last) < time.Duration(req.CooldownSeconds)*time.Second {
				return 0, ErrCooldownActive
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wallets (user_id, balance, created_at, updated_at) VALUES (?, 0, ?, ?)
ON CONFLICT(user_id) DO NOTHING`,
		req.Identity, nowText, nowText,
	); err != nil {
		return 0, errors.Wrap(err, "ensure wallet")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE wallets SET balance = balance + ?, updated_at = ? WHERE user_id = ?`,
		req.Amount, nowText, req.Identity,
	); err != nil {
		return 0, errors.Wrap(err, "update balance")
	}

	sourceID := sql.NullString{String: req.SourceID, Valid: req.SourceID != ""}
	scope := sql.NullString{String: req.Scope, Valid: req.Scope != ""}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wallet_ledger (user_id, delta, reason, platform, scope, source_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.Identity, req.Amount, req.Reason, req.Platform, scope, sourceID, nowText,
	); err != nil {
		return 0, errors.Wrap(err, "append ledger entry")
	}

	if req.SourceID != "" {
		// The unique index is the backstop for two call sites racing on the
		// same external event; the SELECT above only keeps the common case
		// cheap.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO earning_events (platform, source_id, user_id, created_at) VALUES (?, ?, ?, ?)`,
			req.Platform, req.SourceID, req.Identity, nowText,
		); err != nil {
			return 0, errors.Wrap(err, "record earning event")
		}
	}

	if req.Scope != "" && req.CooldownSeconds > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO earning_cooldown (user_id, scope, last_earned_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(user_id, scope) DO UPDATE SET last_earned_at = excluded.last_earned_at, updated_at = excluded.updated_at`,
			req.Identity, req.Scope, nowText, nowText, nowText,
		); err != nil {
			return 0, errors.Wrap(err, "update cooldown")
		}
	}

	var balance int64
	if err := tx.QueryRowContext(ctx,
		`SELECT balance FROM wallets WHERE user_id = ?`, req.Identity,
	).Scan(&balance); err != nil {
		return 0, errors.Wrap(err, "read balance")
	}
	return balance, nil
}

// Transfer moves amount between identities as a debit/credit pair in one
// transaction. The debit is rejected with ErrInsufficientFunds if it would
// drive the source balance negative.
func (s *Service) Transfer(ctx context.Context, from, to, amount int64, platform, scope string) (int64, int64, error) {
	if from == to {
		return 0, 0, ErrInvalidTarget
	}
	if amount <= 0 {
		return 0, 0, ErrInvalidAmount
	}
	if from <= 0 || to <= 0 {
		return 0, 0, errors.New("economy: identity required")
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	fromBalance, err := s.applyAward(ctx, tx, AwardRequest{
		Identity: from,
		Amount:   -amount,
		Reason:   "transfer_out",
		Platform: platform,
		Scope:    scope,
	})
	if err != nil {
		return 0, 0, err
	}
	if fromBalance < 0 {
		return 0, 0, ErrInsufficientFunds
	}

	toBalance, err := s.applyAward(ctx, tx, AwardRequest{
		Identity: to,
		Amount:   amount,
		Reason:   "transfer_in",
		Platform: platform,
		Scope:    scope,
	})
	if err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, errors.Wrap(err, "commit transfer")
	}
	return fromBalance, toBalance, nil
}

// GetBalance is read-only; a missing wallet reads as zero.
func (s *Service) GetBalance(ctx context.Context, identity int64) (int64, error) {
	var balance int64
	err := s.store.RawDB().QueryRowContext(ctx,
		`SELECT balance FROM wallets WHERE user_id = ?`, identity,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "read balance")
	}
	return balance, nil
}

// GetLedger returns the identity's most recent audit entries, newest first.
func (s *Service) GetLedger(ctx context.Context, identity int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.store.RawDB().QueryContext(ctx,
		`SELECT id, user_id, delta, reason, platform, scope, source_id, created_at
FROM wallet_ledger WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		identity, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list ledger")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			scope     sql.NullString
			sourceID  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Identity, &e.Delta, &e.Reason, &e.Platform, &scope, &sourceID, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan ledger entry")
		}
		e.Scope = scope.String
		e.SourceID = sourceID.String
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = ts
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate ledger")
}

// Leaderboard returns the top positive balances joined with usernames.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.store.RawDB().QueryContext(ctx,
		`SELECT w.user_id, u.username, w.balance
FROM wallets w JOIN users u ON w.user_id = u.user_id
WHERE w.balance > 0 ORDER BY w.balance DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list leaderboard")
	}
	defer rows.Close()

	var out []LeaderboardRow
	for rows.Next() {
		var row LeaderboardRow
		if err := rows.Scan(&row.Identity, &row.Username, &row.Balance); err != nil {
			return nil, errors.Wrap(err, "scan leaderboard row")
		}
		out = append(out, row)
	}
	return out, errors.Wrap(rows.Err(), "iterate leaderboard")
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }
