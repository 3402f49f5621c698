package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
)

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// migrateSQLite upgrades databases created by earlier schema revisions:
// missing columns are added, stray NULLs normalized, and the idempotency
// indices rebuilt after deduplication.
func migrateSQLite(ctx context.Context, db *sql.DB) error {
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}

	log.Printf("chatledger: sqlite: path=%s user_version=%d", path, userVersion)

	columns, err := sqliteTableInfo(ctx, db, "wallet_ledger")
	if err != nil {
		return fmt.Errorf("sqlite: describe wallet_ledger: %w", err)
	}
	if len(columns) == 0 {
		log.Printf("chatledger: sqlite: wallet_ledger table missing; skipping migration")
		return nil
	}

	if _, ok := columns["scope"]; !ok {
		if _, err := db.ExecContext(ctx, `ALTER TABLE wallet_ledger ADD COLUMN scope TEXT;`); err != nil {
			return fmt.Errorf("sqlite: ensure scope column: %w", err)
		}
		log.Printf("chatledger: sqlite: added scope column to wallet_ledger")
	}

	normalize := []struct {
		query string
		label string
	}{
		{`UPDATE wallet_ledger SET platform='' WHERE platform IS NULL;`, "wallet_ledger.platform"},
		{`UPDATE wallet_ledger SET reason='' WHERE reason IS NULL;`, "wallet_ledger.reason"},
	}
	for _, step := range normalize {
		res, execErr := db.ExecContext(ctx, step.query)
		if execErr != nil {
			return fmt.Errorf("sqlite: normalize %s: %w", step.label, execErr)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			log.Printf("chatledger: sqlite: normalized %s nulls=%d", step.label, n)
		}
	}

	dedupeSQL := `DELETE FROM earning_events
WHERE rowid NOT IN (
  SELECT MIN(rowid)
  FROM earning_events
  GROUP BY platform, source_id
);`
	if res, execErr := db.ExecContext(ctx, dedupeSQL); execErr != nil {
		return fmt.Errorf("sqlite: dedupe earning_events: %w", execErr)
	} else if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Printf("chatledger: sqlite: removed %d duplicate earning events", n)
	}

	if _, err := db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS earning_events_uq_source
        ON earning_events(platform, source_id);`); err != nil {
		return fmt.Errorf("sqlite: ensure earning_events_uq_source: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS earning_cooldown_uq_scope
        ON earning_cooldown(user_id, scope);`); err != nil {
		return fmt.Errorf("sqlite: ensure earning_cooldown_uq_scope: %w", err)
	}

	hasEventIndex, err := sqliteHasIndex(ctx, db, "earning_events", "earning_events_uq_source")
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}

	var orphanWallets int64
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wallets w LEFT JOIN users u ON w.user_id = u.user_id WHERE u.user_id IS NULL;`,
	).Scan(&orphanWallets); err != nil {
		return fmt.Errorf("sqlite: count orphan wallets: %w", err)
	}

	log.Printf("chatledger: sqlite: earning_events_uq_source=%v orphan_wallets=%d",
		hasEventIndex, orphanWallets)

	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	if err := rows.Err(); err != nil {
		return "(unknown)"
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		lower := strings.ToLower(strings.TrimSpace(name))
		out[lower] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func sqliteHasIndex(ctx context.Context, db *sql.DB, table, index string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list('%s');`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), index) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}
