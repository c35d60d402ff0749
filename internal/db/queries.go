package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// LoadEntities returns every row of kind as key -> raw JSON value.
func LoadEntities(ctx context.Context, q Querier, kind string) (map[string]json.RawMessage, error) {
	rows, err := q.QueryContext(ctx, `SELECT key, value_json FROM entities WHERE kind = ?`, kind)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		out[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", kind, err)
	}
	return out, nil
}

// ReplaceEntities swaps every row of kind for entries in one transaction.
// Either all rows are replaced or none are.
func ReplaceEntities(ctx context.Context, database *sql.DB, kind string, entries map[string]json.RawMessage) error {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", kind, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE kind = ?`, kind); err != nil {
		return fmt.Errorf("clear %s: %w", kind, err)
	}

	now := time.Now().Unix()
	for key, value := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entities (kind, key, value_json, updated_at) VALUES (?, ?, ?, ?)`,
			kind, key, string(value), now,
		); err != nil {
			return fmt.Errorf("insert %s/%s: %w", kind, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", kind, err)
	}
	return nil
}

// CountEntities returns the number of rows stored for kind.
func CountEntities(ctx context.Context, database *sql.DB, kind string) (int, error) {
	var n int
	if err := database.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE kind = ?`, kind).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, err)
	}
	return n, nil
}
