// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists records in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and prepares
// the schema. Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)
	store, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore creates a store on db and ensures the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Record stores a single record.
func (s *SQLiteStore) Record(ctx context.Context, record Record) error {
	output, err := encodeOutput(record.Output)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO relay_audit_records (
			run_id, correlation_id, skill_id, source_identity, target_identity,
			outcome, status, error_kind, error_message, output_json, attempts,
			started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.RunID,
		record.CorrelationID,
		record.SkillID,
		record.SourceIdentity,
		record.TargetIdentity,
		record.Outcome,
		record.Status,
		record.ErrorKind,
		record.ErrorMessage,
		string(output),
		record.Attempts,
		normalizeTime(record.StartedAt),
		normalizeTime(record.FinishedAt),
	)
	return err
}

// List returns records matching the filter in insertion order.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	query := `
		SELECT run_id, correlation_id, skill_id, source_identity, target_identity,
			outcome, status, error_kind, error_message, output_json, attempts,
			started_at, finished_at
		FROM relay_audit_records
	`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.RunID != "" {
		addFilter("run_id = ?", filter.RunID)
	}
	if filter.CorrelationID != "" {
		addFilter("correlation_id = ?", filter.CorrelationID)
	}
	if filter.TargetIdentity != "" {
		addFilter("target_identity = ?", filter.TargetIdentity)
	}
	if filter.Outcome != "" {
		addFilter("outcome = ?", filter.Outcome)
	}
	query += where + " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r          Record
			outputJSON sql.NullString
			started    sql.NullTime
			finished   sql.NullTime
		)
		if err := rows.Scan(
			&r.RunID,
			&r.CorrelationID,
			&r.SkillID,
			&r.SourceIdentity,
			&r.TargetIdentity,
			&r.Outcome,
			&r.Status,
			&r.ErrorKind,
			&r.ErrorMessage,
			&outputJSON,
			&r.Attempts,
			&started,
			&finished,
		); err != nil {
			return nil, err
		}
		if outputJSON.Valid {
			if out, err := decodeOutput([]byte(outputJSON.String)); err == nil {
				r.Output = out
			}
		}
		if started.Valid {
			r.StartedAt = started.Time.UTC()
		}
		if finished.Valid {
			r.FinishedAt = finished.Time.UTC()
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS relay_audit_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			skill_id TEXT NOT NULL,
			source_identity TEXT NOT NULL DEFAULT '',
			target_identity TEXT NOT NULL,
			outcome TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			output_json TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_relay_audit_run ON relay_audit_records(run_id);
		CREATE INDEX IF NOT EXISTS idx_relay_audit_correlation ON relay_audit_records(correlation_id);
		CREATE INDEX IF NOT EXISTS idx_relay_audit_outcome ON relay_audit_records(outcome);
	`)
	return err
}
