// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package demanddb persists desired instance counts in PostgreSQL so
// a newly elected leader can reload demand. The scheduling core never
// reads it on the hot path; it is consulted on election and written
// through on each SetDemand.
package demanddb

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/halyard-dev/halyard/sdk/go/halyard"
)

const schema = `
CREATE TABLE IF NOT EXISTS demand (
    run_spec_id text PRIMARY KEY,
    desired integer NOT NULL CHECK (desired > 0)
)`

// A Store holds desired counts keyed by RunSpecID.
type Store struct {
	logger logrus.FieldLogger
	db     *sqlx.DB
}

// Open connects to the database named by dsn (lib/pq format) and
// creates the schema if needed.
func Open(ctx context.Context, logger logrus.FieldLogger, dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening demand database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to demand database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating demand schema: %w", err)
	}
	return &Store{logger: logger, db: db}, nil
}

// Close releases the database connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Load returns every persisted desired count.
func (s *Store) Load(ctx context.Context) (map[halyard.RunSpecID]int, error) {
	rows := []struct {
		RunSpecID string `db:"run_spec_id"`
		Desired   int    `db:"desired"`
	}{}
	err := s.db.SelectContext(ctx, &rows, `SELECT run_spec_id, desired FROM demand`)
	if err != nil {
		return nil, fmt.Errorf("error loading demand: %w", err)
	}
	desired := make(map[halyard.RunSpecID]int, len(rows))
	for _, row := range rows {
		desired[halyard.RunSpecID(row.RunSpecID)] = row.Desired
	}
	return desired, nil
}

// Put records the desired count for a RunSpec. A count of zero or
// less removes the record.
func (s *Store) Put(ctx context.Context, id halyard.RunSpecID, desired int) error {
	if desired <= 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM demand WHERE run_spec_id = $1`, string(id))
		if err != nil {
			return fmt.Errorf("error deleting demand for %s: %w", id, err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO demand (run_spec_id, desired) VALUES ($1, $2)
		ON CONFLICT (run_spec_id) DO UPDATE SET desired = EXCLUDED.desired`,
		string(id), desired)
	if err != nil {
		return fmt.Errorf("error storing demand for %s: %w", id, err)
	}
	return nil
}
