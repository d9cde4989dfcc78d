package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the slice of pgx a store needs; *pgxpool.Pool satisfies it and
// tests can stub it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists ledger records durably. Rolling aggregates are
// still kept in memory by the Ledger; Replay rebuilds them from here
// after a restart.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO ledger_records (id, provider, model, input_tokens, output_tokens, cost_usd, outcome, failure_kind, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.Provider, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD,
		string(rec.Outcome), rec.FailureKind, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger record: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, from, to time.Time) ([]*Record, error) {
	query := `
		SELECT id, provider, model, input_tokens, output_tokens, cost_usd, outcome, failure_kind, ts
		FROM ledger_records
		WHERE ts >= $1 AND ts < $2
		ORDER BY ts ASC
	`
	rows, err := s.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger records: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		var r Record
		var outcome string
		err := rows.Scan(
			&r.ID, &r.Provider, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.CostUSD,
			&outcome, &r.FailureKind, &r.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger record: %w", err)
		}
		r.Outcome = Outcome(outcome)
		recs = append(recs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger records: %w", err)
	}
	return recs, nil
}
