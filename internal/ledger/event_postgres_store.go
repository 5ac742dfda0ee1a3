package ledger

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresEventStore journals ledger events to a single append-only
// table. It is optional durability, not a source of truth: the ledger
// remains fully functional without it and replay only rebuilds the
// analytics projections.
type PostgresEventStore struct {
	db *sql.DB
}

func NewPostgresEventStore(databaseURL string) (*PostgresEventStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &PostgresEventStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresEventStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger_events (
			id               TEXT PRIMARY KEY,
			event_type       TEXT NOT NULL,
			authorization_id TEXT,
			agent_address    TEXT,
			merchant_address TEXT,
			amount           TEXT,
			reference        TEXT,
			detail           TEXT,
			created_at       TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_events_agent
			ON ledger_events (agent_address, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("migrate ledger_events: %w", err)
	}
	return nil
}

func (s *PostgresEventStore) Append(ctx context.Context, event *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_events
			(id, event_type, authorization_id, agent_address, merchant_address, amount, reference, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.EventType, event.AuthorizationID, event.AgentAddress,
		event.MerchantAddress, event.Amount, event.Reference, event.Detail,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *PostgresEventStore) List(ctx context.Context, agentAddress string, limit int) ([]*Event, error) {
	query := `
		SELECT id, event_type, authorization_id, agent_address, merchant_address, amount, reference, detail, created_at
		FROM ledger_events`
	args := []any{}
	if agentAddress != "" {
		query += ` WHERE agent_address = $1`
		args = append(args, agentAddress)
	}
	query += ` ORDER BY created_at DESC`
	// limit 0 means everything; replay depends on the full journal.
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		var authID, agent, merchant, amount, reference, detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.EventType, &authID, &agent, &merchant,
			&amount, &reference, &detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.AuthorizationID = authID.String
		ev.AgentAddress = agent.String
		ev.MerchantAddress = merchant.String
		ev.Amount = amount.String
		ev.Reference = reference.String
		ev.Detail = detail.String
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *PostgresEventStore) Close() error {
	return s.db.Close()
}
