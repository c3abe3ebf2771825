package agentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/switchboard/internal/agent"
)

// Schema is the SQL DDL for the call_agents table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS call_agents (
    id                 TEXT PRIMARY KEY,
    name               TEXT NOT NULL,
    prompt             TEXT NOT NULL,
    greeting           TEXT NOT NULL DEFAULT '',
    voice              JSONB NOT NULL DEFAULT '{}',
    behavior_rules     JSONB NOT NULL DEFAULT '[]',
    vocabulary         JSONB NOT NULL DEFAULT '[]',
    max_history_tokens INTEGER NOT NULL DEFAULT 0,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

ALTER TABLE call_agents ADD COLUMN IF NOT EXISTS vocabulary JSONB NOT NULL DEFAULT '[]';
`

const selectColumns = `id, name, prompt, greeting, voice, behavior_rules,
       vocabulary, max_history_tokens, created_at, updated_at`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] that uses the given connection or
// pool. Call [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the call_agents table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("agentstore: migrate: %w", err)
	}
	return nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, id string) (*agent.Agent, error) {
	query := `SELECT ` + selectColumns + ` FROM call_agents WHERE id = $1`
	a, err := scanAgent(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("agentstore: get %q: %w", id, err)
	}
	return a, nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context) ([]agent.Agent, error) {
	query := `SELECT ` + selectColumns + ` FROM call_agents ORDER BY id`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("agentstore: list: %w", err)
	}
	defer rows.Close()

	var out []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("agentstore: list scan: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agentstore: list: %w", err)
	}
	return out, nil
}

// Upsert implements [Store].
func (s *PostgresStore) Upsert(ctx context.Context, a *agent.Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}
	voiceJSON, err := json.Marshal(a.Voice)
	if err != nil {
		return fmt.Errorf("agentstore: marshal voice: %w", err)
	}
	rulesJSON, err := marshalList(a.BehaviorRules)
	if err != nil {
		return fmt.Errorf("agentstore: marshal behavior_rules: %w", err)
	}
	vocabJSON, err := marshalList(a.Vocabulary)
	if err != nil {
		return fmt.Errorf("agentstore: marshal vocabulary: %w", err)
	}

	const query = `
		INSERT INTO call_agents (
			id, name, prompt, greeting, voice, behavior_rules, vocabulary, max_history_tokens
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			prompt = EXCLUDED.prompt,
			greeting = EXCLUDED.greeting,
			voice = EXCLUDED.voice,
			behavior_rules = EXCLUDED.behavior_rules,
			vocabulary = EXCLUDED.vocabulary,
			max_history_tokens = EXCLUDED.max_history_tokens,
			updated_at = now()
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		a.ID, a.Name, a.Prompt, a.Greeting, voiceJSON, rulesJSON, vocabJSON, a.MaxHistoryTokens,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("agentstore: upsert %q: %w", a.ID, err)
	}
	return nil
}

// Delete implements [Store].
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM call_agents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("agentstore: delete %q: %w", id, err)
	}
	return nil
}

// scanAgent reads one row in selectColumns order.
func scanAgent(row pgx.Row) (*agent.Agent, error) {
	var (
		a                               agent.Agent
		voiceJSON, rulesJSON, vocabJSON []byte
	)
	if err := row.Scan(
		&a.ID, &a.Name, &a.Prompt, &a.Greeting, &voiceJSON, &rulesJSON, &vocabJSON,
		&a.MaxHistoryTokens, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(voiceJSON, &a.Voice); err != nil {
		return nil, fmt.Errorf("agentstore: unmarshal voice: %w", err)
	}
	if err := json.Unmarshal(rulesJSON, &a.BehaviorRules); err != nil {
		return nil, fmt.Errorf("agentstore: unmarshal behavior_rules: %w", err)
	}
	if err := json.Unmarshal(vocabJSON, &a.Vocabulary); err != nil {
		return nil, fmt.Errorf("agentstore: unmarshal vocabulary: %w", err)
	}
	return &a, nil
}

// marshalList encodes a string list as a JSON array, never null.
func marshalList(list []string) ([]byte, error) {
	if list == nil {
		list = []string{}
	}
	return json.Marshal(list)
}
