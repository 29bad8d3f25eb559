package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists credentials in a flowd_credentials table, one row
// per server with a jsonb payload.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed store over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the credentials table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS flowd_credentials (
			server_id   TEXT PRIMARY KEY,
			credentials JSONB NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("failed to ensure credentials schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, serverID string) (Credentials, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT credentials FROM flowd_credentials WHERE server_id = $1`,
		serverID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials for %s: %w", serverID, err)
	}
	var creds Credentials
	if err := json.Unmarshal(payload, &creds); err != nil {
		return nil, fmt.Errorf("corrupt credentials for %s: %w", serverID, err)
	}
	return creds, nil
}

func (s *PostgresStore) Save(ctx context.Context, serverID string, creds Credentials) error {
	payload, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO flowd_credentials (server_id, credentials, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (server_id)
		DO UPDATE SET credentials = EXCLUDED.credentials, updated_at = now()`,
		serverID, payload)
	if err != nil {
		return fmt.Errorf("failed to save credentials for %s: %w", serverID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, serverID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM flowd_credentials WHERE server_id = $1`, serverID)
	if err != nil {
		return fmt.Errorf("failed to delete credentials for %s: %w", serverID, err)
	}
	return nil
}
