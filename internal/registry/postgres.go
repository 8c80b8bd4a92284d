package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/toolmesh/orchestrator/pkg/models"
)

// PostgresStore persists registry state in three tables mirroring the file
// layout: one JSONB row per plugin, one per module status, one per error
// entry. A Save rewrites each dirty collection in a single transaction,
// matching the whole-file replacement semantics of the file store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects, waits for the database to accept pings and
// ensures the schema. The database container often comes up after the
// orchestrator under compose, so the first pings may be refused.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("registry connect: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 30 * time.Second
	ping := func() error { return pool.Ping(ctx) }
	if err := backoff.Retry(ping, backoff.WithContext(bo, ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry migrate: %w", err)
	}

	log.Info().Msg("Postgres registry store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS mcp_plugins (
			agent_id   TEXT PRIMARY KEY,
			payload    JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS mcp_module_status (
			agent_id   TEXT PRIMARY KEY,
			payload    JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS mcp_error_log (
			id         BIGSERIAL PRIMARY KEY,
			payload    JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// Load reads all three tables. Unlike the file store, read failures are
// fatal: opting into Postgres means durable state is expected.
func (s *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
	plugins, err := loadKeyed[models.Plugin](ctx, s.pool, "mcp_plugins")
	if err != nil {
		return nil, err
	}
	statuses, err := loadKeyed[models.ModuleStatus](ctx, s.pool, "mcp_module_status")
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, "SELECT payload FROM mcp_error_log ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("mcp_error_log query: %w", err)
	}
	defer rows.Close()

	var errLog []models.ErrorLogEntry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("mcp_error_log scan: %w", err)
		}
		var entry models.ErrorLogEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, fmt.Errorf("mcp_error_log decode: %w", err)
		}
		errLog = append(errLog, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Snapshot{Plugins: plugins, ModuleStatus: statuses, Errors: errLog}, nil
}

// Save rewrites each dirty collection inside one transaction.
func (s *PostgresStore) Save(ctx context.Context, snap *Snapshot, mask SaveMask) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("registry tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if mask&SavePlugins != 0 {
		if err := replaceKeyed(ctx, tx, "mcp_plugins", snap.Plugins); err != nil {
			return err
		}
	}
	if mask&SaveModuleStatus != 0 {
		if err := replaceKeyed(ctx, tx, "mcp_module_status", snap.ModuleStatus); err != nil {
			return err
		}
	}
	if mask&SaveErrors != 0 {
		if _, err := tx.Exec(ctx, "DELETE FROM mcp_error_log"); err != nil {
			return fmt.Errorf("mcp_error_log clear: %w", err)
		}
		for _, entry := range snap.Errors {
			payload, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("mcp_error_log marshal: %w", err)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO mcp_error_log (payload) VALUES ($1)", payload); err != nil {
				return fmt.Errorf("mcp_error_log insert: %w", err)
			}
		}
	}

	return tx.Commit(ctx)
}

func loadKeyed[T any](ctx context.Context, pool *pgxpool.Pool, table string) (map[string]T, error) {
	rows, err := pool.Query(ctx, "SELECT agent_id, payload FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("%s query: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]T)
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("%s scan: %w", table, err)
		}
		var value T
		if err := json.Unmarshal(payload, &value); err != nil {
			return nil, fmt.Errorf("%s decode %s: %w", table, id, err)
		}
		out[id] = value
	}
	return out, rows.Err()
}

func replaceKeyed[T any](ctx context.Context, tx pgx.Tx, table string, rows map[string]T) error {
	if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("%s clear: %w", table, err)
	}
	stmt := "INSERT INTO " + table + " (agent_id, payload) VALUES ($1, $2)"
	for id, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("%s marshal %s: %w", table, id, err)
		}
		if _, err := tx.Exec(ctx, stmt, id, payload); err != nil {
			return fmt.Errorf("%s insert %s: %w", table, id, err)
		}
	}
	return nil
}

// Describe reports store identity for the health surface.
func (s *PostgresStore) Describe() map[string]interface{} {
	return map[string]interface{}{"store": "postgres"}
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
