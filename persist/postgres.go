package persist

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/wrangler-bot/wrangler/config"
)

// PostgresProvider stores state categories as rows in a single table.
type PostgresProvider struct {
	conn *sql.DB
}

var _ Provider = (*PostgresProvider)(nil)

// NewPostgresProvider opens a connection pool and ensures the schema exists.
func NewPostgresProvider(ctx context.Context, cfg *config.PostgresConfig) (*PostgresProvider, error) {
	conn, err := sql.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	p := &PostgresProvider{conn: conn}
	if err := p.initSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresProvider) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS wrangler_state (
		category VARCHAR(64) PRIMARY KEY,
		data BYTEA NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := p.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Save upserts the state for a category.
func (p *PostgresProvider) Save(ctx context.Context, category string, data []byte) error {
	query := `
	INSERT INTO wrangler_state (category, data, updated_at)
	VALUES ($1, $2, CURRENT_TIMESTAMP)
	ON CONFLICT (category) DO UPDATE
	SET data = EXCLUDED.data, updated_at = CURRENT_TIMESTAMP`
	if _, err := p.conn.ExecContext(ctx, query, category, data); err != nil {
		return fmt.Errorf("failed to save state for %s: %w", category, err)
	}
	return nil
}

// Load returns the stored state, or (nil, nil) for a never-saved category.
func (p *PostgresProvider) Load(ctx context.Context, category string) ([]byte, error) {
	var data []byte
	err := p.conn.QueryRowContext(ctx,
		"SELECT data FROM wrangler_state WHERE category = $1", category).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state for %s: %w", category, err)
	}
	return data, nil
}

// Ping checks that the database connection is alive.
func (p *PostgresProvider) Ping(ctx context.Context) error {
	return p.conn.PingContext(ctx)
}

// Close closes the connection pool.
func (p *PostgresProvider) Close() error {
	return p.conn.Close()
}
