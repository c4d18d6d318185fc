package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/lib/pq"

	"github.com/ncol/publisher-service/internal/config"
	"github.com/ncol/publisher-service/internal/models"
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgreSQLStorage implements Storage interface using PostgreSQL
type PostgreSQLStorage struct {
	db    *sql.DB
	table string
}

// NewPostgreSQLStorage opens the database and makes sure the table exists
func NewPostgreSQLStorage(cfg config.StorageConfig) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	storage, err := newPostgreSQLStorage(db, cfg.TableName)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := storage.ensureTable(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure table exists: %w", err)
	}

	return storage, nil
}

func newPostgreSQLStorage(db *sql.DB, table string) (*PostgreSQLStorage, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name: %q", table)
	}
	return &PostgreSQLStorage{db: db, table: table}, nil
}

func (p *PostgreSQLStorage) ensureTable(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			item_id    TEXT PRIMARY KEY,
			requested  JSONB NOT NULL DEFAULT '{}'::jsonb,
			dispatched TEXT[] NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, p.table))
	return err
}

// GetRequested reads the requested flags of an item
func (p *PostgreSQLStorage) GetRequested(ctx context.Context, itemID string) (models.PlatformSet, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT requested FROM %s WHERE item_id = $1`, p.table),
		itemID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewPlatformSet(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get requested platforms for item %s: %w", itemID, err)
	}

	var flags map[string]bool
	if err := json.Unmarshal(raw, &flags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal requested platforms: %w", err)
	}
	return models.PlatformSetFromFlags(flags), nil
}

// SetRequested overwrites the requested flags
func (p *PostgreSQLStorage) SetRequested(ctx context.Context, itemID string, platforms models.PlatformSet) error {
	raw, err := json.Marshal(platforms.Flags())
	if err != nil {
		return fmt.Errorf("failed to marshal requested platforms: %w", err)
	}

	_, err = p.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (item_id, requested)
		VALUES ($1, $2::jsonb)
		ON CONFLICT (item_id) DO UPDATE
		SET requested = EXCLUDED.requested, updated_at = NOW()`, p.table),
		itemID, string(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to store requested platforms for item %s: %w", itemID, err)
	}
	return nil
}

// GetDispatched reads the dispatched platforms of an item
func (p *PostgreSQLStorage) GetDispatched(ctx context.Context, itemID string) (models.PlatformSet, error) {
	var dispatched []string
	err := p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT dispatched FROM %s WHERE item_id = $1`, p.table),
		itemID,
	).Scan(pq.Array(&dispatched))
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewPlatformSet(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispatched platforms for item %s: %w", itemID, err)
	}
	return models.ParsePlatformSet(dispatched), nil
}

// AddDispatched unions platforms into the dispatched array in a single statement
func (p *PostgreSQLStorage) AddDispatched(ctx context.Context, itemID string, platforms models.PlatformSet) error {
	if platforms.Empty() {
		return nil
	}

	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (item_id, dispatched)
		VALUES ($1, $2)
		ON CONFLICT (item_id) DO UPDATE
		SET dispatched = ARRAY(
			SELECT DISTINCT unnest(%[1]s.dispatched || EXCLUDED.dispatched) ORDER BY 1
		), updated_at = NOW()`, p.table),
		itemID, pq.Array(platforms.Strings()),
	)
	if err != nil {
		return fmt.Errorf("failed to record dispatched platforms for item %s: %w", itemID, err)
	}
	return nil
}

// Close closes the database handle
func (p *PostgreSQLStorage) Close() error {
	return p.db.Close()
}
