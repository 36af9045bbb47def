package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultRecordTable = "idkit_keystore"

// PostgresStoreConfig captures what is needed to open a Postgres-backed store.
type PostgresStoreConfig struct {
	DSN    string
	Schema string
	Table  string
}

// PostgresStore persists records in PostgreSQL. Server-side embeddings that
// have no platform keychain use it in place of the file store.
type PostgresStore struct {
	db  *sql.DB
	cfg PostgresStoreConfig
}

// NewPostgresStore opens the database connection and creates the record table
// when it does not exist yet.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("idkit keystore: postgres DSN is required")
	}
	if strings.TrimSpace(cfg.Table) == "" {
		cfg.Table = defaultRecordTable
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("idkit keystore: open database: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("idkit keystore: ping database: %w", err)
	}

	store := &PostgresStore{db: db, cfg: cfg}
	if err = store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database connection.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if schema := strings.TrimSpace(s.cfg.Schema); schema != "" {
		query := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(schema))
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("idkit keystore: create schema: %w", err)
		}
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			service TEXT NOT NULL,
			account TEXT NOT NULL,
			value BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (service, account)
		)
	`, s.fullTableName())
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("idkit keystore: create record table: %w", err)
	}
	return nil
}

// Put writes value under key, replacing any existing record.
func (s *PostgresStore) Put(ctx context.Context, key Key, value []byte) error {
	if err := validPostgresKey(key); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (service, account, value, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (service, account)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, s.fullTableName())
	if _, err := s.db.ExecContext(ctx, query, key.Service, key.Account, value); err != nil {
		return fmt.Errorf("idkit keystore: upsert record: %w", err)
	}
	return nil
}

// Get returns the record under key or ErrItemNotFound.
func (s *PostgresStore) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := validPostgresKey(key); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT value FROM %s WHERE service = $1 AND account = $2", s.fullTableName())
	var value []byte
	err := s.db.QueryRowContext(ctx, query, key.Service, key.Account).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("idkit keystore: read record: %w", err)
	}
	return value, nil
}

// GetAll enumerates every record stored under service.
func (s *PostgresStore) GetAll(ctx context.Context, service string) ([]Item, error) {
	query := fmt.Sprintf("SELECT account, value FROM %s WHERE service = $1 ORDER BY account", s.fullTableName())
	rows, err := s.db.QueryContext(ctx, query, service)
	if err != nil {
		return nil, fmt.Errorf("idkit keystore: list records: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			account string
			value   []byte
		)
		if err = rows.Scan(&account, &value); err != nil {
			return nil, fmt.Errorf("idkit keystore: scan record: %w", err)
		}
		items = append(items, Item{Key: Key{Service: service, Account: account}, Value: value})
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("idkit keystore: iterate records: %w", err)
	}
	return items, nil
}

// Delete removes the record under key. Deleting a missing record returns
// ErrItemNotFound.
func (s *PostgresStore) Delete(ctx context.Context, key Key) error {
	if err := validPostgresKey(key); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE service = $1 AND account = $2", s.fullTableName())
	result, err := s.db.ExecContext(ctx, query, key.Service, key.Account)
	if err != nil {
		return fmt.Errorf("idkit keystore: delete record: %w", err)
	}
	if affected, errRows := result.RowsAffected(); errRows == nil && affected == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (s *PostgresStore) fullTableName() string {
	if strings.TrimSpace(s.cfg.Schema) == "" {
		return quoteIdentifier(s.cfg.Table)
	}
	return quoteIdentifier(s.cfg.Schema) + "." + quoteIdentifier(s.cfg.Table)
}

func validPostgresKey(key Key) error {
	if strings.TrimSpace(key.Service) == "" || strings.TrimSpace(key.Account) == "" {
		return fmt.Errorf("idkit keystore: invalid key %q/%q", key.Service, key.Account)
	}
	return nil
}

func quoteIdentifier(identifier string) string {
	replaced := strings.ReplaceAll(identifier, "\"", "\"\"")
	return "\"" + replaced + "\""
}
