package builder

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Postgres-backed persistent tier for hosted deployments where the cache
// survives process restarts. One row per key.
type PostgresStorage struct {
	db    *sql.DB
	table string
}

func NewPostgresStorage(databaseUrl string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", databaseUrl)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	storage := &PostgresStorage{
		db:    db,
		table: "builder_cache",
	}
	if err := storage.migrate(); err != nil {
		return nil, err
	}
	return storage, nil
}

func (self *PostgresStorage) migrate() error {
	_, err := self.db.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		self.table,
	))
	return err
}

func (self *PostgresStorage) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := self.db.QueryRowContext(
		ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, self.table),
		key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (self *PostgresStorage) Put(ctx context.Context, key string, value []byte) error {
	_, err := self.db.ExecContext(
		ctx,
		fmt.Sprintf(
			`INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
			ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = now()`,
			self.table,
		),
		key,
		value,
	)
	return err
}

func (self *PostgresStorage) Delete(ctx context.Context, key string) error {
	_, err := self.db.ExecContext(
		ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, self.table),
		key,
	)
	return err
}

func (self *PostgresStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := self.db.QueryContext(
		ctx,
		fmt.Sprintf(`SELECT key FROM %s ORDER BY key`, self.table),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (self *PostgresStorage) Close() error {
	return self.db.Close()
}
