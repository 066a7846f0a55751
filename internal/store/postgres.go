package store

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewPostgresStore opens a PostgreSQL project database through the pgx
// database/sql driver and runs migrations. Run ledgers stay on SQLite.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres store: empty DSN")
	}
	return open(postgresDialect, dsn, 0)
}
