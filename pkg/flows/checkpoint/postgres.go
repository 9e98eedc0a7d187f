package checkpoint

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// PostgresSaver persists checkpoints to PostgreSQL.
type PostgresSaver struct {
	sqlStore
}

// NewPostgresSaver connects to dsn with the pgx driver and prepares the
// schema.
func NewPostgresSaver(ctx context.Context, dsn string) (*PostgresSaver, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewPostgresSaverFromDB(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresSaverFromDB uses an existing *sql.DB, which must use a
// PostgreSQL driver. The saver owns db from then on and closes it in Close.
func NewPostgresSaverFromDB(ctx context.Context, db *sql.DB) (*PostgresSaver, error) {
	s := &PostgresSaver{sqlStore{db: db, dialect: postgresDialect}}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
