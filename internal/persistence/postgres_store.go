package persistence

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore is a RuntimeStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses the pgx stdlib driver. The caller is
// responsible for importing the driver for its side effects:
//
//	_ "github.com/jackc/pgx/v5/stdlib"
//
// Approvals lock the stage row (SELECT ... FOR UPDATE) so that exactly one
// concurrent approver observes the stage as finished.
type PostgresStore struct {
	sqlStore
}

// Ensure PostgresStore implements RuntimeStore.
var _ RuntimeStore = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given database and
// returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{sqlStore{
		db: db,
		d: dialect{
			blob:      "BYTEA",
			serial:    "BIGSERIAL PRIMARY KEY",
			numbered:  true,
			lockStage: "FOR UPDATE",
			isUnique:  isPgUnique,
		},
	}}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
