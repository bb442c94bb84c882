package pgstore

import (
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/davidahmann/arcana/internal/ledger/sqlcore"
)

type Store struct {
	*sqlcore.Store
}

func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{Store: sqlcore.New(db, sqlcore.Postgres)}
}
