package sqlstore

import (
	"database/sql"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/davidahmann/arcana/internal/ledger/sqlcore"
)

// BusyTimeoutMS is how long a connection waits on a locked database before
// failing with SQLITE_BUSY.
const BusyTimeoutMS = 5000

type Store struct {
	*sqlcore.Store
}

// OpenSQLite opens dsn with foreign keys on, a busy timeout and immediate
// write transactions. Concurrent writers queue on the database lock instead
// of failing.
func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", withConnParams(dsn))
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
	return &Store{Store: sqlcore.New(db, sqlcore.SQLite)}
}

// withConnParams appends the driver parameters the store relies on unless the
// caller already set them.
func withConnParams(dsn string) string {
	var params []string
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, "_pragma=busy_timeout("+strconv.Itoa(BusyTimeoutMS)+")")
	}
	if !strings.Contains(dsn, "foreign_keys") {
		params = append(params, "_pragma=foreign_keys(1)")
	}
	if !strings.Contains(dsn, "_txlock=") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}
