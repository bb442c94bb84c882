// Package sqlcore implements the ledger store contracts over database/sql.
// Engines differ only in their Dialect.
package sqlcore

import (
	"strconv"
	"strings"
)

type Dialect struct {
	Name string
	// numbered placeholders ($1, $2, ...) instead of ?
	Numbered bool
	// Bool converts a Go bool to the column representation.
	Bool func(bool) any
	// TxSetup runs at the start of every transaction when set.
	TxSetup string
}

var SQLite = Dialect{
	Name: "sqlite",
	Bool: func(b bool) any {
		if b {
			return 1
		}
		return 0
	},
	TxSetup: "PRAGMA foreign_keys = ON;",
}

var Postgres = Dialect{
	Name:     "postgres",
	Numbered: true,
	Bool:     func(b bool) any { return b },
}

// Rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
