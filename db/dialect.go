package db

import (
	"strconv"
	"strings"

	"github.com/teranos/ixpipe/errors"
)

// Dialect selects driver-specific SQL details. Queries in this repo are
// written with ? placeholders and rebound per dialect.
type Dialect int

const (
	// SQLite is the default embedded backend (mattn/go-sqlite3).
	SQLite Dialect = iota
	// Postgres is the shared backend for multi-host deployments (lib/pq).
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// DriverName returns the database/sql driver name.
func (d Dialect) DriverName() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite3"
}

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	default:
		err := errors.Wrapf(errors.ErrInvalidConfig, "unsupported database driver %q", driver)
		return SQLite, errors.WithHint(err, "use sqlite or postgres")
	}
}

// Rebind rewrites ? placeholders to $1..$n for postgres.
func (d Dialect) Rebind(query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
