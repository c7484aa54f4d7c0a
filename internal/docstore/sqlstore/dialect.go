package sqlstore

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"

	"housecup.org/internal/migrate"
)

// Dialect captures the SQL differences between supported backends.
type Dialect struct {
	Name      migrate.Dialect
	Driver    string
	forUpdate string
	nowQuery  string
	numbered  bool
	jsonField func(field string) string
	retryable func(err error) bool
}

var (
	Postgres = Dialect{
		Name:      migrate.Postgres,
		Driver:    "pgx",
		forUpdate: " for update",
		nowQuery:  "select clock_timestamp()",
		numbered:  true,
		jsonField: func(f string) string { return "data->>'" + f + "'" },
		retryable: pgRetryable,
	}
	SQLite = Dialect{
		Name:      migrate.SQLite,
		Driver:    "sqlite",
		jsonField: func(f string) string { return "json_extract(data, '$." + f + "')" },
		retryable: sqliteRetryable,
	}
)

// DialectFor resolves a configured driver name.
func DialectFor(name string) (Dialect, bool) {
	switch name {
	case "postgres", "pgx":
		return Postgres, true
	case "sqlite", "sqlite3":
		return SQLite, true
	}
	return Dialect{}, false
}

// rebind rewrites ? placeholders to $n where the backend needs it.
func (d Dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
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

func pgRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return true
		}
	}
	return false
}

const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

func sqliteRetryable(err error) bool {
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
	}
	return false
}
