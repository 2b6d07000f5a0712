package storage

import (
	"fmt"
	"strings"
)

// Driver abstracts database-specific SQL behavior. Queries in this
// package are written with `?` placeholders and rewritten per dialect.
type Driver interface {
	// Rebind rewrites `?` placeholders into the dialect's form.
	// SQLite keeps `?`; PostgreSQL uses $1..$n.
	Rebind(query string) string

	// IsDuplicateKey reports whether err is a unique-constraint violation.
	IsDuplicateKey(err error) bool
}

// SQLiteDriver implements Driver for SQLite (modernc.org/sqlite).
type SQLiteDriver struct{}

func (d *SQLiteDriver) Rebind(query string) string { return query }

func (d *SQLiteDriver) IsDuplicateKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// PostgresDriver implements Driver for PostgreSQL (pgx stdlib).
type PostgresDriver struct{}

func (d *PostgresDriver) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteString(fmt.Sprintf("$%d", n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d *PostgresDriver) IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLSTATE 23505") || strings.Contains(msg, "duplicate key value")
}
