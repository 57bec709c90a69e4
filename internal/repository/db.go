package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Open connects using DATABASE_DRIVER semantics: "postgres" (lib/pq) or
// "sqlite" (modernc, used for local runs and tests).
func Open(driver, dsn string) (*sql.DB, Dialect, error) {
	d := Dialect(driver)
	switch d {
	case Postgres, SQLite:
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(string(d), dsn)
	if err != nil {
		return nil, "", err
	}
	if d == SQLite {
		// Every connection to :memory: is a separate database, and SQLite
		// serialises writers anyway.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, "", err
	}
	return db, d, nil
}

// store holds what every repository needs: the handle and the placeholder
// style.
type store struct {
	db      *sql.DB
	dialect Dialect
}

// q rewrites ? placeholders to $n for Postgres.
func (s store) q(query string) string {
	if s.dialect != Postgres {
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

// Timestamps are stored in UTC at microsecond precision, which both
// databases keep losslessly.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.NotFound, what+" not found")
	}
	return err
}
