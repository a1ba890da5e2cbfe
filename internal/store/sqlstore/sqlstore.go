// Package sqlstore implements store.Store over sqlx against either
// PostgreSQL or SQLite, selected by the DB_URL scheme.
package sqlstore

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/wskish/discobot/internal/db"
	"github.com/wskish/discobot/internal/db/dialect"
)

// SQLStore implements store.Store. Kept as a single struct (rather than
// one per entity) so every entity file can share the writer/reader split
// and driver dispatch; methods are grouped into per-entity files the way
// the repository/sqlite package they're grounded on does.
type SQLStore struct {
	pool   *db.Pool
	driver string
}

// Open opens a SQLStore for dbURL, which is either a Postgres DSN
// (postgres://... or postgresql://...) or a SQLite path (sqlite://path,
// file:path, or a bare filesystem path). maxConns/minConns apply only to
// the Postgres pool.
func Open(dbURL string, maxConns, minConns int) (*SQLStore, error) {
	driver, dsn := classify(dbURL)

	switch driver {
	case dialect.PGX:
		conn, err := db.OpenPostgres(dsn, maxConns, minConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		sqlxDB := sqlx.NewDb(conn, "pgx")
		s := &SQLStore{pool: db.NewPool(sqlxDB, sqlxDB), driver: dialect.PGX}
		if err := s.initSchema(); err != nil {
			return nil, fmt.Errorf("init schema: %w", err)
		}
		return s, nil

	case dialect.SQLite3:
		writer, err := db.OpenSQLite(dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite writer: %w", err)
		}
		reader, err := db.OpenSQLiteReader(dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite reader: %w", err)
		}
		s := &SQLStore{
			pool:   db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")),
			driver: dialect.SQLite3,
		}
		if err := s.initSchema(); err != nil {
			return nil, fmt.Errorf("init schema: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unrecognized DB_URL scheme: %s", dbURL)
	}
}

// classify splits a DB_URL into a driver name and the DSN its opener
// expects.
func classify(dbURL string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		return dialect.PGX, dbURL
	case strings.HasPrefix(dbURL, "sqlite://"):
		u, err := url.Parse(dbURL)
		if err != nil {
			return dialect.SQLite3, strings.TrimPrefix(dbURL, "sqlite://")
		}
		return dialect.SQLite3, u.Host + u.Path
	case strings.HasPrefix(dbURL, "file:"):
		return dialect.SQLite3, strings.TrimPrefix(dbURL, "file:")
	default:
		return dialect.SQLite3, dbURL
	}
}

func (s *SQLStore) w() *sqlx.DB { return s.pool.Writer() }
func (s *SQLStore) r() *sqlx.DB { return s.pool.Reader() }

// Close closes both pools.
func (s *SQLStore) Close() error { return s.pool.Close() }
