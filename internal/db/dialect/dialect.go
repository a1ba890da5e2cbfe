// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt converts a boolean to an integer for SQL storage.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// LockRows returns the row-locking suffix for a SELECT that must
// serialize concurrent writers over the matched rows.
//
//	Postgres: " FOR UPDATE"
//	SQLite:   "" (no FOR UPDATE syntax; the single writer connection
//	          serializes transactions already)
func LockRows(driver string) string {
	if IsPostgres(driver) {
		return " FOR UPDATE"
	}
	return ""
}
