package db

import (
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WithRowLock adds FOR UPDATE on dialects that support it. The sqlite
// dialect used by the test harness rejects the clause; there the capped
// connection pool provides the serialization instead.
func WithRowLock(tx *gorm.DB) *gorm.DB {
	switch tx.Dialector.Name() {
	case "postgres", "mysql":
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// IsUniqueViolation reports whether the error came from a unique index.
// Matched by message so it covers both the postgres driver and the sqlite
// test harness.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
