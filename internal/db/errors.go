package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL integrity constraint violation codes.
const (
	CodeUniqueViolation     = "23505"
	CodeForeignKeyViolation = "23503"
	CodeCheckViolation      = "23514"
	CodeNotNullViolation    = "23502"
)

// PgCode returns the SQLSTATE of err, or "" if err is not a PostgreSQL error.
func PgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return PgCode(err) == CodeUniqueViolation
}

// IsForeignKeyViolation reports whether err is a foreign key violation.
func IsForeignKeyViolation(err error) bool {
	return PgCode(err) == CodeForeignKeyViolation
}

// IsCheckViolation reports whether err is a CHECK constraint violation.
func IsCheckViolation(err error) bool {
	return PgCode(err) == CodeCheckViolation
}

// IsNotNullViolation reports whether err is a NOT NULL violation.
func IsNotNullViolation(err error) bool {
	return PgCode(err) == CodeNotNullViolation
}

// ViolationKind names the constraint err violated: "unique", "foreign key",
// "check" or "not null". It returns "" for anything else.
func ViolationKind(err error) string {
	switch {
	case IsUniqueViolation(err):
		return "unique"
	case IsForeignKeyViolation(err):
		return "foreign key"
	case IsCheckViolation(err):
		return "check"
	case IsNotNullViolation(err):
		return "not null"
	default:
		return ""
	}
}

// IsConstraintViolation reports whether err is any integrity constraint
// violation (SQLSTATE class 23).
func IsConstraintViolation(err error) bool {
	code := PgCode(err)
	return len(code) == 5 && code[:2] == "23"
}
