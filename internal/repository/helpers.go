package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Helper function to convert empty string to nil pointer
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isUniqueViolation reports whether err is a unique constraint violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isSerializationFailure reports whether err is a serializable transaction
// conflict, which callers may retry.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}
