package postgres

import (
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"renderfarm/internal/pkg/errors"
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUndefinedTable       = "42P01"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isNoRows(err error) bool {
	return stderrors.Is(err, pgx.ErrNoRows)
}

func isDuplicateKey(err error) bool {
	return pgCode(err) == codeUniqueViolation
}

// classify converts a driver error into a coded error. Coded errors pass
// through untouched.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var coded *errors.Error
	if stderrors.As(err, &coded) {
		return err
	}
	switch pgCode(err) {
	case codeSerializationFailure, codeDeadlockDetected:
		return errors.WrapWithCode(err, errors.CodeConflict, op, "transaction aborted by concurrent update")
	case codeUniqueViolation:
		return errors.WrapWithCode(err, errors.CodeConflict, op, "record already exists")
	case codeUndefinedTable:
		return errors.WrapWithCode(err, errors.CodeUnavailable, op, "schema not migrated")
	}
	return errors.Wrap(err, op, "postgres query failed")
}
