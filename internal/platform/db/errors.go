package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Postgres SQLSTATE codes the engines care about.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeCheckViolation       = "23514"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
)

// Classify attaches a shared error class to Postgres errors so the caller can
// tell a lost race from a broken constraint. Non-Postgres errors pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	if errors.Is(err, shared.ErrConflict) || errors.Is(err, shared.ErrInvariant) || errors.Is(err, shared.ErrPrecondition) {
		return err
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return shared.Transient(fmt.Errorf("%w: %w", shared.ErrConflict, err))
	case codeUniqueViolation:
		return fmt.Errorf("%w: %w", shared.ErrConflict, err)
	case codeCheckViolation:
		return fmt.Errorf("%w: %w", shared.ErrInvariant, err)
	case codeForeignKeyViolation:
		return fmt.Errorf("%w: %w", shared.ErrPrecondition, err)
	default:
		return err
	}
}

// Dump renders the interesting fields of a Postgres error for logs.
func Dump(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		if err == nil {
			return ""
		}
		return err.Error()
	}
	return fmt.Sprintf("code=%s constraint=%s table=%s msg=%s", pgErr.Code, pgErr.ConstraintName, pgErr.TableName, pgErr.Message)
}
