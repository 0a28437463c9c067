// Package storage holds the Postgres repositories behind scheduling, the
// user directory and the payment webhook.
package storage

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/md-rashed-zaman/telehealth/libs/apperr"
)

const (
	codeUniqueViolation    = "23505"
	codeExclusionViolation = "23P01"
)

// classify maps pgx errors onto the apperr taxonomy. Errors that are already
// classified pass through.
func classify(err error, what string) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(what + " not found")
	}
	if isConstraint(err) {
		return apperr.Conflict(what + " conflicts with an existing record")
	}
	return apperr.Internal(err)
}

func isConstraint(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == codeUniqueViolation || pgErr.Code == codeExclusionViolation)
}
