package estimate

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Error classes. Every error returned by the engine wraps exactly one of them.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid")
	ErrBusy     = errors.New("busy")
	ErrFatal    = errors.New("fatal")
)

// Error is a classified engine error. Message is caller-facing.
type Error struct {
	Class   error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Class }

func newError(class error, msg string) *Error {
	return &Error{Class: class, Message: msg}
}

func errorf(class error, format string, args ...interface{}) *Error {
	return &Error{Class: class, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrProjectNotFound = newError(ErrNotFound, "Project not found")
	ErrLotNotFound     = newError(ErrNotFound, "Lot not found")
	ErrOuvrageNotFound = newError(ErrNotFound, "Ouvrage not found")
	ErrBlocNotFound    = newError(ErrNotFound, "Bloc not found")
	ErrArticleNotFound = newError(ErrNotFound, "Article not found")

	ErrBlocOuvrageMismatch  = newError(ErrConflict, "Bloc does not belong to this ouvrage")
	ErrCrossProject         = newError(ErrConflict, "Node belongs to another project")
	ErrCrossLotMove         = newError(ErrConflict, "Blocs can only move between ouvrages of the same lot")
	ErrDesignationTaken     = newError(ErrConflict, "Designation already exists in this context")
	ErrDesignationAssigned  = newError(ErrConflict, "Designation is already assigned and cannot be changed")
	ErrDesignationExhausted = newError(ErrConflict, "No free designation found within the attempt bound")
	ErrMergedDesignation    = newError(ErrConflict, "An identical line already exists under another designation")

	ErrNameRequired           = newError(ErrInvalid, "Name is required")
	ErrLotRefRequired         = newError(ErrInvalid, "Lot label or identifier is required")
	ErrMalformedDesignation   = newError(ErrInvalid, "Designation must be dot-separated positive integers without leading zeros or signs")
	ErrBlocDesignationMissing = newError(ErrInvalid, "Bloc designation is required before adding articles under it")
	ErrDesignationOutside     = newError(ErrInvalid, "Designation must be a direct child of its parent designation")
	ErrNegativeQuantity       = newError(ErrInvalid, "Quantity must not be negative")
	ErrNegativePrice          = newError(ErrInvalid, "Unit price must not be negative")
	ErrInvalidTaxRate         = newError(ErrInvalid, "Tax rate must be between 0 and 100")

	ErrConcurrentModification = newError(ErrBusy, "Project is being modified concurrently, retry")

	ErrIdentifierSpaceExhausted = newError(ErrFatal, "Identifier space exhausted: ouvrage/bloc ids need operator attention")
)

// notFound maps gorm.ErrRecordNotFound to the given engine error.
func notFound(err error, nf *Error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nf
	}
	return err
}

// Postgres SQLSTATEs that mean "retry the whole transaction".
var retryableCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"23505": true, // unique_violation: concurrent allocation outside the project lock
	"57014": true, // query_canceled: statement cut by the mutation deadline
}

// translateDBError turns lock timeouts and driver-level lock and serialization
// failures into ErrBusy.
func translateDBError(err error) error {
	if err == nil {
		return nil
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && retryableCodes[pgErr.Code] {
		return fmt.Errorf("%w: %s", ErrConcurrentModification, pgErr.Message)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
	}
	return err
}

// Class returns the error class of err (ErrNotFound, ErrConflict...) or nil when
// err is not an engine error.
func Class(err error) error {
	for _, c := range []error{ErrNotFound, ErrConflict, ErrInvalid, ErrBusy, ErrFatal} {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}
