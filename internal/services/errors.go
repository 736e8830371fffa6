package services

import (
	"errors"

	"github.com/meraki-bazaar/api/internal/repositories"
)

var (
	// ErrInvalidAmount signals a negative, NaN, or infinite monetary input.
	// It is surfaced before any gateway call is made.
	ErrInvalidAmount = errors.New("pricing: invalid amount")
	// ErrValidation covers malformed identifiers or request bodies.
	ErrValidation = errors.New("invalid request")
	// ErrGateway wraps payment gateway call failures on the checkout path.
	ErrGateway = errors.New("payment gateway error")
	// ErrOrderNotFound is returned when an order id resolves to nothing.
	ErrOrderNotFound = errors.New("order not found")
	// ErrForbidden is returned when the actor does not own the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidTransition is returned for lifecycle events not allowed from
	// the order's current status.
	ErrInvalidTransition = errors.New("transition not allowed from current status")
)

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
