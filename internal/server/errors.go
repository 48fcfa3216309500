package server

import (
	"errors"
	"net/http"

	"github.com/jonathan/job-autopilot/internal/automation"
)

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		validationErr  *automation.ValidationError
		dependencyErr  *automation.DependencyMissingError
		concurrencyErr *automation.ConcurrencyLimitError
		notFoundErr    *automation.RunNotFoundError
	)

	switch {
	case errors.As(err, &validationErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &dependencyErr), errors.As(err, &notFoundErr):
		return http.StatusNotFound
	case errors.As(err, &concurrencyErr):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
