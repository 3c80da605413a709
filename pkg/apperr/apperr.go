package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	NotConnected        = "not_connected"
	TransportDisconnect = "transport_disconnect"
	UpstreamFailure     = "upstream_failure"
	PersistenceFailure  = "persistence_failure"
	InvalidRequest      = "invalid_request"
	Internal            = "internal_error"
)

// Error represents a stable, categorized failure surfaced by zapdesk components.
type Error struct {
	Category string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	message := e.Category
	if e.Detail != "" {
		message = fmt.Sprintf("%s: %s", e.Category, e.Detail)
	}
	if e.Err != nil {
		message = fmt.Sprintf("%s: %v", message, e.Err)
	}

	return message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// Is matches any categorized error with the same category, so sentinel
// values such as supervisor.ErrNotConnected compare by category.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}

	return e.Category == other.Category && (other.Detail == "" || e.Detail == other.Detail)
}

// New creates a categorized error.
func New(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// Wrap attaches a category to an underlying error. A nil err stays nil.
func Wrap(category string, detail string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Category: category, Detail: detail, Err: err}
}

// CategoryFromError returns the stable category for an error when available.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	return Internal
}

// HTTPStatus maps an error category to the status code the management API returns.
func HTTPStatus(err error) int {
	switch CategoryFromError(err) {
	case "":
		return http.StatusOK
	case NotConnected, InvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
