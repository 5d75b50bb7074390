package httpx

import (
	"context"
	"errors"
	"net/http"
)

// Sentinels wrapped by handlers and services to pick a response status.
var (
	ErrNotFound    = errors.New("resource not found")
	ErrValidation  = errors.New("validation failed")
	ErrUnavailable = errors.New("service unavailable")
	ErrBadGateway  = errors.New("upstream failure")
)

var errorStatus = []struct {
	err    error
	status int
	title  string
}{
	{ErrNotFound, http.StatusNotFound, "Not Found"},
	{ErrValidation, http.StatusBadRequest, "Validation Failed"},
	{ErrUnavailable, http.StatusServiceUnavailable, "Service Unavailable"},
	{ErrBadGateway, http.StatusBadGateway, "Bad Gateway"},
}

// RespondError writes the problem matching the first sentinel err wraps.
// Unclassified errors become a 500 without detail so driver messages never
// reach clients.
func RespondError(w http.ResponseWriter, err error) {
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			Problem(w, m.status, m.title, err.Error())
			return
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		Problem(w, http.StatusGatewayTimeout, "Timeout", "request took too long")
		return
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
