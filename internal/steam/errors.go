package steam

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// ErrNoGames is returned when a profile lists no games, usually because its
// game details are private.
var ErrNoGames = errors.New("steam: profile has no visible games")

// knownStatuses are the codes the Steam Web API documents. Anything else is
// logged with its body.
var knownStatuses = map[int]bool{
	200: true, 400: true, 401: true, 403: true, 404: true,
	405: true, 429: true, 500: true, 503: true,
}

// APIError is a non-2xx response from a Steam endpoint.
type APIError struct {
	StatusCode int
	URL        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("steam: %s: HTTP %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRateLimited reports whether err is an HTTP 429 from the API.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// IsClientError reports whether err is a 4xx other than 429. These are not
// retried.
func IsClientError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
		apiErr.StatusCode != http.StatusTooManyRequests
}

// IsTransient reports whether err is a server error, timeout, or connection
// failure that is worth retrying after a short delay.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
