// Package remote is the HTTP transport to the notes service: it transmits
// queued operations, fetches full and delta listings of a scope, and
// subscribes to push signals over a websocket. Every failure is classified
// into the closed queue.FailureKind taxonomy before it leaves the package.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/tonimelisma/notesync/internal/queue"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, remote.ErrNotFound) to check.
var (
	ErrBadRequest      = errors.New("remote: bad request")
	ErrUnauthorized    = errors.New("remote: unauthorized")
	ErrForbidden       = errors.New("remote: forbidden")
	ErrNotFound        = errors.New("remote: not found")
	ErrConflict        = errors.New("remote: conflict")
	ErrGone            = errors.New("remote: resource gone")
	ErrUpgradeRequired = errors.New("remote: upgrade required")
	ErrThrottled       = errors.New("remote: throttled")
	ErrServerError     = errors.New("remote: server error")

	// ErrToken wraps failures to obtain a bearer token.
	ErrToken = errors.New("remote: obtaining token")
	// ErrNotLoggedIn means no saved credential exists for the account.
	ErrNotLoggedIn = errors.New("remote: not logged in")
	// ErrMalformedResponse means a 2xx response could not be decoded.
	ErrMalformedResponse = errors.New("remote: malformed response")
)

// Service error codes carried in the error body.
const (
	codeCacheInvalidated = "cacheInvalidated"
	codeSyncTokenInvalid = "syncTokenInvalid"
	codeUpgradeRequired  = "upgradeRequired"
	codeAccountBlocked   = "accountBlocked"
	codeQuotaExceeded    = "quotaExceeded"
	codeReadOnly         = "readOnly"
	codeResourceDeleted  = "resourceDeleted"
	codeRevisionMismatch = "revisionMismatch"
)

// APIError wraps a sentinel error with the HTTP status, the service error
// code and message, and any recovery data the service returned.
type APIError struct {
	StatusCode     int
	CorrelationID  string
	Code           string
	Message        string
	LatestRevision int64
	RetryAfter     time.Duration
	Err            error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}

	if e.CorrelationID != "" {
		return fmt.Sprintf("remote: HTTP %d (correlation-id: %s): %s", e.StatusCode, e.CorrelationID, msg)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, msg)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusUpgradeRequired:
		return ErrUpgradeRequired
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		if code >= http.StatusBadRequest {
			return ErrBadRequest
		}

		return nil
	}
}

// Classify maps a transport error to a queue failure.
func Classify(err error) queue.Failure {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr)
	}

	f := queue.Failure{Message: err.Error()}

	var urlErr *url.Error
	var netErr net.Error

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		f.Kind = queue.FailureNetworkUnavailable
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		f.Kind = queue.FailureNetworkUnavailable
	case errors.Is(err, ErrToken), errors.Is(err, ErrNotLoggedIn):
		f.Kind = queue.FailureUnauthenticated
	default:
		f.Kind = queue.FailureFatal
	}

	return f
}

func classifyAPIError(e *APIError) queue.Failure {
	f := queue.Failure{
		Message:        e.Error(),
		LatestRevision: e.LatestRevision,
		RetryAfter:     e.RetryAfter,
	}

	// Service codes take precedence over the status: the same code can
	// arrive with more than one status depending on the endpoint.
	switch e.Code {
	case codeCacheInvalidated:
		f.Kind = queue.FailureCacheInvalidated
		return f
	case codeSyncTokenInvalid:
		f.Kind = queue.FailureTokenInvalidated
		return f
	case codeUpgradeRequired:
		f.Kind = queue.FailureUpgradeRequired
		return f
	}

	switch {
	case errors.Is(e.Err, ErrUnauthorized):
		f.Kind = queue.FailureUnauthenticated
	case errors.Is(e.Err, ErrForbidden):
		f.Kind = queue.FailureForbidden
		f.ForbiddenReason = forbiddenReason(e.Code)
	case errors.Is(e.Err, ErrNotFound):
		f.Kind = queue.FailureNotFound
		if e.Code == codeResourceDeleted {
			f.NotFoundReason = queue.NotFoundResourceGone
		}
	case errors.Is(e.Err, ErrGone):
		f.Kind = queue.FailureNotFound
		f.NotFoundReason = queue.NotFoundResourceGone
	case errors.Is(e.Err, ErrConflict), e.Code == codeRevisionMismatch:
		f.Kind = queue.FailureConflict
	case errors.Is(e.Err, ErrUpgradeRequired):
		f.Kind = queue.FailureUpgradeRequired
	case errors.Is(e.Err, ErrThrottled):
		f.Kind = queue.FailureThrottled
	case errors.Is(e.Err, ErrServerError):
		f.Kind = queue.FailureServiceUnavailable
	default:
		f.Kind = queue.FailureBadRequest
	}

	return f
}

func forbiddenReason(code string) queue.ForbiddenReason {
	switch code {
	case codeAccountBlocked:
		return queue.ForbiddenAccountBlocked
	case codeQuotaExceeded:
		return queue.ForbiddenQuotaExceeded
	case codeReadOnly:
		return queue.ForbiddenReadOnly
	default:
		return queue.ForbiddenUnknown
	}
}
