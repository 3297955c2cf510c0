package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tonimelisma/notesync/internal/queue"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want error
	}{
		{http.StatusOK, nil},
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusPreconditionFailed, ErrConflict},
		{http.StatusGone, ErrGone},
		{http.StatusUpgradeRequired, ErrUpgradeRequired},
		{http.StatusTooManyRequests, ErrThrottled},
		{http.StatusBadGateway, ErrServerError},
		{http.StatusTeapot, ErrBadRequest},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, classifyStatus(tt.code))
		})
	}
}

func apiErr(status int, code string) *APIError {
	return &APIError{StatusCode: status, Code: code, Err: classifyStatus(status)}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want queue.Failure
	}{
		{"unauthorized", apiErr(401, ""), queue.Failure{Kind: queue.FailureUnauthenticated}},
		{"forbidden plain", apiErr(403, ""), queue.Failure{Kind: queue.FailureForbidden}},
		{"account blocked", apiErr(403, "accountBlocked"), queue.Failure{Kind: queue.FailureForbidden, ForbiddenReason: queue.ForbiddenAccountBlocked}},
		{"quota", apiErr(403, "quotaExceeded"), queue.Failure{Kind: queue.FailureForbidden, ForbiddenReason: queue.ForbiddenQuotaExceeded}},
		{"read only", apiErr(403, "readOnly"), queue.Failure{Kind: queue.FailureForbidden, ForbiddenReason: queue.ForbiddenReadOnly}},
		{"not found", apiErr(404, ""), queue.Failure{Kind: queue.FailureNotFound}},
		{"deleted", apiErr(404, "resourceDeleted"), queue.Failure{Kind: queue.FailureNotFound, NotFoundReason: queue.NotFoundResourceGone}},
		{"gone", apiErr(410, ""), queue.Failure{Kind: queue.FailureNotFound, NotFoundReason: queue.NotFoundResourceGone}},
		{"token invalid", apiErr(410, "syncTokenInvalid"), queue.Failure{Kind: queue.FailureTokenInvalidated}},
		{"cache invalid", apiErr(409, "cacheInvalidated"), queue.Failure{Kind: queue.FailureCacheInvalidated}},
		{"upgrade by code", apiErr(400, "upgradeRequired"), queue.Failure{Kind: queue.FailureUpgradeRequired}},
		{"upgrade by status", apiErr(426, ""), queue.Failure{Kind: queue.FailureUpgradeRequired}},
		{"conflict", apiErr(412, "revisionMismatch"), queue.Failure{Kind: queue.FailureConflict}},
		{"throttled", apiErr(429, ""), queue.Failure{Kind: queue.FailureThrottled}},
		{"server", apiErr(503, ""), queue.Failure{Kind: queue.FailureServiceUnavailable}},
		{"bad request", apiErr(400, ""), queue.Failure{Kind: queue.FailureBadRequest}},
		{"network", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("connection refused")}, queue.Failure{Kind: queue.FailureNetworkUnavailable}},
		{"deadline", context.DeadlineExceeded, queue.Failure{Kind: queue.FailureNetworkUnavailable}},
		{"token", fmt.Errorf("%w: %w", ErrToken, errors.New("invalid_grant")), queue.Failure{Kind: queue.FailureUnauthenticated}},
		{"not logged in", ErrNotLoggedIn, queue.Failure{Kind: queue.FailureUnauthenticated}},
		{"malformed", ErrMalformedResponse, queue.Failure{Kind: queue.FailureFatal}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Classify(tt.err)
			got.Message = ""
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify_CarriesRecoveryData(t *testing.T) {
	t.Parallel()

	e := apiErr(409, "revisionMismatch")
	e.LatestRevision = 12
	e.RetryAfter = 5 * time.Second

	got := Classify(fmt.Errorf("wrapped: %w", e))
	assert.Equal(t, queue.FailureConflict, got.Kind)
	assert.Equal(t, int64(12), got.LatestRevision)
	assert.Equal(t, 5*time.Second, got.RetryAfter)
}

func TestAPIError_Unwrap(t *testing.T) {
	t.Parallel()

	e := &APIError{StatusCode: 404, CorrelationID: "c1", Message: "nope", Err: ErrNotFound}

	assert.ErrorIs(t, e, ErrNotFound)
	assert.Contains(t, e.Error(), "correlation-id: c1")
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 7*time.Second, parseRetryAfter("7"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}
