package queue

import (
	"fmt"
	"time"
)

// FailureKind is the closed set of ways a transmitted operation can fail.
type FailureKind int

// Failure kinds.
const (
	FailureFatal FailureKind = iota + 1
	FailureNetworkUnavailable
	FailureBadRequest
	FailureUnauthenticated
	FailureForbidden
	FailureNotFound
	FailureConflict
	FailureTokenInvalidated
	FailureCacheInvalidated
	FailureUpgradeRequired
	FailureThrottled
	FailureServiceUnavailable
)

var failureKindNames = map[FailureKind]string{
	FailureFatal:              "fatal",
	FailureNetworkUnavailable: "network_unavailable",
	FailureBadRequest:         "bad_request",
	FailureUnauthenticated:    "unauthenticated",
	FailureForbidden:          "forbidden",
	FailureNotFound:           "not_found",
	FailureConflict:           "conflict",
	FailureTokenInvalidated:   "token_invalidated",
	FailureCacheInvalidated:   "cache_invalidated",
	FailureUpgradeRequired:    "upgrade_required",
	FailureThrottled:          "throttled",
	FailureServiceUnavailable: "service_unavailable",
}

func (k FailureKind) String() string {
	if name, ok := failureKindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("failure(%d)", int(k))
}

// ForbiddenReason refines FailureForbidden.
type ForbiddenReason int

// Forbidden reasons. The zero value is an unexplained refusal.
const (
	ForbiddenUnknown ForbiddenReason = iota
	ForbiddenAccountBlocked
	ForbiddenQuotaExceeded
	ForbiddenReadOnly
)

// NotFoundReason refines FailureNotFound.
type NotFoundReason int

// Not-found reasons. The zero value is an unexplained 404, which can be
// eventual consistency on the remote side.
const (
	NotFoundUnknown NotFoundReason = iota
	NotFoundResourceGone
)

// Failure describes a failed transmission. Only the fields relevant to Kind
// are set.
type Failure struct {
	Kind            FailureKind
	ForbiddenReason ForbiddenReason
	NotFoundReason  NotFoundReason
	LatestRevision  int64         // Conflict: server revision to rebase on, 0 when unknown
	RetryAfter      time.Duration // Throttled, ServiceUnavailable
	Message         string
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return "queue: " + f.Kind.String()
	}

	return fmt.Sprintf("queue: %s: %s", f.Kind, f.Message)
}

// SuccessEvent is what the transport reports for a successful transmission.
type SuccessEvent struct {
	RemoteID       string // set when the operation established a remote identity
	Revision       int64
	LastModifiedAt int64
	SyncToken      string // sync operations
	Changes        int    // sync operations: entries applied locally
}

// Result is the outcome of one transmission: an event or a failure.
type Result struct {
	Event   SuccessEvent
	Failure *Failure
}

// Succeeded wraps a success event.
func Succeeded(ev SuccessEvent) Result {
	return Result{Event: ev}
}

// Failed wraps a failure.
func Failed(f Failure) Result {
	return Result{Failure: &f}
}

// OK reports whether the transmission succeeded.
func (r Result) OK() bool {
	return r.Failure == nil
}
