package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/tonimelisma/notesync/internal/queue"
)

// Retry and backoff constants for idempotent listing reads. Mutations are
// never retried here: the outbound queue owns their retry policy.
const (
	maxReadRetries   = 2
	baseBackoff      = 500 * time.Millisecond
	maxBackoff       = 10 * time.Second
	backoffFactor    = 2.0
	jitterFraction   = 0.25
	defaultUserAgent = "notesync/0.1"

	headerCorrelationID = "X-Correlation-ID"
)

// TokenSource provides bearer tokens. Defined at the consumer per Go
// convention "accept interfaces, return structs".
type TokenSource interface {
	Token() (string, error)
}

// Client is an HTTP client for the notes service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger
	userAgent  string

	// sleepFunc is called to wait between read retries. Tests override it
	// to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client. baseURL is the service root without the
// /v1 prefix, e.g. "https://notes.example.com".
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		userAgent:  defaultUserAgent,
		sleepFunc:  timeSleep,
	}
}

// SetUserAgent overrides the User-Agent header.
func (c *Client) SetUserAgent(ua string) {
	if ua != "" {
		c.userAgent = ua
	}
}

// request describes one HTTP call.
type request struct {
	method        string
	path          string
	body          io.Reader
	contentType   string
	correlationID string
	header        http.Header
}

// do executes one request. Non-2xx responses are returned as *APIError with
// the body consumed and closed. The caller closes the body on success.
func (c *Client) do(ctx context.Context, r request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, r.body)
	if err != nil {
		return nil, fmt.Errorf("remote: creating request: %w", err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrToken, err)
	}

	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	if r.correlationID != "" {
		req.Header.Set(headerCorrelationID, r.correlationID)
	}

	if r.body != nil {
		ct := r.contentType
		if ct == "" {
			ct = "application/json"
		}

		req.Header.Set("Content-Type", ct)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: %s %s: %w", r.method, r.path, err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("request succeeded",
			slog.String("method", r.method),
			slog.String("path", r.path),
			slog.Int("status", resp.StatusCode),
			slog.String("correlation_id", r.correlationID),
		)

		return resp, nil
	}

	return nil, c.apiError(resp, r)
}

// errorBody is the service's error envelope.
type errorBody struct {
	Error struct {
		Code           string `json:"code"`
		Message        string `json:"message"`
		LatestRevision int64  `json:"latestRevision"`
	} `json:"error"`
}

func (c *Client) apiError(resp *http.Response, r request) error {
	raw, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	if readErr != nil {
		raw = []byte("(failed to read response body)")
	}

	apiErr := &APIError{
		StatusCode:    resp.StatusCode,
		CorrelationID: r.correlationID,
		Message:       string(raw),
		RetryAfter:    parseRetryAfter(resp.Header.Get("Retry-After")),
		Err:           classifyStatus(resp.StatusCode),
	}

	var body errorBody
	if json.Unmarshal(raw, &body) == nil && body.Error.Code != "" {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
		apiErr.LatestRevision = body.Error.LatestRevision
	}

	c.logger.Debug("request failed",
		slog.String("method", r.method),
		slog.String("path", r.path),
		slog.Int("status", resp.StatusCode),
		slog.String("code", apiErr.Code),
		slog.String("correlation_id", r.correlationID),
	)

	return apiErr
}

// getJSON performs an idempotent GET and decodes the response into out,
// retrying network errors and 5xx responses a bounded number of times.
func (c *Client) getJSON(ctx context.Context, path, correlationID string, out any) error {
	var attempt int

	for {
		resp, err := c.do(ctx, request{method: http.MethodGet, path: path, correlationID: correlationID})
		if err == nil {
			defer resp.Body.Close()

			if decErr := json.NewDecoder(resp.Body).Decode(out); decErr != nil {
				return fmt.Errorf("%w: GET %s: %w", ErrMalformedResponse, path, decErr)
			}

			return nil
		}

		if ctx.Err() != nil || attempt >= maxReadRetries || !isRetryableRead(err) {
			return err
		}

		backoff := calcBackoff(attempt)
		c.logger.Warn("retrying listing read",
			slog.String("path", path),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
			return fmt.Errorf("remote: request canceled: %w", sleepErr)
		}

		attempt++
	}
}

// isRetryableRead reports whether a failed read is worth repeating at once.
// Throttling is left to the queue so the service's Retry-After is honored.
func isRetryableRead(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return errors.Is(apiErr.Err, ErrServerError) && apiErr.RetryAfter == 0 && apiErr.Code == ""
	}

	return Classify(err).Kind == queue.FailureNetworkUnavailable
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}

// calcBackoff computes exponential backoff with ±25% jitter.
func calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
