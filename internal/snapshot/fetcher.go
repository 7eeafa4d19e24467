package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxSnapshotBodyBytes bounds the response body read from the control
// plane to prevent unbounded memory consumption.
const maxSnapshotBodyBytes = 256 * 1024 // 256 KiB

// correlationHeader carries the caller's correlation id to the control
// plane so it can correlate its own logs with the caller's trace.
const correlationHeader = "X-Request-Id"

// Fetch outcome classification. The fetcher performs exactly one attempt
// per call; retries, backoff, and circuit breaking are deliberately the
// caller's concern.
var (
	// ErrProjectNotFound means the control plane has no record of the
	// project (HTTP 404). Terminal — re-fetching will not help.
	ErrProjectNotFound = errors.New("project not found")

	// ErrControlPlaneUnavailable means the control plane reported itself
	// unavailable (HTTP 503).
	ErrControlPlaneUnavailable = errors.New("control plane unavailable")

	// ErrFetchTimeout means the request did not complete within the
	// configured request timeout and was aborted.
	ErrFetchTimeout = errors.New("snapshot fetch timed out")

	// ErrMalformedSnapshot means the control plane answered 200 but the
	// body could not be decoded or was missing the snapshot field.
	ErrMalformedSnapshot = errors.New("malformed snapshot response")
)

// Outcome labels used for logging and metrics.
const (
	OutcomeSuccess     = "success"
	OutcomeNotFound    = "not_found"
	OutcomeUnavailable = "unavailable"
	OutcomeTimeout     = "timeout"
	OutcomeMalformed   = "malformed"
	OutcomeError       = "error"
)

// ClassifyFetchError maps a fetch error to its outcome label.
func ClassifyFetchError(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrProjectNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrControlPlaneUnavailable):
		return OutcomeUnavailable
	case errors.Is(err, ErrFetchTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrMalformedSnapshot):
		return OutcomeMalformed
	default:
		return OutcomeError
	}
}

// envelope is the control plane's response wrapper. A 200 without the
// snapshot field is malformed.
type envelope struct {
	Snapshot *Snapshot `json:"snapshot"`
}

// Fetcher retrieves project snapshots from the control plane over HTTP.
// It performs one bounded-time GET per call and classifies the outcome;
// it never retries internally.
type Fetcher struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer

	// OnResult, when set, is invoked after every fetch with the outcome
	// label and elapsed time. Used by callers to record metrics without
	// coupling the fetcher to a metrics registry.
	OnResult func(outcome string, elapsed time.Duration)
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithLogger sets the fetcher's logger.
func WithLogger(l *slog.Logger) FetcherOption {
	return func(f *Fetcher) { f.logger = l }
}

// WithHTTPClient overrides the HTTP client. Intended for tests.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.httpClient = c }
}

// NewFetcher creates a snapshot fetcher for the given control-plane base
// URL. The timeout bounds each fetch wall-clock; expiry is classified as
// ErrFetchTimeout. An empty baseURL is a configuration error.
func NewFetcher(baseURL string, timeout time.Duration, opts ...FetcherOption) (*Fetcher, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("snapshot fetcher: control plane URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("snapshot fetcher: invalid control plane URL %q: %w", baseURL, err)
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	// Tuned connection pool: snapshot fetches all target a single host.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	f := &Fetcher{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		timeout:    timeout,
		logger:     slog.Default(),
		tracer:     otel.Tracer("gatecache/snapshot"),
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Timeout returns the configured per-fetch timeout.
func (f *Fetcher) Timeout() time.Duration { return f.timeout }

// Fetch retrieves the snapshot for one project. The correlation id from
// the context (see WithCorrelationID) is propagated as a request header.
// The returned error, when non-nil, classifies the failure: see the Err*
// sentinels and ClassifyFetchError.
func (f *Fetcher) Fetch(ctx context.Context, projectID string) (*Snapshot, error) {
	start := time.Now()
	ctx, span := f.tracer.Start(ctx, "snapshot.fetch",
		trace.WithAttributes(attribute.String("project_id", projectID)))
	defer span.End()

	snap, err := f.fetch(ctx, projectID)
	elapsed := time.Since(start)
	outcome := ClassifyFetchError(err)

	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.SetStatus(codes.Error, outcome)
	}
	if f.OnResult != nil {
		f.OnResult(outcome, elapsed)
	}

	corrID := CorrelationID(ctx)
	if err != nil {
		f.logger.Warn("snapshot fetch failed",
			"project_id", projectID,
			"outcome", outcome,
			"correlation_id", corrID,
			"elapsed", elapsed,
			"error", err)
		return nil, err
	}

	f.logger.Debug("snapshot fetched",
		"project_id", projectID,
		"version", snap.Version,
		"correlation_id", corrID,
		"elapsed", elapsed)
	return snap, nil
}

func (f *Fetcher) fetch(ctx context.Context, projectID string) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	endpoint := f.baseURL + "/api/internal/snapshot?project_id=" + url.QueryEscape(projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create snapshot request: %w", err)
	}
	if corrID := CorrelationID(ctx); corrID != "" {
		req.Header.Set(correlationHeader, corrID)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrFetchTimeout, err)
		}
		return nil, fmt.Errorf("snapshot request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: project %q", ErrProjectNotFound, projectID)
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w (status 503)", ErrControlPlaneUnavailable)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("control plane returned status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSnapshotBodyBytes)).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrMalformedSnapshot, err)
	}
	if env.Snapshot == nil {
		return nil, fmt.Errorf("%w: missing snapshot field", ErrMalformedSnapshot)
	}

	return env.Snapshot, nil
}

// Ping probes control-plane reachability for deep health checks. Any
// HTTP response counts as reachable; only transport errors fail.
func (f *Fetcher) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.baseURL+"/api/internal/snapshot", nil)
	if err != nil {
		return err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("control plane ping: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

// isTimeout reports whether the transport error was a deadline expiry,
// either from the request context or the client's own timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue) && ue.Timeout()
}
