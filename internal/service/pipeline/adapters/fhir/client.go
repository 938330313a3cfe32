// Package fhir talks to the downstream FHIR store: resource search,
// transactional submission, health probing, and the deduplication engine
// that decides whether a transformed bundle may be submitted.
package fhir

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/adapters/fhir/model"
)

// StoreErrorKind classifies downstream store failures.
type StoreErrorKind int

const (
	// StoreTimeout is a request that exceeded its deadline.
	StoreTimeout StoreErrorKind = iota
	// StoreUnavailable is a connection failure or 5xx.
	StoreUnavailable
	// StoreConflict is a 409/412 from the store's own conflict detection.
	StoreConflict
	// StorePartialFailure is a transaction the store applied only partially.
	// Never retried automatically: retrying risks duplicate side effects.
	StorePartialFailure
)

func (k StoreErrorKind) String() string {
	switch k {
	case StoreTimeout:
		return "timeout"
	case StoreUnavailable:
		return "unavailable"
	case StoreConflict:
		return "conflict"
	case StorePartialFailure:
		return "partial-failure"
	default:
		return "unknown"
	}
}

// StoreError is a failed interaction with the downstream store.
type StoreError struct {
	Kind    StoreErrorKind
	Status  int
	Detail  string
	Entries []EntryFailure // per-resource detail for partial failures
	Err     error
}

// EntryFailure records one rejected resource of a partially-applied
// transaction.
type EntryFailure struct {
	Index        int
	ResourceType string
	Status       string
	Diagnostics  string
}

func (e *StoreError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("fhir store: %s: %s", e.Kind, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("fhir store: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("fhir store: %s", e.Kind)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Retryable reports whether the failure may be retried safely.
func (e *StoreError) Retryable() bool {
	return e.Kind == StoreTimeout || e.Kind == StoreUnavailable
}

// ClientConfig configures the store client. Credentials are passed through
// as HTTP basic auth; the client never persists them anywhere else.
type ClientConfig struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// Client is a downstream FHIR store client. Safe for concurrent use; it is
// shared by every connection's pipeline.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	logger   *slog.Logger

	requests *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewClient creates a store client. registry may be nil to disable metrics.
func NewClient(cfg ClientConfig, logger *slog.Logger, registry *prometheus.Registry) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With("component", "fhir-client"),
	}

	if registry != nil {
		c.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hl7pipeline",
			Subsystem: "store",
			Name:      "requests_total",
			Help:      "FHIR store requests by operation and result",
		}, []string{"operation", "result"})
		c.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hl7pipeline",
			Subsystem: "store",
			Name:      "request_duration_seconds",
			Help:      "FHIR store request latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		})
		registry.MustRegister(c.requests, c.duration)
	}
	return c
}

// ProvenanceQuery bounds the dedup candidate search.
type ProvenanceQuery struct {
	AgentDevice    string // submitting device reference
	OccurrenceDate string // correlation key: service occurrence date (YYYY-MM-DD)
	Count          int
}

// SearchProvenance finds provenance entries recorded by the given device for
// the given occurrence date, with their target resources included.
func (c *Client) SearchProvenance(ctx context.Context, q ProvenanceQuery) (*model.Bundle, error) {
	params := url.Values{}
	if q.AgentDevice != "" {
		params.Add("agent", q.AgentDevice)
	}
	if q.OccurrenceDate != "" {
		params.Add("target:ServiceRequest.occurrence", q.OccurrenceDate)
	}
	params.Add("_include", "Provenance:target")
	count := q.Count
	if count <= 0 {
		count = 200
	}
	params.Add("_count", fmt.Sprintf("%d", count))

	var bundle model.Bundle
	if err := c.do(ctx, "search", http.MethodGet, c.baseURL+"/Provenance?"+params.Encode(), nil, &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// SubmitTransaction posts the bundle to the store's transaction endpoint.
// A response bundle with every entry in the 2xx range commits; a mixed
// response surfaces as StorePartialFailure with per-resource detail.
func (c *Client) SubmitTransaction(ctx context.Context, bundle *model.Bundle) (*model.Bundle, error) {
	body, err := json.Marshal(bundle)
	if err != nil {
		return nil, &StoreError{Kind: StoreUnavailable, Detail: "encode transaction", Err: err}
	}

	var response model.Bundle
	if err := c.do(ctx, "transaction", http.MethodPost, c.baseURL, body, &response); err != nil {
		return nil, err
	}

	var failures []EntryFailure
	for i, entry := range response.Entry {
		if entry.Response.OK() {
			continue
		}
		failure := EntryFailure{Index: i, Status: "unknown"}
		if entry.Response != nil {
			failure.Status = entry.Response.Status
			if len(entry.Response.Outcome) > 0 {
				var outcome model.OperationOutcome
				if err := json.Unmarshal(entry.Response.Outcome, &outcome); err == nil {
					failure.Diagnostics = outcome.FirstDiagnostics()
				}
			}
		}
		if i < len(bundle.Entry) {
			failure.ResourceType = bundle.Entry[i].Resource.Type()
		}
		failures = append(failures, failure)
	}
	if len(failures) > 0 && len(failures) < len(response.Entry) {
		return &response, &StoreError{
			Kind:    StorePartialFailure,
			Detail:  fmt.Sprintf("%d of %d entries rejected", len(failures), len(response.Entry)),
			Entries: failures,
		}
	}
	if len(failures) > 0 {
		return &response, &StoreError{
			Kind:    StoreUnavailable,
			Detail:  "transaction rejected entirely",
			Entries: failures,
		}
	}
	return &response, nil
}

// Healthcheck probes the store's health endpoint.
func (c *Client) Healthcheck(ctx context.Context) error {
	return c.do(ctx, "healthcheck", http.MethodGet, c.baseURL+"/$healthcheck", nil, nil)
}

func (c *Client) do(ctx context.Context, operation, method, rawURL string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return &StoreError{Kind: StoreUnavailable, Detail: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/fhir+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if c.duration != nil {
		c.duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		kind := StoreUnavailable
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			kind = StoreTimeout
		}
		c.count(operation, kind.String())
		return &StoreError{Kind: kind, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		c.count(operation, "read-error")
		return &StoreError{Kind: StoreUnavailable, Detail: "read response", Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fallthrough to decode below
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		c.count(operation, "conflict")
		return &StoreError{Kind: StoreConflict, Status: resp.StatusCode, Detail: outcomeDetail(payload)}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		c.count(operation, "unavailable")
		return &StoreError{Kind: StoreUnavailable, Status: resp.StatusCode, Detail: outcomeDetail(payload)}
	default:
		c.count(operation, "error")
		return &StoreError{Kind: StoreUnavailable, Status: resp.StatusCode, Detail: outcomeDetail(payload)}
	}

	c.count(operation, "ok")
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return &StoreError{Kind: StoreUnavailable, Detail: "decode response", Err: err}
		}
	}
	return nil
}

func (c *Client) count(operation, result string) {
	if c.requests != nil {
		c.requests.WithLabelValues(operation, result).Inc()
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	return errors.As(err, &t) && t.Timeout()
}

func outcomeDetail(payload []byte) string {
	var outcome model.OperationOutcome
	if err := json.Unmarshal(payload, &outcome); err == nil {
		if d := outcome.FirstDiagnostics(); d != "" {
			return d
		}
	}
	if len(payload) > 200 {
		payload = payload[:200]
	}
	return string(payload)
}

// Fingerprint returns the deterministic digest of a raw source message used
// for duplicate detection.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
