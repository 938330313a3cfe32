// Package matchbox calls the external transformation gateway that maps a
// parsed source record to a FHIR transaction bundle via a StructureMap
// $transform operation. The mapping rules themselves live on the gateway;
// this client treats the call as opaque.
package matchbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/adapters/fhir/model"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/adapters/hl7"
)

const fhirMediaType = "application/fhir+json;fhirVersion=4.0"

// GatewayErrorKind classifies transformation failures.
type GatewayErrorKind int

const (
	// GatewayTimeout is a transform call that exceeded its deadline.
	GatewayTimeout GatewayErrorKind = iota
	// GatewayBadResponse is a non-2xx status or an undecodable body.
	GatewayBadResponse
)

func (k GatewayErrorKind) String() string {
	switch k {
	case GatewayTimeout:
		return "timeout"
	case GatewayBadResponse:
		return "bad-response"
	default:
		return "unknown"
	}
}

// GatewayError is a failed transformation call.
type GatewayError struct {
	Kind   GatewayErrorKind
	Status int
	Detail string
	Err    error
}

func (e *GatewayError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("matchbox: %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("matchbox: %s: %v", e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Retryable reports whether the failure may be retried.
func (e *GatewayError) Retryable() bool { return e.Kind == GatewayTimeout }

// Config configures the gateway client.
type Config struct {
	BaseURL      string        // e.g. http://localhost:8080/matchboxv3/fhir
	StructureMap string        // canonical URL of the record-to-bundle map
	Timeout      time.Duration
}

// Client executes $transform against a Matchbox server.
type Client struct {
	baseURL      string
	structureMap string
	http         *http.Client
	logger       *slog.Logger
}

// NewClient creates a transformation gateway client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		structureMap: cfg.StructureMap,
		http:         &http.Client{Timeout: timeout},
		logger:       logger.With("component", "matchbox-client"),
	}
}

// Transform converts one parsed record into a FHIR transaction bundle.
func (c *Client) Transform(ctx context.Context, rec *hl7.Record) (*model.Bundle, error) {
	body, err := json.Marshal(rec.Source())
	if err != nil {
		return nil, &GatewayError{Kind: GatewayBadResponse, Detail: "encode source record", Err: err}
	}

	transformURL := c.baseURL + "/StructureMap/$transform?source=" + url.QueryEscape(c.structureMap)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, transformURL, bytes.NewReader(body))
	if err != nil {
		return nil, &GatewayError{Kind: GatewayBadResponse, Detail: "build request", Err: err}
	}
	req.Header.Set("Content-Type", fhirMediaType)
	req.Header.Set("Accept", fhirMediaType)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, &GatewayError{Kind: GatewayTimeout, Err: err}
		}
		// Connection failures count as timeouts for retry purposes: the
		// gateway may simply not be reachable yet.
		return nil, &GatewayError{Kind: GatewayTimeout, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &GatewayError{Kind: GatewayBadResponse, Detail: "read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &GatewayError{
			Kind:   GatewayBadResponse,
			Status: resp.StatusCode,
			Detail: outcomeDetail(payload),
		}
	}

	var bundle model.Bundle
	if err := json.Unmarshal(payload, &bundle); err != nil {
		return nil, &GatewayError{Kind: GatewayBadResponse, Detail: "decode bundle", Err: err}
	}
	if bundle.ResourceType != "Bundle" {
		return nil, &GatewayError{
			Kind:   GatewayBadResponse,
			Detail: fmt.Sprintf("expected Bundle, got %q", bundle.ResourceType),
		}
	}
	return &bundle, nil
}

// Ping checks gateway reachability via the capability statement, the only
// probe endpoint Matchbox exposes.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/metadata", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", fhirMediaType)
	resp, err := c.http.Do(req)
	if err != nil {
		return &GatewayError{Kind: GatewayTimeout, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &GatewayError{Kind: GatewayBadResponse, Status: resp.StatusCode}
	}
	return nil
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
