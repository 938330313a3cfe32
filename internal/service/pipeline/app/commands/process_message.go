package commands

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/pkg/errclass"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/pkg/retry"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/adapters/fhir"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/adapters/fhir/model"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/adapters/hl7"
)

// OutcomeKind is the terminal state of one processed message.
type OutcomeKind int

const (
	// OutcomeFailed means an infrastructure failure after retries. It is
	// the zero value so an empty result never acknowledges positively.
	OutcomeFailed OutcomeKind = iota
	// OutcomeRejected means the message itself was invalid.
	OutcomeRejected
	// OutcomeSuppressed means an exact duplicate was detected and nothing
	// was submitted.
	OutcomeSuppressed
	// OutcomeCommitted means the transaction was accepted by the store.
	OutcomeCommitted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCommitted:
		return "committed"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Accepted reports whether the outcome acknowledges the message positively.
func (k OutcomeKind) Accepted() bool {
	return k == OutcomeCommitted || k == OutcomeSuppressed
}

type ProcessMessageCommand struct {
	Raw    []byte // exact frame payload as received
	Remote string // peer address, for logging only
}

type ProcessMessageResult struct {
	Outcome     OutcomeKind
	ControlID   string   // MSH-10 when parseable, "" otherwise
	Fingerprint string   // sha256 of Raw
	ResourceIDs []string // committed or pre-existing resource references
	Reason      string   // human-readable detail for Rejected/Failed
}

type ProcessMessageHandler interface {
	Handle(ctx context.Context, cmd ProcessMessageCommand) (ProcessMessageResult, error)
}

// Transformer converts a parsed record into a FHIR transaction bundle.
type Transformer interface {
	Transform(ctx context.Context, rec *hl7.Record) (*model.Bundle, error)
}

// DuplicateChecker classifies a bundle against prior store submissions.
type DuplicateChecker interface {
	Check(ctx context.Context, bundle *model.Bundle) (fhir.Decision, error)
}

// Submitter executes one FHIR transaction.
type Submitter interface {
	SubmitTransaction(ctx context.Context, bundle *model.Bundle) (*model.Bundle, error)
}

func NewProcessMessageHandler(
	gateway Transformer,
	dedup DuplicateChecker,
	store Submitter,
	deviceRef string,
	retryCfg retry.Config,
	stats *pipeline.Stats,
	logger *slog.Logger,
	registry *prometheus.Registry,
) ProcessMessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &processMessageCmdHandler{
		gateway:   gateway,
		dedup:     dedup,
		store:     store,
		deviceRef: deviceRef,
		retryCfg:  retryCfg,
		stats:     stats,
		logger:    logger.With("component", "coordinator"),
	}
	if registry != nil {
		h.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hl7pipeline_messages_total",
			Help: "Terminal message outcomes.",
		}, []string{"outcome"})
		h.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hl7pipeline_message_duration_seconds",
			Help:    "End-to-end processing time per message.",
			Buckets: prometheus.DefBuckets,
		})
		registry.MustRegister(h.outcomes, h.duration)
	}
	return h
}

type processMessageCmdHandler struct {
	gateway   Transformer
	dedup     DuplicateChecker
	store     Submitter
	deviceRef string
	retryCfg  retry.Config
	stats     *pipeline.Stats
	logger    *slog.Logger

	outcomes *prometheus.CounterVec
	duration prometheus.Histogram
}

// Handle drives one message through parse, transform, duplicate check and
// submission. The duplicate check always runs before submission; when it
// cannot complete, the message fails rather than risking a blind resubmit.
// The returned error is non-nil only for OutcomeFailed.
func (h *processMessageCmdHandler) Handle(ctx context.Context, cmd ProcessMessageCommand) (ProcessMessageResult, error) {
	start := time.Now()
	fingerprint := fhir.Fingerprint(cmd.Raw)
	log := h.logger.With("fingerprint", fingerprint, "remote", cmd.Remote)
	if h.stats != nil {
		h.stats.Receive()
	}
	log.Info("message received", "bytes", len(cmd.Raw))

	res := ProcessMessageResult{Fingerprint: fingerprint}
	finish := func(outcome OutcomeKind, err error) (ProcessMessageResult, error) {
		res.Outcome = outcome
		if h.stats != nil {
			h.stats.Outcome(outcome.String())
		}
		if h.outcomes != nil {
			h.outcomes.WithLabelValues(outcome.String()).Inc()
		}
		if h.duration != nil {
			h.duration.Observe(time.Since(start).Seconds())
		}
		return res, err
	}

	rec, err := hl7.Parse(string(cmd.Raw))
	if err != nil {
		var perr *hl7.ParseError
		if errors.As(err, &perr) {
			res.Reason = perr.Error()
			log.Warn("message rejected", "error", err)
			return finish(OutcomeRejected, nil)
		}
		res.Reason = err.Error()
		return finish(OutcomeFailed, errclass.WrapInvalid(err, "coordinator", "Handle", "parse message"))
	}
	rec.DeviceID = h.deviceRef
	res.ControlID = rec.ControlID
	log = log.With("control_id", rec.ControlID)
	log.Info("message parsed")

	bundle, err := retry.DoWithResult(ctx, h.retryCfg, func() (*model.Bundle, error) {
		b, terr := h.gateway.Transform(ctx, rec)
		if terr != nil && !retryable(terr) {
			return nil, retry.NonRetryable(terr)
		}
		return b, terr
	})
	if err != nil {
		res.Reason = "transformation failed: " + err.Error()
		log.Error("transformation failed", "error", err)
		return finish(OutcomeFailed, errclass.WrapTransient(err, "coordinator", "Handle", "transform message"))
	}
	if err := fhir.StampProvenance(bundle, h.deviceRef, cmd.Raw, time.Now()); err != nil {
		res.Reason = "provenance stamping failed: " + err.Error()
		return finish(OutcomeFailed, errclass.WrapInvalid(err, "coordinator", "Handle", "stamp provenance"))
	}
	log.Info("message transformed", "entries", len(bundle.Entry))

	decision, err := retry.DoWithResult(ctx, h.retryCfg, func() (fhir.Decision, error) {
		d, derr := h.dedup.Check(ctx, bundle)
		if derr != nil && !retryable(derr) {
			return fhir.Decision{}, retry.NonRetryable(derr)
		}
		return d, derr
	})
	if err != nil {
		res.Reason = "duplicate check failed: " + err.Error()
		log.Error("duplicate check failed", "error", err)
		return finish(OutcomeFailed, errclass.WrapTransient(err, "coordinator", "Handle", "check duplicates"))
	}
	log.Info("duplicate check complete", "decision", decision.Kind.String())

	submit := bundle
	switch decision.Kind {
	case fhir.ExactDuplicate:
		res.ResourceIDs = decision.ExistingIDs
		log.Info("message suppressed", "existing", decision.ExistingIDs)
		return finish(OutcomeSuppressed, nil)
	case fhir.PartialOverlap:
		submit = decision.Merged
	}

	response, err := retry.DoWithResult(ctx, h.retryCfg, func() (*model.Bundle, error) {
		r, serr := h.store.SubmitTransaction(ctx, submit)
		if serr != nil && !retryable(serr) {
			return nil, retry.NonRetryable(serr)
		}
		return r, serr
	})
	if err != nil {
		res.Reason = "submission failed: " + err.Error()
		log.Error("submission failed", "error", err)
		return finish(OutcomeFailed, errclass.WrapTransient(err, "coordinator", "Handle", "submit transaction"))
	}

	res.ResourceIDs = committedIDs(response)
	log.Info("message committed",
		"resources", res.ResourceIDs,
		"update", decision.Kind == fhir.PartialOverlap,
		"elapsed", time.Since(start))
	return finish(OutcomeCommitted, nil)
}

// retryable reports whether an adapter error is worth another attempt.
// Partial transaction failures and other permanent conditions are not.
func retryable(err error) bool {
	type retryer interface{ Retryable() bool }
	var r retryer
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return errclass.IsTransient(err)
}

// committedIDs extracts "Type/id" references from a transaction-response.
func committedIDs(response *model.Bundle) []string {
	if response == nil {
		return nil
	}
	ids := make([]string, 0, len(response.Entry))
	for _, e := range response.Entry {
		if e.Response == nil || e.Response.Location == "" {
			continue
		}
		loc := e.Response.Location
		// Servers often answer "Type/id/_history/n".
		if i := strings.Index(loc, "/_history/"); i > 0 {
			loc = loc[:i]
		}
		ids = append(ids, loc)
	}
	return ids
}
