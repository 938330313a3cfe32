package fhir

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/adapters/fhir/model"
)

// DecisionKind tags the outcome of a duplicate check.
type DecisionKind int

const (
	// Unique means no prior submission matches; submit as a create.
	Unique DecisionKind = iota
	// ExactDuplicate means the identical message was already committed.
	ExactDuplicate
	// PartialOverlap means the same identity was committed with different
	// clinical or timing content; submit the merged bundle as an update.
	PartialOverlap
)

func (k DecisionKind) String() string {
	switch k {
	case Unique:
		return "unique"
	case ExactDuplicate:
		return "exact-duplicate"
	case PartialOverlap:
		return "partial-overlap"
	default:
		return "unknown"
	}
}

// Decision is the outcome of checking one bundle against the store. It is
// computed from live store state on every check and never cached.
type Decision struct {
	Kind        DecisionKind
	ExistingIDs []string      // populated for ExactDuplicate
	Merged      *model.Bundle // populated for PartialOverlap
}

// ErrDuplicateAmbiguous flags multiple matching provenance candidates. It is
// logged, not returned: the newest candidate wins and processing continues.
var ErrDuplicateAmbiguous = errors.New("multiple provenance candidates match")

// ErrNoProvenance rejects a bundle that lacks the mandatory provenance entry.
var ErrNoProvenance = errors.New("bundle has no provenance entry")

// Deduplicator decides whether a transformed bundle is new, a replay, or an
// update of previously committed content.
type Deduplicator struct {
	store  *Client
	device string
	logger *slog.Logger
}

// NewDeduplicator creates a dedup engine bound to the submitting device.
func NewDeduplicator(store *Client, deviceRef string, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{
		store:  store,
		device: deviceRef,
		logger: logger.With("component", "dedup"),
	}
}

// candidate is one prior submission reconstructed from the store: its
// provenance plus the target resources the search included.
type candidate struct {
	provenance model.Provenance
	targets    map[string]model.Resource // keyed "Type/id"
}

// Check queries the store for prior submissions with matching identity
// evidence and classifies the bundle. The store query and the eventual
// submission are not atomic; the remaining race window is an accepted
// limitation mitigated by checking as close to submission as possible.
func (d *Deduplicator) Check(ctx context.Context, bundle *model.Bundle) (Decision, error) {
	prov, err := extractProvenance(bundle)
	if err != nil {
		return Decision{}, err
	}
	fingerprint := prov.Fingerprint()
	if fingerprint == "" {
		return Decision{}, fmt.Errorf("provenance entry carries no fingerprint: %w", ErrNoProvenance)
	}

	query := ProvenanceQuery{
		AgentDevice:    d.device,
		OccurrenceDate: occurrenceDate(bundle),
	}
	searched, err := d.store.SearchProvenance(ctx, query)
	if err != nil {
		return Decision{}, err
	}

	candidates := collectCandidates(searched, d.device, bundle.ResourceTypes())
	if len(candidates) == 0 {
		return Decision{Kind: Unique}, nil
	}

	// An identical fingerprint on any candidate, however old, means this
	// exact message was already committed. A later submission for the same
	// patient does not undo that, so the replay is suppressed before any
	// merge-candidate selection.
	for _, c := range candidates {
		if c.provenance.Fingerprint() == fingerprint {
			return Decision{
				Kind:        ExactDuplicate,
				ExistingIDs: c.provenance.TargetReferences(),
			}, nil
		}
	}

	if len(candidates) > 1 {
		d.logger.Warn("ambiguous duplicate candidates, preferring most recent",
			"error", ErrDuplicateAmbiguous,
			"candidates", len(candidates),
			"fingerprint", fingerprint)
	}
	// Newest recorded provenance wins the tie-break for the merge base.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].provenance.Recorded > candidates[j].provenance.Recorded
	})
	best := candidates[0]

	if !sameIdentity(bundle, best) {
		return Decision{Kind: Unique}, nil
	}

	merged := mergeBundle(bundle, best)
	return Decision{Kind: PartialOverlap, Merged: merged}, nil
}

func extractProvenance(bundle *model.Bundle) (*model.Provenance, error) {
	entries := bundle.FindEntries("Provenance")
	if len(entries) != 1 {
		return nil, fmt.Errorf("expected exactly one provenance entry, found %d: %w",
			len(entries), ErrNoProvenance)
	}
	var prov model.Provenance
	if err := entries[0].Resource.Decode(&prov); err != nil {
		return nil, fmt.Errorf("decode provenance: %w", err)
	}
	return &prov, nil
}

// occurrenceDate derives the correlation key bounding the candidate search:
// the date portion of the service request occurrence.
func occurrenceDate(bundle *model.Bundle) string {
	for _, entry := range bundle.FindEntries("ServiceRequest") {
		if v := entry.Resource.String("occurrencePeriod", "start"); v != "" {
			return datePart(v)
		}
		if v := entry.Resource.String("occurrenceDateTime"); v != "" {
			return datePart(v)
		}
	}
	return ""
}

func datePart(v string) string {
	if i := strings.IndexByte(v, 'T'); i > 0 {
		return v[:i]
	}
	return v
}

// collectCandidates pairs each provenance in the search result with its
// included targets, keeping only candidates recorded by the same device whose
// targets cover the resource kinds of the new bundle.
func collectCandidates(searched *model.Bundle, device string, kinds []string) []candidate {
	included := make(map[string]model.Resource)
	var provenances []model.Provenance
	for i := range searched.Entry {
		res := searched.Entry[i].Resource
		switch res.Type() {
		case "":
			continue
		case "Provenance":
			var prov model.Provenance
			if err := res.Decode(&prov); err == nil {
				provenances = append(provenances, prov)
			}
		default:
			if res.ID() != "" {
				included[res.Type()+"/"+res.ID()] = res
			}
		}
	}

	var out []candidate
	for _, prov := range provenances {
		if device != "" && prov.AgentDevice() != device {
			continue
		}
		cand := candidate{provenance: prov, targets: make(map[string]model.Resource)}
		for _, ref := range prov.TargetReferences() {
			if res, ok := included[ref]; ok {
				cand.targets[ref] = res
			}
		}
		if coversKinds(cand, kinds) {
			out = append(out, cand)
		}
	}
	return out
}

func coversKinds(cand candidate, kinds []string) bool {
	have := make(map[string]bool, len(cand.targets))
	for ref := range cand.targets {
		if i := strings.IndexByte(ref, '/'); i > 0 {
			have[ref[:i]] = true
		}
	}
	for _, k := range kinds {
		if have[k] {
			return true
		}
	}
	return false
}

// sameIdentity reports whether the new bundle and the candidate describe the
// same patient: any shared identifier system|value pair matches.
func sameIdentity(bundle *model.Bundle, cand candidate) bool {
	var incoming []model.Identifier
	for _, entry := range bundle.FindEntries("Patient") {
		incoming = append(incoming, entry.Resource.Identifiers()...)
	}
	if len(incoming) == 0 {
		return false
	}
	for ref, res := range cand.targets {
		if !strings.HasPrefix(ref, "Patient/") {
			continue
		}
		for _, existing := range res.Identifiers() {
			for _, in := range incoming {
				if existing.Value == in.Value && existing.System == in.System {
					return true
				}
			}
		}
	}
	return false
}
