package commands

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/pkg/retry"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/adapters/fhir"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/adapters/fhir/model"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/adapters/hl7"
	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/adapters/matchbox"
)

const validMessage = "MSH|^~\\&|A|B|C|D|20250101||OMG^O19|CTRL42|P|2.9\r" +
	"PID|1||12345^^^HOSPITAL||Muster^Max\r" +
	"TQ1|1||||||202501011300|202501011430\r" +
	"OBR|1|||5-470^Appendektomie^OPS"

func gatewayBundle() *model.Bundle {
	return &model.Bundle{
		ResourceType: "Bundle",
		Type:         model.BundleTypeTransaction,
		Entry: []model.Entry{
			{
				FullURL: "urn:uuid:11111111-1111-1111-1111-111111111111",
				Resource: model.Resource{
					"resourceType": "Patient",
					"identifier": []any{
						map[string]any{"system": "urn:oid:hospital", "value": "12345"},
					},
				},
				Request: &model.EntryRequest{Method: "POST", URL: "Patient"},
			},
			{
				FullURL: "urn:uuid:22222222-2222-2222-2222-222222222222",
				Resource: model.Resource{
					"resourceType":       "ServiceRequest",
					"occurrenceDateTime": "2025-01-01T13:00:00+00:00",
				},
				Request: &model.EntryRequest{Method: "POST", URL: "ServiceRequest"},
			},
		},
	}
}

type fakeGateway struct {
	calls    int
	failures int
	err      error
}

func (g *fakeGateway) Transform(ctx context.Context, rec *hl7.Record) (*model.Bundle, error) {
	g.calls++
	if g.calls <= g.failures {
		return nil, g.err
	}
	return gatewayBundle(), nil
}

type fakeDedup struct {
	calls    int
	failures int
	err      error
	decision fhir.Decision
}

func (d *fakeDedup) Check(ctx context.Context, bundle *model.Bundle) (fhir.Decision, error) {
	d.calls++
	if d.calls <= d.failures {
		return fhir.Decision{}, d.err
	}
	return d.decision, nil
}

type fakeStore struct {
	calls     int
	failures  int
	err       error
	submitted []*model.Bundle
}

func (s *fakeStore) SubmitTransaction(ctx context.Context, bundle *model.Bundle) (*model.Bundle, error) {
	s.calls++
	s.submitted = append(s.submitted, bundle)
	if s.calls <= s.failures {
		return nil, s.err
	}
	return &model.Bundle{
		ResourceType: "Bundle",
		Type:         model.BundleTypeTransactionResponse,
		Entry: []model.Entry{
			{Response: &model.EntryResponse{Status: "201 Created", Location: "Patient/p1/_history/1"}},
			{Response: &model.EntryResponse{Status: "201 Created", Location: "ServiceRequest/sr1/_history/2"}},
		},
	}, nil
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: 1, MaxDelay: 1, Multiplier: 1}
}

func newTestHandler(gateway *fakeGateway, dedup *fakeDedup, store *fakeStore, stats *pipeline.Stats) ProcessMessageHandler {
	return NewProcessMessageHandler(gateway, dedup, store,
		"Device/v2-to-fhir-pipeline", fastRetry(), stats, nil, nil)
}

func TestZeroValuedResultIsNotAccepted(t *testing.T) {
	// A bus implementation returning an empty result on error must never
	// produce a positive acknowledgement.
	var result ProcessMessageResult
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.False(t, result.Outcome.Accepted())
}

func TestHandleCommitsUniqueMessage(t *testing.T) {
	gateway := &fakeGateway{}
	dedup := &fakeDedup{decision: fhir.Decision{Kind: fhir.Unique}}
	store := &fakeStore{}
	stats := pipeline.NewStats()

	h := newTestHandler(gateway, dedup, store, stats)
	result, err := h.Handle(context.Background(), ProcessMessageCommand{Raw: []byte(validMessage)})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCommitted, result.Outcome)
	assert.True(t, result.Outcome.Accepted())
	assert.Equal(t, "CTRL42", result.ControlID)
	assert.Equal(t, fhir.Fingerprint([]byte(validMessage)), result.Fingerprint)
	assert.Equal(t, []string{"Patient/p1", "ServiceRequest/sr1"}, result.ResourceIDs)

	require.Equal(t, 1, store.calls)
	// submitted bundle carries exactly one stamped provenance entry
	provs := store.submitted[0].FindEntries("Provenance")
	require.Len(t, provs, 1)
	var prov model.Provenance
	require.NoError(t, provs[0].Resource.Decode(&prov))
	assert.Equal(t, result.Fingerprint, prov.Fingerprint())

	snap := stats.Snapshot()
	assert.Equal(t, uint64(1), snap.Received)
	assert.Equal(t, uint64(1), snap.Committed)
}

func TestHandleRejectsUnparseableMessage(t *testing.T) {
	gateway := &fakeGateway{}
	dedup := &fakeDedup{}
	store := &fakeStore{}
	stats := pipeline.NewStats()

	h := newTestHandler(gateway, dedup, store, stats)
	result, err := h.Handle(context.Background(), ProcessMessageCommand{
		Raw: []byte("MSH|^~\\&|A|B|C|D|20250101||OMG^O19|CTRL1|P|2.9\rOBR|1|||X"),
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.False(t, result.Outcome.Accepted())
	assert.Contains(t, result.Reason, "PID")

	// nothing downstream is touched
	assert.Zero(t, gateway.calls)
	assert.Zero(t, dedup.calls)
	assert.Zero(t, store.calls)
	assert.Equal(t, uint64(1), stats.Snapshot().Rejected)
}

func TestHandleSuppressesExactDuplicate(t *testing.T) {
	gateway := &fakeGateway{}
	dedup := &fakeDedup{decision: fhir.Decision{
		Kind:        fhir.ExactDuplicate,
		ExistingIDs: []string{"Patient/p1"},
	}}
	store := &fakeStore{}
	stats := pipeline.NewStats()

	h := newTestHandler(gateway, dedup, store, stats)
	result, err := h.Handle(context.Background(), ProcessMessageCommand{Raw: []byte(validMessage)})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuppressed, result.Outcome)
	assert.True(t, result.Outcome.Accepted())
	assert.Equal(t, []string{"Patient/p1"}, result.ResourceIDs)
	assert.Zero(t, store.calls)
	assert.Equal(t, uint64(1), stats.Snapshot().Suppressed)
}

func TestHandleSameMessageTwiceCommitsThenSuppresses(t *testing.T) {
	gateway := &fakeGateway{}
	dedup := &fakeDedup{decision: fhir.Decision{Kind: fhir.Unique}}
	store := &fakeStore{}
	stats := pipeline.NewStats()

	h := newTestHandler(gateway, dedup, store, stats)
	first, err := h.Handle(context.Background(), ProcessMessageCommand{Raw: []byte(validMessage)})
	require.NoError(t, err)
	require.Equal(t, OutcomeCommitted, first.Outcome)

	// the store now holds the first submission
	dedup.decision = fhir.Decision{
		Kind:        fhir.ExactDuplicate,
		ExistingIDs: first.ResourceIDs,
	}
	second, err := h.Handle(context.Background(), ProcessMessageCommand{Raw: []byte(validMessage)})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuppressed, second.Outcome)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.ResourceIDs, second.ResourceIDs)
	assert.Equal(t, 1, store.calls)

	snap := stats.Snapshot()
	assert.Equal(t, uint64(2), snap.Received)
	assert.Equal(t, uint64(1), snap.Committed)
	assert.Equal(t, uint64(1), snap.Suppressed)
}

func TestHandleSubmitsMergedBundleOnPartialOverlap(t *testing.T) {
	merged := gatewayBundle()
	merged.Entry[0].Request = &model.EntryRequest{Method: "PUT", URL: "Patient/p1"}
	dedup := &fakeDedup{decision: fhir.Decision{Kind: fhir.PartialOverlap, Merged: merged}}
	store := &fakeStore{}

	h := newTestHandler(&fakeGateway{}, dedup, store, pipeline.NewStats())
	result, err := h.Handle(context.Background(), ProcessMessageCommand{Raw: []byte(validMessage)})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCommitted, result.Outcome)
	require.Equal(t, 1, store.calls)
	assert.Same(t, merged, store.submitted[0])
}

func TestHandleRetriesTransientGatewayError(t *testing.T) {
	gateway := &fakeGateway{failures: 2, err: &matchbox.GatewayError{Kind: matchbox.GatewayTimeout}}
	dedup := &fakeDedup{decision: fhir.Decision{Kind: fhir.Unique}}
	store := &fakeStore{}

	h := newTestHandler(gateway, dedup, store, pipeline.NewStats())
	result, err := h.Handle(context.Background(), ProcessMessageCommand{Raw: []byte(validMessage)})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCommitted, result.Outcome)
	assert.Equal(t, 3, gateway.calls)
}

func TestHandleFailsAfterGatewayRetriesExhausted(t *testing.T) {
	gateway := &fakeGateway{failures: 10, err: &matchbox.GatewayError{Kind: matchbox.GatewayTimeout}}
	dedup := &fakeDedup{}
	store := &fakeStore{}
	stats := pipeline.NewStats()

	h := newTestHandler(gateway, dedup, store, stats)
	result, err := h.Handle(context.Background(), ProcessMessageCommand{Raw: []byte(validMessage)})
	require.Error(t, err)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 3, gateway.calls)
	// fail closed: no dedup check, no submission
	assert.Zero(t, dedup.calls)
	assert.Zero(t, store.calls)
	assert.Equal(t, uint64(1), stats.Snapshot().Failed)
}

func TestHandleDoesNotRetryGatewayBadResponse(t *testing.T) {
	gateway := &fakeGateway{failures: 10, err: &matchbox.GatewayError{Kind: matchbox.GatewayBadResponse, Detail: "no such map"}}

	h := newTestHandler(gateway, &fakeDedup{}, &fakeStore{}, pipeline.NewStats())
	result, err := h.Handle(context.Background(), ProcessMessageCommand{Raw: []byte(validMessage)})
	require.Error(t, err)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 1, gateway.calls)
}

func TestHandleFailsWhenDedupUnavailable(t *testing.T) {
	dedup := &fakeDedup{failures: 10, err: &fhir.StoreError{Kind: fhir.StoreUnavailable}}
	store := &fakeStore{}

	h := newTestHandler(&fakeGateway{}, dedup, store, pipeline.NewStats())
	result, err := h.Handle(context.Background(), ProcessMessageCommand{Raw: []byte(validMessage)})
	require.Error(t, err)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 3, dedup.calls)
	assert.Zero(t, store.calls)
}

func TestHandleRetriesTransientStoreError(t *testing.T) {
	dedup := &fakeDedup{decision: fhir.Decision{Kind: fhir.Unique}}
	store := &fakeStore{failures: 1, err: &fhir.StoreError{Kind: fhir.StoreTimeout}}

	h := newTestHandler(&fakeGateway{}, dedup, store, pipeline.NewStats())
	result, err := h.Handle(context.Background(), ProcessMessageCommand{Raw: []byte(validMessage)})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCommitted, result.Outcome)
	assert.Equal(t, 2, store.calls)
}

func TestHandleNeverRetriesPartialFailure(t *testing.T) {
	dedup := &fakeDedup{decision: fhir.Decision{Kind: fhir.Unique}}
	store := &fakeStore{failures: 10, err: &fhir.StoreError{
		Kind:    fhir.StorePartialFailure,
		Entries: []fhir.EntryFailure{{Index: 1, ResourceType: "ServiceRequest", Status: "422"}},
	}}

	h := newTestHandler(&fakeGateway{}, dedup, store, pipeline.NewStats())
	result, err := h.Handle(context.Background(), ProcessMessageCommand{Raw: []byte(validMessage)})
	require.Error(t, err)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 1, store.calls)
	assert.Contains(t, result.Reason, "submission failed")
}
