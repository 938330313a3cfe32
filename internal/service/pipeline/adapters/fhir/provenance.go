package fhir

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/adapters/fhir/model"
)

// ErrMultipleProvenance rejects a bundle carrying more than one provenance
// entry; the dedup engine needs a single authoritative fingerprint.
var ErrMultipleProvenance = fmt.Errorf("bundle has more than one provenance entry")

// StampProvenance guarantees the bundle carries exactly one Provenance entry
// with the raw-message fingerprint, the submitting device as agent and every
// other entry as target. A gateway-produced Provenance is completed in place;
// when the transformation emitted none, one is appended.
func StampProvenance(bundle *model.Bundle, deviceRef string, raw []byte, recorded time.Time) error {
	fingerprint := Fingerprint(raw)
	entries := bundle.FindEntries("Provenance")
	if len(entries) > 1 {
		return ErrMultipleProvenance
	}

	if len(entries) == 1 {
		var prov model.Provenance
		if err := entries[0].Resource.Decode(&prov); err != nil {
			return fmt.Errorf("decode provenance entry: %w", err)
		}
		prov.Entity = []model.ProvenanceEntity{{
			Role: "source",
			What: &model.Reference{Identifier: &model.Identifier{
				System: model.SourceFingerprintSystem,
				Value:  fingerprint,
			}},
		}}
		prov.Agent = []model.ProvenanceAgent{{Who: &model.Reference{Reference: deviceRef}}}
		if prov.Recorded == "" {
			prov.Recorded = recorded.UTC().Format(time.RFC3339)
		}
		if len(prov.Target) == 0 {
			prov.Target = targetRefs(bundle)
		}
		res, err := model.AsResource(prov)
		if err != nil {
			return fmt.Errorf("encode provenance entry: %w", err)
		}
		entries[0].Resource = res
		return nil
	}

	prov := model.Provenance{
		ResourceType: "Provenance",
		Target:       targetRefs(bundle),
		Recorded:     recorded.UTC().Format(time.RFC3339),
		Agent:        []model.ProvenanceAgent{{Who: &model.Reference{Reference: deviceRef}}},
		Entity: []model.ProvenanceEntity{{
			Role: "source",
			What: &model.Reference{Identifier: &model.Identifier{
				System: model.SourceFingerprintSystem,
				Value:  fingerprint,
			}},
		}},
	}
	res, err := model.AsResource(prov)
	if err != nil {
		return fmt.Errorf("encode provenance entry: %w", err)
	}
	bundle.Entry = append(bundle.Entry, model.Entry{
		FullURL:  "urn:uuid:" + uuid.NewString(),
		Resource: res,
		Request:  &model.EntryRequest{Method: "POST", URL: "Provenance"},
	})
	return nil
}

func targetRefs(bundle *model.Bundle) []model.Reference {
	refs := make([]model.Reference, 0, len(bundle.Entry))
	for _, e := range bundle.Entry {
		if e.Resource.Type() == "Provenance" || e.FullURL == "" {
			continue
		}
		if !strings.HasPrefix(e.FullURL, "urn:uuid:") {
			continue
		}
		refs = append(refs, model.Reference{Reference: e.FullURL})
	}
	return refs
}
