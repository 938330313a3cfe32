package fhir

import (
	"strings"

	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline/adapters/fhir/model"
)

// mergeBundle builds the update transaction for a partial overlap: every
// entry of the new bundle whose resource kind already exists in the candidate
// takes over the existing identity and becomes a PUT; everything else stays a
// create. Field precedence: the new value wins, existing values survive only
// where the new resource leaves a field unset.
func mergeBundle(incoming *model.Bundle, cand candidate) *model.Bundle {
	// Index existing targets by resource type. Multiple targets of one type
	// keep the first; the tie inside a single prior submission is not
	// expected from the gateway's bundle shape.
	existingByType := make(map[string]struct {
		ref string
		res model.Resource
	})
	for ref, res := range cand.targets {
		t := res.Type()
		if t == "" {
			continue
		}
		if _, ok := existingByType[t]; !ok {
			existingByType[t] = struct {
				ref string
				res model.Resource
			}{ref, res}
		}
	}

	merged := &model.Bundle{
		ResourceType: incoming.ResourceType,
		Type:         model.BundleTypeTransaction,
	}

	for i := range incoming.Entry {
		entry := incoming.Entry[i]
		res := entry.Resource.Clone()
		t := res.Type()

		existing, overlap := existingByType[t]
		if overlap && t != "Provenance" {
			id := strings.TrimPrefix(existing.ref, t+"/")
			mergedRes := mergeResource(existing.res, res)
			mergedRes.SetID(id)
			entry.Resource = mergedRes
			entry.Request = &model.EntryRequest{Method: "PUT", URL: t + "/" + id}
		} else {
			entry.Resource = res
			if entry.Request == nil {
				entry.Request = &model.EntryRequest{Method: "POST", URL: t}
			}
		}
		merged.Entry = append(merged.Entry, entry)
	}

	// The provenance targets must point at the surviving identities.
	retargetProvenance(merged, existingByType)
	return merged
}

// mergeResource overlays incoming fields onto the existing resource. Scalars
// and nested objects from the incoming resource win; fields the incoming
// resource omits keep their stored values. Lists are replaced wholesale by
// the incoming value: element-level list reconciliation needs upstream
// clarification and replacing keeps the result predictable.
func mergeResource(existing, incoming model.Resource) model.Resource {
	out := existing.Clone()
	if out == nil {
		out = model.Resource{}
	}
	for key, value := range incoming {
		if key == "id" {
			continue
		}
		if inner, ok := value.(map[string]any); ok {
			if existingInner, ok := out[key].(map[string]any); ok {
				out[key] = mergeObject(existingInner, inner)
				continue
			}
		}
		out[key] = value
	}
	return out
}

func mergeObject(existing, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		if inner, ok := v.(map[string]any); ok {
			if existingInner, ok := out[k].(map[string]any); ok {
				out[k] = mergeObject(existingInner, inner)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// retargetProvenance rewrites the merged bundle's provenance targets from
// urn:uuid placeholders to the surviving "Type/id" references.
func retargetProvenance(bundle *model.Bundle, existingByType map[string]struct {
	ref string
	res model.Resource
}) {
	for _, entry := range bundle.FindEntries("Provenance") {
		var prov model.Provenance
		if err := entry.Resource.Decode(&prov); err != nil {
			continue
		}
		for i := range prov.Target {
			for t, existing := range existingByType {
				if t == "Provenance" {
					continue
				}
				// Match placeholder targets by the resource type of the entry
				// they point at inside this bundle.
				if target := resolveLocalType(bundle, prov.Target[i].Reference); target == t {
					prov.Target[i].Reference = existing.ref
				}
			}
		}
		if res, err := model.AsResource(&prov); err == nil {
			entry.Resource = res
		}
	}
}

// resolveLocalType maps an intra-bundle reference (urn:uuid or Type/id) to
// the resource type it designates.
func resolveLocalType(bundle *model.Bundle, ref string) string {
	if ref == "" {
		return ""
	}
	if i := strings.IndexByte(ref, '/'); i > 0 && !strings.HasPrefix(ref, "urn:") {
		return ref[:i]
	}
	for i := range bundle.Entry {
		if bundle.Entry[i].FullURL == ref {
			return bundle.Entry[i].Resource.Type()
		}
	}
	return ""
}
