// Package model holds the FHIR R4 resource shapes the pipeline reads and
// writes. Bundles produced by the transformation gateway carry arbitrary
// resource types, so entries hold a generic Resource; only Provenance, which
// the pipeline builds and inspects itself, is fully typed.
package model

import (
	"encoding/json"
	"strings"
)

// Bundle transaction types used by the pipeline.
const (
	BundleTypeTransaction         = "transaction"
	BundleTypeTransactionResponse = "transaction-response"
	BundleTypeSearchset           = "searchset"
)

type Bundle struct {
	ResourceType string  `json:"resourceType"`
	ID           string  `json:"id,omitempty"`
	Type         string  `json:"type,omitempty"`
	Total        *int    `json:"total,omitempty"`
	Entry        []Entry `json:"entry,omitempty"`
}

type Entry struct {
	FullURL  string         `json:"fullUrl,omitempty"`
	Resource Resource       `json:"resource,omitempty"`
	Request  *EntryRequest  `json:"request,omitempty"`
	Response *EntryResponse `json:"response,omitempty"`
}

type EntryRequest struct {
	Method string `json:"method,omitempty"`
	URL    string `json:"url,omitempty"`
}

type EntryResponse struct {
	Status   string          `json:"status,omitempty"`
	Location string          `json:"location,omitempty"`
	Outcome  json.RawMessage `json:"outcome,omitempty"`
}

// OK reports whether the per-entry status is a 2xx.
func (r *EntryResponse) OK() bool {
	return r != nil && strings.HasPrefix(r.Status, "2")
}

// Resource is a schema-agnostic FHIR resource. The gateway decides which
// resource types a bundle carries, so the pipeline treats them generically
// and reads the handful of paths it needs through accessors.
type Resource map[string]any

// Type returns the resourceType, or "".
func (r Resource) Type() string {
	s, _ := r["resourceType"].(string)
	return s
}

// ID returns the logical id, or "".
func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

// SetID sets the logical id.
func (r Resource) SetID(id string) {
	r["id"] = id
}

// String returns the string value at a dotted path ("code.coding" style paths
// are not supported; each step is a plain object key).
func (r Resource) String(path ...string) string {
	var cur any = map[string]any(r)
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[key]
	}
	s, _ := cur.(string)
	return s
}

// Identifiers returns the system|value pairs of the resource's identifier
// list, when present.
func (r Resource) Identifiers() []Identifier {
	raw, ok := r["identifier"].([]any)
	if !ok {
		return nil
	}
	out := make([]Identifier, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id := Identifier{}
		id.System, _ = m["system"].(string)
		id.Value, _ = m["value"].(string)
		if id.Value != "" {
			out = append(out, id)
		}
	}
	return out
}

// Clone returns a deep copy of the resource.
func (r Resource) Clone() Resource {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var out Resource
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// Decode unmarshals the generic resource into a typed shape.
func (r Resource) Decode(v any) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// AsResource converts a typed resource into its generic form.
func AsResource(v any) (Resource, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out Resource
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindEntries returns the bundle entries whose resource has the given type.
func (b *Bundle) FindEntries(resourceType string) []*Entry {
	var out []*Entry
	for i := range b.Entry {
		if b.Entry[i].Resource.Type() == resourceType {
			out = append(out, &b.Entry[i])
		}
	}
	return out
}

// ResourceTypes returns the distinct resource types in entry order,
// Provenance excluded.
func (b *Bundle) ResourceTypes() []string {
	seen := make(map[string]bool)
	var out []string
	for i := range b.Entry {
		t := b.Entry[i].Resource.Type()
		if t == "" || t == "Provenance" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
