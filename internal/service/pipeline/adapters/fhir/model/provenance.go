package model

// Provenance links a committed resource set to the fingerprint of the source
// message and the device that submitted it. Exactly one Provenance entry
// exists per transaction bundle.
type Provenance struct {
	ResourceType string             `json:"resourceType"`
	ID           string             `json:"id,omitempty"`
	Target       []Reference        `json:"target,omitempty"`
	Recorded     string             `json:"recorded,omitempty"`
	Agent        []ProvenanceAgent  `json:"agent,omitempty"`
	Entity       []ProvenanceEntity `json:"entity,omitempty"`
}

type ProvenanceAgent struct {
	Type *CodeableConcept `json:"type,omitempty"`
	Who  *Reference       `json:"who,omitempty"`
}

type ProvenanceEntity struct {
	Role string     `json:"role,omitempty"`
	What *Reference `json:"what,omitempty"`
}

// SourceFingerprintSystem identifies the entity identifier carrying the
// message digest.
const SourceFingerprintSystem = "urn:ietf:rfc:3986:hl7v2-message-sha256"

// Fingerprint returns the source-message digest recorded on the provenance,
// or "" when none is present.
func (p *Provenance) Fingerprint() string {
	for _, e := range p.Entity {
		if e.What != nil && e.What.Identifier != nil &&
			e.What.Identifier.System == SourceFingerprintSystem {
			return e.What.Identifier.Value
		}
	}
	return ""
}

// AgentDevice returns the submitting device reference, or "".
func (p *Provenance) AgentDevice() string {
	for _, a := range p.Agent {
		if a.Who != nil && a.Who.Reference != "" {
			return a.Who.Reference
		}
	}
	return ""
}

// TargetReferences returns the literal references of the provenance targets.
func (p *Provenance) TargetReferences() []string {
	out := make([]string, 0, len(p.Target))
	for _, t := range p.Target {
		if t.Reference != "" {
			out = append(out, t.Reference)
		}
	}
	return out
}
