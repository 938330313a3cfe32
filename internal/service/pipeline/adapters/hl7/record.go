// Package hl7 parses HL7 v2 messages into the flat source record consumed by
// the transformation gateway. The mapping from (segment, field, component) to
// record attribute is a static schema table validated at package load.
package hl7

// Record is the parsed, schema-typed representation of one HL7 v2 message.
// Attribute names follow the InfoWashSource structure definition agreed with
// the transformation gateway; values are plain strings, dates and timestamps
// already normalized to FHIR formats.
type Record struct {
	fields map[string]string

	// Raw is the verbatim message text, preserved regardless of how many
	// individual fields parsed.
	Raw string

	// ControlID is MSH-10, echoed back in acknowledgements.
	ControlID string

	// DeviceID is the FHIR reference of the registered source device. Set by
	// the caller, not extracted from the message.
	DeviceID string
}

func newRecord(raw string) *Record {
	return &Record{
		fields: make(map[string]string),
		Raw:    raw,
	}
}

// Get returns the value of a record attribute, or "" when absent.
func (r *Record) Get(name string) string {
	return r.fields[name]
}

func (r *Record) set(name, value string) {
	if value != "" {
		r.fields[name] = value
	}
}

// Convenience accessors for the attributes the pipeline itself inspects.

// PatientID returns the patient identifier (PID-3.1).
func (r *Record) PatientID() string { return r.Get("PID_3_1") }

// AssigningAuthority returns the identifier's assigning authority (PID-3.4.1).
func (r *Record) AssigningAuthority() string { return r.Get("PID_3_4_1") }

// DiagnosisCode returns the primary diagnosis code (DG1-3.1).
func (r *Record) DiagnosisCode() string { return r.Get("DG1_3_1") }

// ServiceCode returns the universal service identifier (OBR-4.1).
func (r *Record) ServiceCode() string { return r.Get("OBR_4_1") }

// OccurrenceStart returns the service start time (TQ1-7).
func (r *Record) OccurrenceStart() string { return r.Get("TQ1_7") }

// OccurrenceEnd returns the service end time (TQ1-8).
func (r *Record) OccurrenceEnd() string { return r.Get("TQ1_8") }

// SourceDocument is the JSON rendering of a Record sent to the gateway,
// grouped per segment the way the InfoWashSource structure definition lays
// fields out.
type SourceDocument struct {
	ResourceType string         `json:"resourceType"`
	PIDSegment   map[string]any `json:"PIDSegment"`
	DG1Segment   map[string]any `json:"DG1Segment"`
	OBRSegment   map[string]any `json:"OBRSegment"`
	TQ1Segment   map[string]any `json:"TQ1Segment"`
	ORCSegment   map[string]any `json:"ORCSegment"`
	PV1Segment   map[string]any `json:"PV1Segment"`
	CTXSegment   map[string]any `json:"CTXSegment"`
}

// Source assembles the gateway-facing document for the record.
func (r *Record) Source() SourceDocument {
	group := func(names ...string) map[string]any {
		m := make(map[string]any, len(names))
		for _, n := range names {
			if v, ok := r.fields[n]; ok {
				m[n] = v
			} else {
				m[n] = nil
			}
		}
		return m
	}

	return SourceDocument{
		ResourceType: "InfoWashSource",
		PIDSegment: group("PID_3_1", "PID_3_4_1", "PID_3_4_2", "PID_3_4_3",
			"PID_3_6_1", "PID_3_6_2", "PID_3_6_3",
			"PID_5_1_1", "PID_5_2", "PID_7", "PID_8_1"),
		DG1Segment: group("DG1_3_1", "DG1_3_2", "DG1_3_3"),
		OBRSegment: group("OBR_4_1", "OBR_4_2", "OBR_4_3"),
		TQ1Segment: group("TQ1_7", "TQ1_8"),
		ORCSegment: group("ORC_1", "ORC_5", "ORC_9"),
		PV1Segment: group("PV1_2_1", "PV1_2_2", "PV1_2_3", "PV1_2_7",
			"PV1_4_1", "PV1_4_2", "PV1_4_3", "PV1_4_7", "PV1_4_9",
			"PV1_10_1", "PV1_10_2", "PV1_10_3", "PV1_10_7", "PV1_10_9",
			"PV1_19", "PV1_19_1", "PV1_19_4_1", "PV1_19_5",
			"PV1_44", "PV1_45"),
		CTXSegment: map[string]any{
			"CTX_DEVICE_id":   r.DeviceID,
			"CTX_RAW_message": r.Raw,
			"CTX_role":        "source",
		},
	}
}
