package hl7

import (
	"fmt"
	"strings"
)

// ParseErrorKind distinguishes rejection causes.
type ParseErrorKind int

const (
	// MissingSegment means a required segment was absent.
	MissingSegment ParseErrorKind = iota
	// MalformedField means a required field could not be extracted.
	MalformedField
)

func (k ParseErrorKind) String() string {
	switch k {
	case MissingSegment:
		return "missing-segment"
	case MalformedField:
		return "malformed-field"
	default:
		return "unknown"
	}
}

// ParseError rejects a single message before transformation.
type ParseError struct {
	Kind    ParseErrorKind
	Segment string
	Detail  string
}

func (e *ParseError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("hl7: %s %s: %s", e.Kind, e.Segment, e.Detail)
	}
	return fmt.Sprintf("hl7: %s %s", e.Kind, e.Segment)
}

// Delimiters of the standard HL7 v2 encoding.
const (
	fieldSep     = "|"
	componentSep = "^"
	subSep       = "&"
	repeatSep    = "~"
)

// Parse converts one raw HL7 v2 message into a Record. Extraction is
// best-effort per field: absent optional segments leave their attributes
// empty, only a missing required segment rejects the message. The raw text is
// preserved on the record either way.
func Parse(raw string) (*Record, error) {
	rec := newRecord(raw)

	segments := splitSegments(raw)
	index := make(map[string][]string, len(segments))
	for _, seg := range segments {
		name := segmentName(seg)
		if name == "" {
			continue
		}
		// First occurrence wins for segments mapping to single-valued targets.
		if _, ok := index[name]; !ok {
			index[name] = strings.Split(seg, fieldSep)
		}
	}

	for _, name := range requiredSegments {
		if _, ok := index[name]; !ok {
			return nil, &ParseError{Kind: MissingSegment, Segment: name}
		}
	}

	rec.ControlID = extractField(index["MSH"], "MSH", 10, 1, 0)

	for _, m := range schema {
		tokens, ok := index[m.Segment]
		if !ok {
			continue
		}
		value := extractField(tokens, m.Segment, m.Field, m.Component, m.Sub)
		switch m.Kind {
		case kindDate:
			value = formatDate(value)
		case kindDateTime:
			value = formatDateTime(value)
		}
		rec.set(m.Target, value)
	}

	deriveAuthorities(rec)
	return rec, nil
}

func splitSegments(raw string) []string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\r")
	normalized = strings.ReplaceAll(normalized, "\n", "\r")
	var segments []string
	for _, seg := range strings.Split(normalized, "\r") {
		if seg = strings.TrimSpace(seg); seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments
}

func segmentName(seg string) string {
	if len(seg) < 3 {
		return ""
	}
	name := seg[:3]
	if len(seg) > 3 && seg[3] != fieldSep[0] {
		return ""
	}
	return name
}

// extractField pulls one value out of a pipe-split segment. HL7 numbering:
// for MSH the field separator itself is MSH-1, so MSH-n lives at token n-1;
// for every other segment field n lives at token n. component/sub of 0 take
// the whole field/component. Repetitions take the first occurrence.
func extractField(tokens []string, segment string, field, component, sub int) string {
	idx := field
	if segment == "MSH" {
		idx = field - 1
	}
	if idx < 1 || idx >= len(tokens) {
		return ""
	}
	value := tokens[idx]

	if reps := strings.Split(value, repeatSep); len(reps) > 1 {
		value = reps[0]
	}
	if component > 0 {
		comps := strings.Split(value, componentSep)
		if component > len(comps) {
			return ""
		}
		value = comps[component-1]
	}
	if sub > 0 {
		subs := strings.Split(value, subSep)
		if sub > len(subs) {
			return ""
		}
		value = subs[sub-1]
	}
	return strings.TrimSpace(value)
}

// deriveAuthorities fills the universal-ID attributes of the assigning
// authority and facility. The source systems feeding this pipeline send only
// the namespace ID, so the namespace doubles as universal ID with type ISO.
func deriveAuthorities(rec *Record) {
	if v := rec.Get("PID_3_4_1"); v != "" {
		rec.set("PID_3_4_2", v)
		rec.set("PID_3_4_3", "ISO")
	}
	if v := rec.Get("PID_3_6_1"); v != "" {
		rec.set("PID_3_6_2", v)
		rec.set("PID_3_6_3", "ISO")
	}
}
