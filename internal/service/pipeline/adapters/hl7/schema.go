package hl7

import "fmt"

type fieldKind int

const (
	kindText fieldKind = iota
	kindDate
	kindDateTime
)

// fieldMapping binds one (segment, field, component, subcomponent) position
// to a record attribute. Component/Sub of 0 take the whole field/component.
// Repeating fields take the first repetition.
type fieldMapping struct {
	Segment   string
	Field     int
	Component int
	Sub       int
	Kind      fieldKind
	Target    string
}

// schema is the static extraction table. Positions use HL7 numbering: PID-3.4
// is Field 3, Component 4. MSH fields are numbered so that the encoding
// characters are MSH-2, matching the standard.
var schema = []fieldMapping{
	{Segment: "PID", Field: 3, Component: 1, Target: "PID_3_1"},
	{Segment: "PID", Field: 3, Component: 4, Sub: 1, Target: "PID_3_4_1"},
	{Segment: "PID", Field: 3, Component: 6, Sub: 1, Target: "PID_3_6_1"},
	{Segment: "PID", Field: 5, Component: 1, Sub: 1, Target: "PID_5_1_1"},
	{Segment: "PID", Field: 5, Component: 2, Target: "PID_5_2"},
	{Segment: "PID", Field: 7, Kind: kindDate, Target: "PID_7"},
	{Segment: "PID", Field: 8, Component: 1, Target: "PID_8_1"},

	{Segment: "DG1", Field: 3, Component: 1, Target: "DG1_3_1"},
	{Segment: "DG1", Field: 3, Component: 2, Target: "DG1_3_2"},
	{Segment: "DG1", Field: 3, Component: 3, Target: "DG1_3_3"},

	{Segment: "OBR", Field: 4, Component: 1, Target: "OBR_4_1"},
	{Segment: "OBR", Field: 4, Component: 2, Target: "OBR_4_2"},
	{Segment: "OBR", Field: 4, Component: 3, Target: "OBR_4_3"},

	{Segment: "TQ1", Field: 7, Kind: kindDateTime, Target: "TQ1_7"},
	{Segment: "TQ1", Field: 8, Kind: kindDateTime, Target: "TQ1_8"},

	{Segment: "ORC", Field: 1, Target: "ORC_1"},
	{Segment: "ORC", Field: 5, Target: "ORC_5"},
	{Segment: "ORC", Field: 9, Kind: kindDateTime, Target: "ORC_9"},

	{Segment: "PV1", Field: 2, Component: 1, Target: "PV1_2_1"},
	{Segment: "PV1", Field: 2, Component: 2, Target: "PV1_2_2"},
	{Segment: "PV1", Field: 2, Component: 3, Target: "PV1_2_3"},
	{Segment: "PV1", Field: 2, Component: 7, Target: "PV1_2_7"},
	{Segment: "PV1", Field: 4, Component: 1, Target: "PV1_4_1"},
	{Segment: "PV1", Field: 4, Component: 2, Target: "PV1_4_2"},
	{Segment: "PV1", Field: 4, Component: 3, Target: "PV1_4_3"},
	{Segment: "PV1", Field: 4, Component: 7, Target: "PV1_4_7"},
	{Segment: "PV1", Field: 4, Component: 9, Target: "PV1_4_9"},
	{Segment: "PV1", Field: 10, Component: 1, Target: "PV1_10_1"},
	{Segment: "PV1", Field: 10, Component: 2, Target: "PV1_10_2"},
	{Segment: "PV1", Field: 10, Component: 3, Target: "PV1_10_3"},
	{Segment: "PV1", Field: 10, Component: 7, Target: "PV1_10_7"},
	{Segment: "PV1", Field: 10, Component: 9, Target: "PV1_10_9"},
	{Segment: "PV1", Field: 19, Component: 1, Target: "PV1_19"},
	{Segment: "PV1", Field: 19, Component: 1, Target: "PV1_19_1"},
	{Segment: "PV1", Field: 19, Component: 4, Sub: 1, Target: "PV1_19_4_1"},
	{Segment: "PV1", Field: 19, Component: 5, Target: "PV1_19_5"},
	{Segment: "PV1", Field: 44, Kind: kindDateTime, Target: "PV1_44"},
	{Segment: "PV1", Field: 45, Kind: kindDateTime, Target: "PV1_45"},
}

// recordShape is the full attribute set a Record may carry, including the
// attributes derived after extraction (assigning authority universal IDs).
var recordShape = map[string]bool{
	"PID_3_1": true, "PID_3_4_1": true, "PID_3_4_2": true, "PID_3_4_3": true,
	"PID_3_6_1": true, "PID_3_6_2": true, "PID_3_6_3": true,
	"PID_5_1_1": true, "PID_5_2": true, "PID_7": true, "PID_8_1": true,
	"DG1_3_1": true, "DG1_3_2": true, "DG1_3_3": true,
	"OBR_4_1": true, "OBR_4_2": true, "OBR_4_3": true,
	"TQ1_7": true, "TQ1_8": true,
	"ORC_1": true, "ORC_5": true, "ORC_9": true,
	"PV1_2_1": true, "PV1_2_2": true, "PV1_2_3": true, "PV1_2_7": true,
	"PV1_4_1": true, "PV1_4_2": true, "PV1_4_3": true, "PV1_4_7": true, "PV1_4_9": true,
	"PV1_10_1": true, "PV1_10_2": true, "PV1_10_3": true, "PV1_10_7": true, "PV1_10_9": true,
	"PV1_19": true, "PV1_19_1": true, "PV1_19_4_1": true, "PV1_19_5": true,
	"PV1_44": true, "PV1_45": true,
}

// requiredSegments must be present or the whole message is rejected.
var requiredSegments = []string{"MSH", "PID"}

func validateSchema(mappings []fieldMapping) error {
	seen := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		if m.Segment == "" || len(m.Segment) != 3 {
			return fmt.Errorf("schema entry %q: segment name must be 3 characters", m.Target)
		}
		if m.Field < 1 {
			return fmt.Errorf("schema entry %q: field index must be >= 1", m.Target)
		}
		if m.Sub > 0 && m.Component == 0 {
			return fmt.Errorf("schema entry %q: subcomponent requires a component", m.Target)
		}
		if !recordShape[m.Target] {
			return fmt.Errorf("schema entry %q: target not part of the record shape", m.Target)
		}
		if seen[m.Target] {
			return fmt.Errorf("schema entry %q: duplicate target", m.Target)
		}
		seen[m.Target] = true
	}
	return nil
}

func init() {
	if err := validateSchema(schema); err != nil {
		panic("hl7: invalid field schema: " + err.Error())
	}
}
