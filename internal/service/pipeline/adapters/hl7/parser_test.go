package hl7

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMessage = "MSH|^~\\&|OP_SYSTEM|HOSPITAL|PMS|HOSPITAL|20250101120000||OMG^O19|MSG000001|P|2.9\r" +
	"PID|1||12345^^^HOSPITAL||Muster^Max^^^^||19700101|M\r" +
	"PV1|1|I|OP^^^\r" +
	"ORC|NW|OP-2025-00001||||||202501011200\r" +
	"TQ1|1||||||202501011300|202501011430\r" +
	"OBR|1|||5-470^Appendektomie^OPS\r" +
	"DG1|1|I|K35.8^Akute Appendizitis^ICD-10-GM||||F"

func TestParseSampleMessage(t *testing.T) {
	rec, err := Parse(sampleMessage)
	require.NoError(t, err)

	assert.Equal(t, "MSG000001", rec.ControlID)
	assert.Equal(t, sampleMessage, rec.Raw)

	assert.Equal(t, "12345", rec.PatientID())
	assert.Equal(t, "HOSPITAL", rec.AssigningAuthority())
	assert.Equal(t, "Muster", rec.Get("PID_5_1_1"))
	assert.Equal(t, "Max", rec.Get("PID_5_2"))
	assert.Equal(t, "1970-01-01", rec.Get("PID_7"))
	assert.Equal(t, "M", rec.Get("PID_8_1"))

	assert.Equal(t, "K35.8", rec.DiagnosisCode())
	assert.Equal(t, "Akute Appendizitis", rec.Get("DG1_3_2"))
	assert.Equal(t, "ICD-10-GM", rec.Get("DG1_3_3"))

	assert.Equal(t, "5-470", rec.ServiceCode())
	assert.Equal(t, "2025-01-01T13:00:00+00:00", rec.OccurrenceStart())
	assert.Equal(t, "2025-01-01T14:30:00+00:00", rec.OccurrenceEnd())

	assert.Equal(t, "NW", rec.Get("ORC_1"))
}

func TestParseDerivesAuthorityDefaults(t *testing.T) {
	rec, err := Parse(sampleMessage)
	require.NoError(t, err)

	assert.Equal(t, "HOSPITAL", rec.Get("PID_3_4_2"))
	assert.Equal(t, "ISO", rec.Get("PID_3_4_3"))
}

func TestParseRequiredSegments(t *testing.T) {
	tests := []struct {
		name    string
		message string
		missing string
	}{
		{
			name:    "no PID",
			message: "MSH|^~\\&|A|B|C|D|20250101||OMG^O19|X1|P|2.9\rOBR|1|||X^Y^Z",
			missing: "PID",
		},
		{
			name:    "no MSH",
			message: "PID|1||12345^^^HOSPITAL\rOBR|1|||X^Y^Z",
			missing: "MSH",
		},
		{
			name:    "empty message",
			message: "",
			missing: "MSH",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Parse(tt.message)
			assert.Nil(t, rec)

			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, MissingSegment, perr.Kind)
			assert.Equal(t, tt.missing, perr.Segment)
		})
	}
}

func TestParseLineEndingTolerance(t *testing.T) {
	cr, err := Parse(sampleMessage)
	require.NoError(t, err)

	lf, err := Parse(strings.ReplaceAll(sampleMessage, "\r", "\n"))
	require.NoError(t, err)

	crlf, err := Parse(strings.ReplaceAll(sampleMessage, "\r", "\r\n"))
	require.NoError(t, err)

	for _, key := range []string{"PID_3_1", "DG1_3_1", "TQ1_7", "TQ1_8", "OBR_4_1"} {
		assert.Equal(t, cr.Get(key), lf.Get(key), key)
		assert.Equal(t, cr.Get(key), crlf.Get(key), key)
	}
}

func TestParseRepetitionTakesFirst(t *testing.T) {
	msg := "MSH|^~\\&|A|B|C|D|20250101||OMG^O19|X1|P|2.9\r" +
		"PID|1||111^^^AUTH1~222^^^AUTH2"
	rec, err := Parse(msg)
	require.NoError(t, err)

	assert.Equal(t, "111", rec.PatientID())
	assert.Equal(t, "AUTH1", rec.AssigningAuthority())
}

func TestParseDuplicateSegmentTakesFirst(t *testing.T) {
	msg := sampleMessage + "\rDG1|2|I|Z99.9^Other^ICD-10-GM||||F"
	rec, err := Parse(msg)
	require.NoError(t, err)

	assert.Equal(t, "K35.8", rec.DiagnosisCode())
}

func TestParseUnknownSegmentsIgnored(t *testing.T) {
	msg := sampleMessage + "\rZXY|1|custom|data"
	rec, err := Parse(msg)
	require.NoError(t, err)
	assert.Equal(t, "12345", rec.PatientID())
}

func TestParseIsDeterministic(t *testing.T) {
	first, err := Parse(sampleMessage)
	require.NoError(t, err)
	second, err := Parse(sampleMessage)
	require.NoError(t, err)

	assert.Equal(t, first.Source(), second.Source())
}

func TestSourceDocumentShape(t *testing.T) {
	rec, err := Parse(sampleMessage)
	require.NoError(t, err)
	rec.DeviceID = "Device/test-pipeline"

	doc := rec.Source()
	assert.Equal(t, "InfoWashSource", doc.ResourceType)
	assert.Equal(t, "12345", doc.PIDSegment["PID_3_1"])
	assert.Nil(t, doc.PIDSegment["PID_3_6_1"])
	assert.Equal(t, "Device/test-pipeline", doc.CTXSegment["CTX_DEVICE_id"])
	assert.Equal(t, sampleMessage, doc.CTXSegment["CTX_RAW_message"])
	assert.Equal(t, "source", doc.CTXSegment["CTX_role"])
}
