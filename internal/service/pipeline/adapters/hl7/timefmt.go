package hl7

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	isoDateRe     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	isoDateTimeRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}$`)
	nonDigitRe    = regexp.MustCompile(`[^0-9]`)
)

// formatDate normalizes an HL7 DT value (YYYYMMDD, optionally two-digit year)
// to the FHIR date format YYYY-MM-DD. Returns "" when the value cannot be
// interpreted as a date.
func formatDate(v string) string {
	if v == "" {
		return ""
	}
	if isoDateRe.MatchString(v) {
		return v
	}
	digits := nonDigitRe.ReplaceAllString(v, "")
	switch {
	case len(digits) >= 8:
		return digits[:4] + "-" + digits[4:6] + "-" + digits[6:8]
	case len(digits) >= 6:
		// Two-digit year: pivot at 50.
		yy, _ := strconv.Atoi(digits[:2])
		century := "19"
		if yy < 50 {
			century = "20"
		}
		return century + digits[:2] + "-" + digits[2:4] + "-" + digits[4:6]
	default:
		return ""
	}
}

// formatDateTime normalizes an HL7 TS value (YYYYMMDD[HHMM[SS]]) to the FHIR
// dateTime format with a UTC offset. Returns "" when the value cannot be
// interpreted as a timestamp.
func formatDateTime(v string) string {
	if v == "" {
		return ""
	}
	if isoDateTimeRe.MatchString(v) {
		return v + "+00:00"
	}
	digits := nonDigitRe.ReplaceAllString(v, "")
	var b strings.Builder
	switch {
	case len(digits) >= 14:
		b.WriteString(digits[:4] + "-" + digits[4:6] + "-" + digits[6:8])
		b.WriteString("T" + digits[8:10] + ":" + digits[10:12] + ":" + digits[12:14])
	case len(digits) >= 12:
		b.WriteString(digits[:4] + "-" + digits[4:6] + "-" + digits[6:8])
		b.WriteString("T" + digits[8:10] + ":" + digits[10:12] + ":00")
	case len(digits) >= 8:
		b.WriteString(digits[:4] + "-" + digits[4:6] + "-" + digits[6:8])
		b.WriteString("T00:00:00")
	default:
		return ""
	}
	b.WriteString("+00:00")
	return b.String()
}
