package model

// SequenceField is the record field that carries the canonical sequence
// number. It transitions from absent to a positive integer exactly once,
// via either the synchronous allocation path or offline reconciliation.
const SequenceField = "sequenceNumber"

// SequenceNumberOf extracts the assigned sequence number from record
// fields. Returns false while the record is still unassigned. JSON decoding
// hands back float64 for numbers, so both representations are accepted.
func SequenceNumberOf(fields map[string]any) (int64, bool) {
	v, ok := fields[SequenceField]
	if !ok || v == nil {
		return 0, false
	}
	n, ok := NumberValue(v)
	return n, ok && n > 0
}

// NumberValue coerces a stored numeric field to int64. Documents round-trip
// through JSON, so numbers may come back as float64.
func NumberValue(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
