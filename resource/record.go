// Package resource implements the per-collection synchronization controller:
// reactive paginated list state bound to navigable query parameters,
// optimistic create/update/delete reconciled against authoritative reads,
// and poll/event-driven revalidation.
package resource

import (
	"fmt"
	"strconv"
)

// Record is an opaque server-owned row. Field semantics belong to the
// domain; this layer only ever inspects the identity field.
type Record map[string]any

// id extracts the record's identity under field, normalized to a string so
// numeric and string ids compare consistently.
func (r Record) id(field string) string {
	v, ok := r[field]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(v)
	}
}

// clone returns a shallow copy.
func (r Record) clone() Record {
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

func cloneList(in []Record) []Record {
	out := make([]Record, len(in))
	copy(out, in)
	return out
}
