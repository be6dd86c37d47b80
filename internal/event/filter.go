package event

import (
	"fmt"
	"strings"
)

// Op is a filter comparison operator.
type Op string

// Supported filter operators.
const (
	OpEq     Op = "eq"
	OpNeq    Op = "neq"
	OpPrefix Op = "prefix"
	OpExists Op = "exists"
)

// Filter is a single field predicate evaluated against candidate events
// after the category match. Supported fields: "type", "sourceId",
// "priority", "target.id", "target.type".
type Filter struct {
	Field string
	Op    Op
	Value string
}

// Validate checks that the filter names a known field and operator.
//
// Postcondition: Returns nil if the filter is evaluable.
func (f Filter) Validate() error {
	switch f.Field {
	case "type", "sourceId", "priority", "target.id", "target.type":
	default:
		return fmt.Errorf("unknown filter field %q", f.Field)
	}
	switch f.Op {
	case OpEq, OpNeq, OpPrefix, OpExists:
	default:
		return fmt.Errorf("unknown filter operator %q", f.Op)
	}
	return nil
}

// Match reports whether the event satisfies the predicate. Target fields
// match if any target on the event satisfies the comparison.
func (f Filter) Match(e *Event) bool {
	switch f.Field {
	case "type":
		return f.compare(e.Type)
	case "sourceId":
		return f.compare(e.SourceID)
	case "priority":
		return f.compare(string(e.Metadata.Priority))
	case "target.id":
		for _, t := range e.Targets {
			if f.compare(t.ID) {
				return true
			}
		}
		return false
	case "target.type":
		for _, t := range e.Targets {
			if f.compare(string(t.Type)) {
				return true
			}
		}
		return false
	}
	return false
}

func (f Filter) compare(got string) bool {
	switch f.Op {
	case OpEq:
		return got == f.Value
	case OpNeq:
		return got != f.Value
	case OpPrefix:
		return strings.HasPrefix(got, f.Value)
	case OpExists:
		return got != ""
	}
	return false
}

// signature returns the canonical identity of the filter used for
// subscription replacement. A nil filter has the empty signature.
func (f Filter) signature() string {
	return f.Field + "|" + string(f.Op) + "|" + f.Value
}
