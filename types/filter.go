package types

import "fmt"

// FilterOp is the operator of a filter condition.
type FilterOp string

const (
	FilterEq    FilterOp = "eq"
	FilterNotEq FilterOp = "ne"
	FilterIn    FilterOp = "in"
	FilterRange FilterOp = "range"
)

// FilterCondition is one validated condition against a payload field.
// Conditions are built through the constructor functions below so that
// malformed filters are rejected when they are built, not when they are
// translated to the vector store's native representation.
type FilterCondition struct {
	Field  string        `json:"field"`
	Op     FilterOp      `json:"op"`
	Value  interface{}   `json:"value,omitempty"`
	Values []interface{} `json:"values,omitempty"`
	GTE    *float64      `json:"gte,omitempty"`
	LTE    *float64      `json:"lte,omitempty"`
	GT     *float64      `json:"gt,omitempty"`
	LT     *float64      `json:"lt,omitempty"`
}

// Eq matches documents whose field equals value.
func Eq(field string, value interface{}) FilterCondition {
	return FilterCondition{Field: field, Op: FilterEq, Value: value}
}

// NotEq matches documents whose field differs from value.
func NotEq(field string, value interface{}) FilterCondition {
	return FilterCondition{Field: field, Op: FilterNotEq, Value: value}
}

// In matches documents whose field equals any of the given values.
func In(field string, values ...interface{}) FilterCondition {
	return FilterCondition{Field: field, Op: FilterIn, Values: values}
}

// Range matches documents whose numeric field falls within the given bounds.
// Nil bounds are left open.
func Range(field string, gte, lte, gt, lt *float64) FilterCondition {
	return FilterCondition{Field: field, Op: FilterRange, GTE: gte, LTE: lte, GT: gt, LT: lt}
}

// Validate reports whether the condition is well formed.
func (c FilterCondition) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("filter condition missing field")
	}
	switch c.Op {
	case FilterEq, FilterNotEq:
		if c.Value == nil {
			return fmt.Errorf("filter %s on %q missing value", c.Op, c.Field)
		}
	case FilterIn:
		if len(c.Values) == 0 {
			return fmt.Errorf("filter in on %q needs at least one value", c.Field)
		}
	case FilterRange:
		if c.GTE == nil && c.LTE == nil && c.GT == nil && c.LT == nil {
			return fmt.Errorf("filter range on %q needs at least one bound", c.Field)
		}
	default:
		return fmt.Errorf("unknown filter operator %q", c.Op)
	}
	return nil
}

// ValidateFilters validates a whole condition list.
func ValidateFilters(conds []FilterCondition) error {
	for _, c := range conds {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}
