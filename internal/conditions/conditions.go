// Package conditions evaluates conditional-stage rule lists against task
// responses or against aggregate counts.
package conditions

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"stageline/internal/domain"
)

const (
	OpEqual            = "=="
	OpNotEqual         = "!="
	OpGreater          = ">"
	OpLess             = "<"
	OpGreaterEqual     = ">="
	OpLessEqual        = "<="
	OpArrayContains    = "ARRAY-CONTAINS"
	OpArrayContainsNot = "ARRAY-CONTAINS-NOT"
)

const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

var (
	ErrUnknownType     = errors.New("unknown condition type")
	ErrUnknownOperator = errors.New("unknown condition operator")
	ErrBadValue        = errors.New("control value does not match condition type")
)

// RuleError names the rule that could not be evaluated.
type RuleError struct {
	Index int
	Rule  domain.Rule
	Err   error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %d (%s %s %q as %s): %v", e.Index, e.Rule.Field, e.Rule.Condition, e.Rule.Value, e.Rule.Type, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// Validate checks every rule for a known type, a known operator and a
// coercible control value without evaluating it.
func Validate(rules []domain.Rule) error {
	for i, r := range rules {
		if _, err := coerce(r.Type, r.Value); err != nil {
			return &RuleError{Index: i, Rule: r, Err: err}
		}
		if !knownOperator(r.Condition) {
			return &RuleError{Index: i, Rule: r, Err: ErrUnknownOperator}
		}
		if r.Type == TypeBoolean && ordered(r.Condition) {
			return &RuleError{Index: i, Rule: r, Err: fmt.Errorf("%w: %s on boolean", ErrUnknownOperator, r.Condition)}
		}
	}
	return nil
}

// Evaluate reports whether every rule matches responses. An empty rule list
// matches when responses exist and hold no null value.
func Evaluate(rules []domain.Rule, responses domain.Responses) (bool, error) {
	if err := Validate(rules); err != nil {
		return false, err
	}
	if len(rules) == 0 {
		if responses == nil {
			return false, nil
		}
		for _, v := range responses {
			if v == nil {
				return false, nil
			}
		}
		return true, nil
	}
	for i, r := range rules {
		actual, ok := responses.Get(r.Field)
		if !ok {
			actual = nil
		}
		match, err := compare(r, actual)
		if err != nil {
			return false, &RuleError{Index: i, Rule: r, Err: err}
		}
		if !match {
			return false, nil
		}
	}
	return true, nil
}

// EvaluateCount matches every rule against count instead of a response field.
// It serves conditional-limit stages.
func EvaluateCount(rules []domain.Rule, count int) (bool, error) {
	if err := Validate(rules); err != nil {
		return false, err
	}
	for i, r := range rules {
		match, err := compare(r, float64(count))
		if err != nil {
			return false, &RuleError{Index: i, Rule: r, Err: err}
		}
		if !match {
			return false, nil
		}
	}
	return true, nil
}

func knownOperator(op string) bool {
	switch op {
	case OpEqual, OpNotEqual, OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpArrayContains, OpArrayContainsNot:
		return true
	}
	return false
}

func ordered(op string) bool {
	switch op {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		return true
	}
	return false
}

func coerce(typ, raw string) (any, error) {
	switch typ {
	case TypeString:
		return raw, nil
	case TypeInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an integer", ErrBadValue, raw)
		}
		return float64(n), nil
	case TypeNumber:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrBadValue, raw)
		}
		return f, nil
	case TypeBoolean:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a boolean", ErrBadValue, raw)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
}

// actualAs converts a decoded response value to the rule's type. It reports
// false when the value cannot take that type.
func actualAs(typ string, v any) (any, bool) {
	switch typ {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, true
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), true
		case json.Number:
			return x.String(), true
		case bool:
			return strconv.FormatBool(x), true
		}
	case TypeInteger, TypeNumber:
		switch x := v.(type) {
		case float64:
			return x, true
		case int:
			return float64(x), true
		case int64:
			return float64(x), true
		case json.Number:
			f, err := x.Float64()
			return f, err == nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			return f, err == nil
		}
	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, true
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			return b, err == nil
		}
	}
	return nil, false
}

func compare(r domain.Rule, actual any) (bool, error) {
	control, err := coerce(r.Type, r.Value)
	if err != nil {
		return false, err
	}
	switch r.Condition {
	case OpArrayContains, OpArrayContainsNot:
		found := false
		if items, ok := actual.([]any); ok {
			for _, item := range items {
				if v, ok := actualAs(r.Type, item); ok && equal(v, control) {
					found = true
					break
				}
			}
		}
		if r.Condition == OpArrayContains {
			return found, nil
		}
		return !found, nil
	}
	if actual == nil {
		return r.Condition == OpNotEqual, nil
	}
	v, ok := actualAs(r.Type, actual)
	if !ok {
		return r.Condition == OpNotEqual, nil
	}
	switch r.Condition {
	case OpEqual:
		return equal(v, control), nil
	case OpNotEqual:
		return !equal(v, control), nil
	}
	c, err := order(v, control)
	if err != nil {
		return false, err
	}
	switch r.Condition {
	case OpGreater:
		return c > 0, nil
	case OpLess:
		return c < 0, nil
	case OpGreaterEqual:
		return c >= 0, nil
	case OpLessEqual:
		return c <= 0, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, r.Condition)
}

func equal(a, b any) bool {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		return ok && math.Abs(x-y) < 1e-9
	default:
		return a == b
	}
}

func order(a, b any) (int, error) {
	switch x := a.(type) {
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	case string:
		return strings.Compare(x, b.(string)), nil
	}
	return 0, fmt.Errorf("%w: ordered comparison on %T", ErrUnknownOperator, a)
}
