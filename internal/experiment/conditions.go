package experiment

import (
	"math"
	"reflect"
	"strings"
	"unicode"
)

// conditionsMatch applies every eligibility condition to the user's
// attributes. A condition whose attribute is absent fails closed.
//
// Condition keys of the form minX/maxX bound the attribute "x" numerically
// (minAge: 18 requires age >= 18). List values are membership tests and
// scalars are equality with cross-numeric-type coercion, so a snapshot
// decoded from JSON (all numbers float64) still matches integer attributes.
func conditionsMatch(conditions map[string]any, attributes map[string]any) bool {
	for key, want := range conditions {
		if !conditionMatches(key, want, attributes) {
			return false
		}
	}

	return true
}

func conditionMatches(key string, want any, attributes map[string]any) bool {
	if attribute, isMin, ok := boundAttribute(key); ok {
		value, present := attributes[attribute]
		if !present {
			return false
		}
		if isMin {
			return numericAtLeast(value, want)
		}
		return numericAtMost(value, want)
	}

	value, present := attributes[key]
	if !present {
		return false
	}
	if isList(want) {
		return valueIn(value, want)
	}

	return valuesEqual(value, want)
}

// boundAttribute recognizes minAge/maxSwipes-style keys and maps them back
// to the bare attribute name ("age", "swipes").
func boundAttribute(key string) (attribute string, isMin bool, ok bool) {
	var rest string
	switch {
	case strings.HasPrefix(key, "min"):
		rest, isMin = key[len("min"):], true
	case strings.HasPrefix(key, "max"):
		rest = key[len("max"):]
	default:
		return "", false, false
	}

	runes := []rune(rest)
	if len(runes) == 0 || !unicode.IsUpper(runes[0]) {
		return "", false, false
	}
	runes[0] = unicode.ToLower(runes[0])

	return string(runes), isMin, true
}

func numericAtLeast(value any, bound any) bool {
	left, right, ok := bothAsFloat64(value, bound)
	return ok && left >= right
}

func numericAtMost(value any, bound any) bool {
	left, right, ok := bothAsFloat64(value, bound)
	return ok && left <= right
}

func bothAsFloat64(left any, right any) (float64, float64, bool) {
	l, ok := asNumber(left)
	if !ok {
		return 0, 0, false
	}
	r, ok := asNumber(right)
	if !ok {
		return 0, 0, false
	}

	return l, r, true
}

func asNumber(value any) (float64, bool) {
	if number, ok := asInt64(value); ok {
		return float64(number), true
	}
	if number, ok := asUint64(value); ok {
		return float64(number), true
	}
	return asFloat64(value)
}

func isList(value any) bool {
	kind := reflect.ValueOf(value).Kind()
	return kind == reflect.Slice || kind == reflect.Array
}

func valueIn(value any, list any) bool {
	values := reflect.ValueOf(list)
	for i := 0; i < values.Len(); i++ {
		if valuesEqual(value, values.Index(i).Interface()) {
			return true
		}
	}

	return false
}

// valuesEqual compares across the numeric kinds exactly, so 18, uint8(18)
// and 18.0 all match each other. Non-numeric values fall back to deep
// equality.
func valuesEqual(left any, right any) bool {
	if leftInt, ok := asInt64(left); ok {
		if rightInt, ok := asInt64(right); ok {
			return leftInt == rightInt
		}
		if rightUint, ok := asUint64(right); ok {
			return leftInt >= 0 && uint64(leftInt) == rightUint
		}
		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsInt64(rightFloat, leftInt)
		}
	}

	if leftUint, ok := asUint64(left); ok {
		if rightUint, ok := asUint64(right); ok {
			return leftUint == rightUint
		}
		if rightInt, ok := asInt64(right); ok {
			return rightInt >= 0 && leftUint == uint64(rightInt)
		}
		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsUint64(rightFloat, leftUint)
		}
	}

	if leftFloat, ok := asFloat64(left); ok {
		if rightFloat, ok := asFloat64(right); ok {
			return leftFloat == rightFloat
		}
		if rightInt, ok := asInt64(right); ok {
			return floatEqualsInt64(leftFloat, rightInt)
		}
		if rightUint, ok := asUint64(right); ok {
			return floatEqualsUint64(leftFloat, rightUint)
		}
	}

	return reflect.DeepEqual(left, right)
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func floatEqualsInt64(left float64, right int64) bool {
	if !isWholeFinite(left) {
		return false
	}
	if left < float64(math.MinInt64) || left > float64(math.MaxInt64) {
		return false
	}

	converted := int64(left)

	return float64(converted) == left && converted == right
}

func floatEqualsUint64(left float64, right uint64) bool {
	if !isWholeFinite(left) {
		return false
	}
	if left < 0 || left > float64(math.MaxUint64) {
		return false
	}

	converted := uint64(left)

	return float64(converted) == left && converted == right
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}
