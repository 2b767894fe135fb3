package query

import (
	"fmt"
	"time"
)

// compareValues applies one comparison operator across the value types
// a record field can hold. Rules:
//
// 1. nil equals only nil; ordered comparisons against nil are false
// 2. int, string and datetime support the full operator set
// 3. bool supports equality only
// 4. mismatched types are simply unequal, never an error
func compareValues(op string, l, r any) (bool, error) {
	if l == nil || r == nil {
		switch op {
		case "==":
			return l == nil && r == nil, nil
		case "!=":
			return !(l == nil && r == nil), nil
		}
		return false, nil
	}

	if lt, lok := asTime(l); lok {
		if rt, rok := asTime(r); rok {
			return orderedResult(op, compareTimes(lt, rt))
		}
		return typeMismatch(op), nil
	}

	switch lv := l.(type) {
	case int:
		rv, ok := r.(int)
		if !ok {
			return typeMismatch(op), nil
		}
		return orderedResult(op, compareOrdered(lv, rv))
	case string:
		rv, ok := r.(string)
		if !ok {
			return typeMismatch(op), nil
		}
		return orderedResult(op, compareOrdered(lv, rv))
	case bool:
		rv, ok := r.(bool)
		if !ok {
			return typeMismatch(op), nil
		}
		switch op {
		case "==":
			return lv == rv, nil
		case "!=":
			return lv != rv, nil
		}
		return false, fmt.Errorf("Operator %s not supported for bool values", op)
	}
	return typeMismatch(op), nil
}

// asTime recognizes the stored datetime representation plus RFC 3339
// string literals, so `created < '2024-01-01T00:00:00Z'` works.
func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func compareTimes(l, r time.Time) int {
	switch {
	case l.Before(r):
		return -1
	case l.After(r):
		return 1
	}
	return 0
}

func compareOrdered[T int | string](l, r T) int {
	switch {
	case l < r:
		return -1
	case l > r:
		return 1
	}
	return 0
}

func orderedResult(op string, cmp int) (bool, error) {
	switch op {
	case "==":
		return cmp == 0, nil
	case "!=":
		return cmp != 0, nil
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return false, fmt.Errorf("Invalid comparison operator %s", op)
}

// typeMismatch: a string field never equals an int literal, but it is
// definitely not-equal to it.
func typeMismatch(op string) bool {
	return op == "!="
}
