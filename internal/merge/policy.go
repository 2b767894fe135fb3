package merge

import (
	"time"

	"github.com/zinghub/zingdb/internal/template"
	"github.com/zinghub/zingdb/internal/types"
)

// contribution is one leaf's divergent value for a field, nil meaning
// the leaf unset it. Contributions arrive in leaf recency order, oldest
// first.
type contribution struct {
	value any
	leaf  *leaf
}

func valueEqual(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	if _, ok := b.(time.Time); ok {
		return false
	}
	return a == b
}

func distinctValues(contribs []contribution) []any {
	distinct := []any{}
	for _, c := range contribs {
		found := false
		for _, v := range distinct {
			if valueEqual(c.value, v) {
				found = true
				break
			}
		}
		if !found {
			distinct = append(distinct, c.value)
		}
	}
	return distinct
}

// resolveField tries the field's automerge operators in declared order.
// An operator that cannot apply to the values at hand (or that ties)
// falls through to the next; exhausting the chain is a conflict.
func resolveField(f *template.Field, base any, contribs []contribution) (any, bool) {
	if f == nil || f.Merge == nil {
		return nil, false
	}
	for _, op := range f.Merge.Auto {
		if value, ok := applyOp(op, base, contribs); ok {
			return value, true
		}
	}
	return nil, false
}

func applyOp(op types.MergeOp, base any, contribs []contribution) (any, bool) {
	switch op {
	case types.MergeOpLeastRecent:
		return contribs[0].value, true
	case types.MergeOpMostRecent:
		return contribs[len(contribs)-1].value, true

	case types.MergeOpMin, types.MergeOpMax:
		values, ok := intValues(contribs)
		if !ok {
			return nil, false
		}
		pick := values[0]
		for _, v := range values[1:] {
			if (op == types.MergeOpMin && v < pick) || (op == types.MergeOpMax && v > pick) {
				pick = v
			}
		}
		return pick, true

	case types.MergeOpSum:
		// each branch contributes its delta against the shared base
		values, ok := intValues(contribs)
		if !ok {
			return nil, false
		}
		baseVal, ok := base.(int)
		if base != nil && !ok {
			return nil, false
		}
		sum := baseVal
		for _, v := range values {
			sum += v - baseVal
		}
		return sum, true

	case types.MergeOpAverage:
		values, ok := intValues(contribs)
		if !ok {
			return nil, false
		}
		sum := 0
		for _, v := range values {
			sum += v
		}
		return sum / len(values), true

	case types.MergeOpLongest, types.MergeOpShortest:
		values, ok := stringValues(contribs)
		if !ok {
			return nil, false
		}
		pick := values[0]
		tied := false
		for _, v := range values[1:] {
			longer := len(v) > len(pick)
			if op == types.MergeOpShortest {
				longer = len(v) < len(pick)
			}
			switch {
			case longer:
				pick = v
				tied = false
			case len(v) == len(pick) && v != pick:
				tied = true
			}
		}
		if tied {
			return nil, false
		}
		return pick, true
	}
	return nil, false
}

func intValues(contribs []contribution) ([]int, bool) {
	values := make([]int, 0, len(contribs))
	for _, c := range contribs {
		v, ok := c.value.(int)
		if !ok {
			return nil, false
		}
		values = append(values, v)
	}
	return values, len(values) > 0
}

func stringValues(contribs []contribution) ([]string, bool) {
	values := make([]string, 0, len(contribs))
	for _, c := range contribs {
		v, ok := c.value.(string)
		if !ok {
			return nil, false
		}
		values = append(values, v)
	}
	return values, len(values) > 0
}
