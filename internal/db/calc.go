package db

import (
	"github.com/zinghub/zingdb/internal/template"
	"github.com/zinghub/zingdb/internal/types"
)

// recomputeCalc refreshes every calculated field on a record from the
// current membership of its underlying plural link end. Runs at record
// creation and on every membership change inside the transaction, before
// commit validation, using only tx-visible state.
func (tx *Tx) recomputeCalc(recid string) {
	if RecomputeRecord(tx.snap, recid) {
		tx.touched.Set(recid, true)
	}
}

// RecomputeRecord refreshes the calculated fields of one record against
// the snapshot's current link graph, reporting whether anything changed.
func RecomputeRecord(snap *Snapshot, recid string) bool {
	doc := snap.Template
	if doc == nil {
		return false
	}
	rec, ok := snap.GetRecord(recid)
	if !ok {
		return false
	}
	rt, ok := doc.GetRectype(rec.Rectype)
	if !ok {
		return false
	}

	changed := false
	for f_name, f := range rt.Fields {
		if f == nil || f.Calculated == nil {
			continue
		}
		ref, ok := doc.EndByName(rec.Rectype, f.Calculated.DependsOn)
		if !ok || ref.End.Singular {
			continue
		}

		var members []string
		if ref.FromSide {
			members = snap.LinkTargets(ref.Linktype, recid)
		} else {
			members = snap.LinkSources(ref.Linktype, recid)
		}

		value, present := foldChildren(snap, members, f.Calculated)
		prev, had := rec.Fields[f_name]
		if present {
			if !had || prev != value {
				rec.Fields.Set(f_name, value)
				changed = true
			}
		} else if had {
			rec.Fields.Delete(f_name)
			changed = true
		}
	}
	return changed
}

// foldChildren computes one aggregate over field_from across the linked
// children. count covers every member; the numeric folds skip members
// without an int value. Zero children: count and sum are zero-valued,
// min/max/average are absent. Average truncates toward zero.
func foldChildren(snap *Snapshot, members []string, spec *template.CalcSpec) (int, bool) {
	values := []int{}
	for _, recid := range members {
		child, ok := snap.GetRecord(recid)
		if !ok {
			continue
		}
		if n, ok := child.Fields.Get(spec.FieldFrom).(int); ok {
			values = append(values, n)
		}
	}

	switch spec.Function {
	case types.CalcFuncCount:
		return len(members), true
	case types.CalcFuncSum:
		sum := 0
		for _, n := range values {
			sum += n
		}
		return sum, true
	case types.CalcFuncAverage:
		if len(values) == 0 {
			return 0, false
		}
		sum := 0
		for _, n := range values {
			sum += n
		}
		return sum / len(values), true
	case types.CalcFuncMin:
		if len(values) == 0 {
			return 0, false
		}
		min := values[0]
		for _, n := range values[1:] {
			if n < min {
				min = n
			}
		}
		return min, true
	case types.CalcFuncMax:
		if len(values) == 0 {
			return 0, false
		}
		max := values[0]
		for _, n := range values[1:] {
			if n > max {
				max = n
			}
		}
		return max, true
	}
	return 0, false
}
