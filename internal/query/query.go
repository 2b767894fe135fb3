package query

import (
	"slices"
	"sort"

	"github.com/zinghub/zingdb/internal/db"
	"github.com/zinghub/zingdb/internal/template"
	"github.com/zinghub/zingdb/internal/types"
	"github.com/zinghub/zingdb/pkg"
)

// Engine evaluates read-only queries against changeset views of one
// database handle.
type Engine struct {
	h *db.Handle
}

func New(h *db.Handle) *Engine {
	return &Engine{h: h}
}

// Args selects and shapes one query. Zero values mean: project every
// field, match every record, keep recid order, no paging, read the
// current tip.
type Args struct {
	Rectype string
	Fields  []string
	Where   string
	Order   string
	Limit   int
	Skip    int
	AsOf    string
}

// Row is one projected result record.
type Row = pkg.Map[string, any]

// Find runs one query: filter, order, skip/limit, project. Field names
// cover declared fields plus the pseudo-fields recid, history and the
// record's link ends.
func (e *Engine) Find(args Args) ([]Row, error) {
	snap, err := e.h.SnapshotAt(args.AsOf)
	if err != nil {
		return nil, err
	}
	doc := snap.Template
	if doc == nil {
		return nil, types.NewError(types.ErrInvalidTemplate, "no template installed")
	}
	rt, ok := doc.GetRectype(args.Rectype)
	if !ok {
		return nil, &types.ValidationError{Kind: types.ErrUnknownRectype, Rectype: args.Rectype, Msg: "undeclared rectype"}
	}

	where, err := ParseWhere(args.Where)
	if err != nil {
		return nil, err
	}
	order, err := ParseOrder(args.Order)
	if err != nil {
		return nil, err
	}

	known := knownFields(doc, rt, args.Rectype)
	if err := checkFieldNames(args.Rectype, where, order, args.Fields, known); err != nil {
		return nil, err
	}

	matched := []*db.Record{}
	for _, rec := range snap.RecordsOf(args.Rectype) {
		ok, err := where.Eval(func(name string) any {
			return fieldValue(snap, doc, rec, name)
		})
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, rec)
		}
	}

	if len(order) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			return orderLess(snap, doc, rt, matched[i], matched[j], order)
		})
	}

	matched = page(matched, args.Skip, args.Limit)

	rows := make([]Row, 0, len(matched))
	for _, rec := range matched {
		rows = append(rows, project(snap, doc, rt, rec, args.Fields))
	}
	pkg.DebugLog("query returned", len(rows), "rows of", args.Rectype)
	return rows, nil
}

// StateCount is the match count of one historical state.
type StateCount struct {
	Count      int
	Generation int
}

// FindAcrossStates evaluates one filter against every changeset state
// in a generation window, keyed by csid. toGen 0 means unbounded.
// Records of a rectype the state's template does not declare simply
// count zero; the schema may have changed across the window.
func (e *Engine) FindAcrossStates(rectype, where string, fromGen, toGen int) (map[string]StateCount, error) {
	expr, err := ParseWhere(where)
	if err != nil {
		return nil, err
	}

	out := map[string]StateCount{}
	for _, cs := range e.h.Store.Walk(fromGen, toGen) {
		snap, err := db.DecodeSnapshot(cs.Payload, cs.Id)
		if err != nil {
			return nil, err
		}

		count := 0
		if snap.Template != nil {
			for _, rec := range snap.RecordsOf(rectype) {
				ok, err := expr.Eval(func(name string) any {
					return fieldValue(snap, snap.Template, rec, name)
				})
				if err != nil {
					return nil, err
				}
				if ok {
					count++
				}
			}
		}
		out[cs.Id] = StateCount{Count: count, Generation: cs.Generation}
	}
	return out, nil
}

// fieldValue resolves one name on one record: a declared field value,
// recid, the history csid list, or a link end (singular ends yield the
// partner recid or nil, plural ends the partner list in link order).
func fieldValue(snap *db.Snapshot, doc *template.Doc, rec *db.Record, name string) any {
	switch name {
	case "recid":
		return rec.Recid
	case "history":
		return slices.Clone(rec.History)
	}

	if rt, ok := doc.GetRectype(rec.Rectype); ok {
		if _, ok := rt.GetField(name); ok {
			if !rec.Fields.Has(name) {
				return nil
			}
			return rec.Fields.Get(name)
		}
	}

	if ref, ok := doc.EndByName(rec.Rectype, name); ok {
		var partners []string
		if ref.FromSide {
			partners = snap.LinkTargets(ref.Linktype, rec.Recid)
		} else {
			partners = snap.LinkSources(ref.Linktype, rec.Recid)
		}
		if ref.End.Singular {
			if len(partners) == 0 {
				return nil
			}
			return partners[0]
		}
		return partners
	}
	return nil
}

func knownFields(doc *template.Doc, rt *template.Rectype, rectype string) pkg.Map[string, bool] {
	known := pkg.Map[string, bool]{"recid": true, "history": true}
	for name := range rt.Fields {
		known.Set(name, true)
	}
	for _, ref := range doc.EndsFor(rectype) {
		known.Set(ref.End.Name, true)
	}
	return known
}

func checkFieldNames(rectype string, where Expr, order []OrderTerm, projection []string, known pkg.Map[string, bool]) error {
	var bad string
	where.walkIdents(func(name string) {
		if bad == "" && !known.Has(name) {
			bad = name
		}
	})
	for _, term := range order {
		if bad == "" && !known.Has(term.Field) {
			bad = term.Field
		}
	}
	for _, name := range projection {
		if bad == "" && !known.Has(name) {
			bad = name
		}
	}
	if bad != "" {
		return &types.ValidationError{Kind: types.ErrUnknownField, Rectype: rectype, Field: bad, Msg: "undeclared field"}
	}
	return nil
}

func orderLess(snap *db.Snapshot, doc *template.Doc, rt *template.Rectype, a, b *db.Record, terms []OrderTerm) bool {
	for _, term := range terms {
		av := fieldValue(snap, doc, a, term.Field)
		bv := fieldValue(snap, doc, b, term.Field)
		cmp := orderCompare(rt, term.Field, av, bv)
		if term.Desc {
			cmp = -cmp
		}
		if cmp != 0 {
			return cmp < 0
		}
	}
	return false
}

// orderCompare ranks two field values for sorting. Fields declared
// sort_by_allowed rank by position in their allowed list instead of
// natural order; unset values sort first.
func orderCompare(rt *template.Rectype, field string, a, b any) int {
	if f, ok := rt.GetField(field); ok && f.SortByAllowed {
		return compareOrdered(allowedRank(f, a), allowedRank(f, b))
	}

	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		}
		return 1
	}

	if at, aok := asTime(a); aok {
		if bt, bok := asTime(b); bok {
			return compareTimes(at, bt)
		}
	}
	switch av := a.(type) {
	case int:
		if bv, ok := b.(int); ok {
			return compareOrdered(av, bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return compareOrdered(av, bv)
		}
	case bool:
		bv, ok := b.(bool)
		if ok && av != bv {
			if !av {
				return -1
			}
			return 1
		}
	}
	return 0
}

func allowedRank(f *template.Field, v any) int {
	if v == nil {
		return -1
	}
	for i, allowed := range f.Allowed {
		if allowed == v {
			return i
		}
	}
	return len(f.Allowed)
}

func page(records []*db.Record, skip, limit int) []*db.Record {
	if skip > 0 {
		if skip >= len(records) {
			return nil
		}
		records = records[skip:]
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}

// project shapes one result row. An empty projection takes recid plus
// every value the record carries: set fields and non-empty link ends.
func project(snap *db.Snapshot, doc *template.Doc, rt *template.Rectype, rec *db.Record, fields []string) Row {
	row := Row{}
	if len(fields) > 0 {
		for _, name := range fields {
			row.Set(name, fieldValue(snap, doc, rec, name))
		}
		return row
	}

	row.Set("recid", rec.Recid)
	for name := range rt.Fields {
		if rec.Fields.Has(name) {
			row.Set(name, rec.Fields.Get(name))
		}
	}
	for _, ref := range doc.EndsFor(rec.Rectype) {
		value := fieldValue(snap, doc, rec, ref.End.Name)
		switch v := value.(type) {
		case string:
			row.Set(ref.End.Name, v)
		case []string:
			if len(v) > 0 {
				row.Set(ref.End.Name, v)
			}
		}
	}
	return row
}
