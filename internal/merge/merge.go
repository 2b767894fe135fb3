package merge

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/zinghub/zingdb/internal/dag"
	"github.com/zinghub/zingdb/internal/db"
	"github.com/zinghub/zingdb/internal/template"
	"github.com/zinghub/zingdb/internal/types"
	"github.com/zinghub/zingdb/pkg"
)

// Result reports one merge attempt. On success Csid/Generation name the
// merge changeset; on conflict Errors carries every unresolved problem
// and nothing was committed.
type Result struct {
	Csid       string
	Generation int
	Leaves     []string
	Errors     []*types.ValidationError
}

func (r *Result) Ok() bool { return len(r.Errors) == 0 }

// leaf is one branch tip under reconciliation, ordered by recency.
type leaf struct {
	cs   *dag.Changeset
	snap *db.Snapshot
}

type merger struct {
	h       *db.Handle
	base    *db.Snapshot
	leaves  []*leaf
	out     *db.Snapshot
	touched pkg.Map[string, bool]
	errs    []*types.ValidationError
	// changeset cache for history ordering
	csets pkg.Map[string, *dag.Changeset]
}

// Merge reconciles divergent branch tips into one changeset whose
// parents are all of the leaves. No explicit leaves means every current
// leaf of the dag; fewer than two is an error. Conflicts the declared
// policies cannot resolve abort the whole merge.
func Merge(h *db.Handle, leafIds ...string) (*Result, error) {
	if len(leafIds) == 0 {
		leafIds = h.GetLeaves()
	}
	if len(leafIds) < 2 {
		return nil, fmt.Errorf("merge needs at least 2 leaves, have %d", len(leafIds))
	}

	baseId, err := h.Store.CommonAncestor(leafIds...)
	if err != nil {
		return nil, err
	}

	m := &merger{
		h:       h,
		out:     db.NewSnapshot(),
		touched: pkg.Map[string, bool]{},
		csets:   pkg.Map[string, *dag.Changeset]{},
	}

	if baseId == "" {
		m.base = db.NewSnapshot()
	} else {
		base, err := h.SnapshotAt(baseId)
		if err != nil {
			return nil, err
		}
		m.base = base
	}

	for _, csid := range leafIds {
		cs, err := h.Store.ReadChangeset(csid)
		if err != nil {
			return nil, err
		}
		snap, err := db.DecodeSnapshot(cs.Payload, cs.Id)
		if err != nil {
			return nil, err
		}
		m.csets.Set(cs.Id, cs)
		m.leaves = append(m.leaves, &leaf{cs: cs, snap: snap})
	}
	// oldest first; the last entry is the most recent leaf
	sort.Slice(m.leaves, func(i, j int) bool {
		return lessRecent(m.leaves[i].cs, m.leaves[j].cs)
	})

	m.mergeTemplate()
	m.mergeRecords()
	m.mergeLinks()
	m.mergeTrackers()
	m.recompute()
	m.uniqify()

	if len(m.errs) > 0 {
		pkg.WarnLog("merge aborted with", len(m.errs), "conflicts")
		return &Result{Leaves: leafIds, Errors: m.errs}, nil
	}

	m.out.Touched = m.touched.Keys()
	payload, err := m.out.Encode()
	if err != nil {
		return nil, err
	}
	cs, err := h.Store.CreateChangeset(leafIds, payload)
	if err != nil {
		return nil, err
	}
	pkg.DebugLog("merged", len(leafIds), "leaves into changeset", cs.Id)
	return &Result{Csid: cs.Id, Generation: cs.Generation, Leaves: leafIds}, nil
}

func lessRecent(a, b *dag.Changeset) bool {
	if !a.Time.Equal(b.Time) {
		return a.Time.Before(b.Time)
	}
	return a.Id < b.Id
}

// mergeTemplate: template installs are last-write-wins, so the most
// recent leaf that changed the document relative to the base governs
// the merged state.
func (m *merger) mergeTemplate() {
	baseJSON := templateJSON(m.base.Template)
	for i := len(m.leaves) - 1; i >= 0; i-- {
		t := m.leaves[i].snap.Template
		if t != nil && templateJSON(t) != baseJSON {
			m.out.Template = t
			return
		}
	}
	m.out.Template = m.base.Template
}

func templateJSON(doc *template.Doc) string {
	if doc == nil {
		return ""
	}
	data, err := template.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(data)
}

func (m *merger) mergeRecords() {
	recids := pkg.Map[string, bool]{}
	for _, rec := range m.base.IterRecords() {
		recids.Set(rec.Recid, true)
	}
	for _, lf := range m.leaves {
		for _, rec := range lf.snap.IterRecords() {
			recids.Set(rec.Recid, true)
		}
	}

	ordered := recids.Keys()
	slices.Sort(ordered)
	for _, recid := range ordered {
		m.mergeRecord(recid)
	}
}

func (m *merger) mergeRecord(recid string) {
	baseRec, inBase := m.base.GetRecord(recid)

	if !inBase {
		// independently created records survive as-is
		for i := len(m.leaves) - 1; i >= 0; i-- {
			if rec, ok := m.leaves[i].snap.GetRecord(recid); ok {
				m.out.PutRecord(rec.Clone())
				return
			}
		}
		return
	}

	var present []*leaf
	var modifiers []*leaf
	deleted := false
	for _, lf := range m.leaves {
		rec, ok := lf.snap.GetRecord(recid)
		if !ok {
			deleted = true
			continue
		}
		present = append(present, lf)
		if !slices.Equal(rec.History, baseRec.History) {
			modifiers = append(modifiers, lf)
		}
	}

	if deleted {
		if len(modifiers) > 0 {
			m.errs = append(m.errs, &types.ValidationError{
				Kind: types.ErrMerge, Rectype: baseRec.Rectype, Recid: recid,
				Msg: "deleted in one branch, modified in another",
			})
		}
		// deleted everywhere else untouched: stays deleted
		return
	}

	if len(modifiers) == 0 {
		m.out.PutRecord(baseRec.Clone())
		return
	}
	if len(modifiers) == 1 {
		rec, _ := modifiers[0].snap.GetRecord(recid)
		m.out.PutRecord(rec.Clone())
		m.touched.Set(recid, true)
		return
	}

	m.reconcileRecord(recid, baseRec, present, modifiers)
}

// reconcileRecord handles a record modified in two or more leaves.
func (m *merger) reconcileRecord(recid string, baseRec *db.Record, present, modifiers []*leaf) {
	doc := m.out.Template
	rt, haveRt := doc.GetRectype(baseRec.Rectype)

	if haveRt && rt.MergeType == types.MergeTypeRecord {
		// whole record from the most recent modifying leaf
		rec, _ := modifiers[len(modifiers)-1].snap.GetRecord(recid)
		merged := rec.Clone()
		merged.History = m.unionHistory(recid, present)
		m.out.PutRecord(merged)
		m.touched.Set(recid, true)
		return
	}

	merged := baseRec.Clone()
	names := pkg.Map[string, bool]{}
	for name := range baseRec.Fields {
		names.Set(name, true)
	}
	for _, lf := range present {
		rec, _ := lf.snap.GetRecord(recid)
		for name := range rec.Fields {
			names.Set(name, true)
		}
	}

	fieldNames := names.Keys()
	slices.Sort(fieldNames)
	for _, name := range fieldNames {
		if haveRt {
			if f, ok := rt.GetField(name); ok && f.Calculated != nil {
				// rebuilt from the merged link graph afterwards
				merged.Fields.Delete(name)
				continue
			}
		}

		baseVal := baseRec.Fields.Get(name)
		var contribs []contribution
		for _, lf := range present {
			rec, _ := lf.snap.GetRecord(recid)
			val := rec.Fields.Get(name)
			if !valueEqual(val, baseVal) {
				contribs = append(contribs, contribution{value: val, leaf: lf})
			}
		}

		switch len(distinctValues(contribs)) {
		case 0:
			continue
		case 1:
			setOrClear(merged, name, contribs[0].value)
		default:
			var f *template.Field
			if haveRt {
				if def, ok := rt.GetField(name); ok {
					f = def
				}
			}
			value, ok := resolveField(f, baseVal, contribs)
			if !ok {
				m.errs = append(m.errs, &types.ValidationError{
					Kind: types.ErrMerge, Rectype: baseRec.Rectype, Field: name, Recid: recid,
					Msg: "concurrent edits could not be auto-merged",
				})
				continue
			}
			setOrClear(merged, name, value)
		}
	}

	merged.History = m.unionHistory(recid, present)
	m.out.PutRecord(merged)
	m.touched.Set(recid, true)
}

func setOrClear(rec *db.Record, name string, value any) {
	if value == nil {
		rec.Fields.Delete(name)
		return
	}
	rec.Fields.Set(name, value)
}

// unionHistory folds every branch's history for a record into one list,
// newest first by changeset generation.
func (m *merger) unionHistory(recid string, present []*leaf) []string {
	seen := pkg.Map[string, bool]{}
	union := []string{}
	for _, lf := range present {
		rec, ok := lf.snap.GetRecord(recid)
		if !ok {
			continue
		}
		for _, csid := range rec.History {
			if !seen.Has(csid) {
				seen.Set(csid, true)
				union = append(union, csid)
			}
		}
	}

	sort.SliceStable(union, func(i, j int) bool {
		a, b := m.changeset(union[i]), m.changeset(union[j])
		if a == nil || b == nil {
			return union[i] > union[j]
		}
		if a.Generation != b.Generation {
			return a.Generation > b.Generation
		}
		return a.Id > b.Id
	})
	return union
}

func (m *merger) changeset(csid string) *dag.Changeset {
	if cs := m.csets.Get(csid); cs != nil {
		return cs
	}
	cs, err := m.h.Store.ReadChangeset(csid)
	if err != nil {
		return nil
	}
	m.csets.Set(csid, cs)
	return cs
}

// mergeLinks three-way merges each linktype's edge set: base edges
// survive unless some leaf removed them, leaf additions accrue in
// recency order. Edges to records that did not survive the merge drop
// out. A singular end that ends up multivalued keeps its latest edge.
func (m *merger) mergeLinks() {
	linktypes := pkg.Map[string, bool]{}
	for name := range m.base.Links {
		linktypes.Set(name, true)
	}
	for _, lf := range m.leaves {
		for name := range lf.snap.Links {
			linktypes.Set(name, true)
		}
	}

	names := linktypes.Keys()
	slices.Sort(names)
	for _, linktype := range names {
		merged := m.mergeEdgeSet(linktype)
		merged = m.dropDangling(merged)
		merged = m.enforceSingular(linktype, merged)
		m.markLinkTouches(linktype, merged)
		if len(merged) > 0 {
			m.out.Links.Set(linktype, merged)
		}
	}
}

func (m *merger) mergeEdgeSet(linktype string) []db.Edge {
	baseEdges := m.base.Links.Get(linktype)

	merged := []db.Edge{}
	for _, e := range baseEdges {
		removed := false
		for _, lf := range m.leaves {
			if !lf.snap.HasEdge(linktype, e.From, e.To) {
				removed = true
				break
			}
		}
		if !removed {
			merged = append(merged, e)
		}
	}

	for _, lf := range m.leaves {
		for _, e := range lf.snap.Links.Get(linktype) {
			if m.base.HasEdge(linktype, e.From, e.To) || edgeIn(merged, e) {
				continue
			}
			merged = append(merged, e)
		}
	}
	return merged
}

func edgeIn(edges []db.Edge, e db.Edge) bool {
	for _, have := range edges {
		if have == e {
			return true
		}
	}
	return false
}

func (m *merger) dropDangling(edges []db.Edge) []db.Edge {
	return pkg.Filter(edges, func(e db.Edge) bool {
		_, fromOk := m.out.GetRecord(e.From)
		_, toOk := m.out.GetRecord(e.To)
		return fromOk && toOk
	})
}

func (m *merger) enforceSingular(linktype string, edges []db.Edge) []db.Edge {
	doc := m.out.Template
	if doc == nil {
		return edges
	}
	lt, ok := doc.Linktypes[linktype]
	if !ok || lt == nil || lt.From == nil || lt.To == nil {
		return edges
	}

	// later additions win, matching in-transaction eviction order
	if lt.From.Singular {
		lastPer := pkg.Map[string, int]{}
		for i, e := range edges {
			lastPer.Set(e.From, i)
		}
		kept := []db.Edge{}
		for i, e := range edges {
			if lastPer.Get(e.From) == i {
				kept = append(kept, e)
			}
		}
		edges = kept
	}
	if lt.To.Singular {
		lastPer := pkg.Map[string, int]{}
		for i, e := range edges {
			lastPer.Set(e.To, i)
		}
		kept := []db.Edge{}
		for i, e := range edges {
			if lastPer.Get(e.To) == i {
				kept = append(kept, e)
			}
		}
		edges = kept
	}
	return edges
}

// markLinkTouches marks both endpoints of every edge that differs from
// the base state, so their history records the merge.
func (m *merger) markLinkTouches(linktype string, merged []db.Edge) {
	baseEdges := m.base.Links.Get(linktype)
	diff := []db.Edge{}
	for _, e := range merged {
		if !edgeIn(baseEdges, e) {
			diff = append(diff, e)
		}
	}
	for _, e := range baseEdges {
		if !edgeIn(merged, e) {
			diff = append(diff, e)
		}
	}
	for _, e := range diff {
		if _, ok := m.out.GetRecord(e.From); ok {
			m.touched.Set(e.From, true)
		}
		if _, ok := m.out.GetRecord(e.To); ok {
			m.touched.Set(e.To, true)
		}
	}
}

// mergeTrackers keeps each generator sequence at its high-water mark so
// generated values never repeat after a merge.
func (m *merger) mergeTrackers() {
	for key, seq := range m.base.Trackers {
		m.out.Trackers.Set(key, seq)
	}
	for _, lf := range m.leaves {
		for key, seq := range lf.snap.Trackers {
			if seq > m.out.Trackers.Get(key) {
				m.out.Trackers.Set(key, seq)
			}
		}
	}
}

func (m *merger) recompute() {
	for _, rec := range m.out.IterRecords() {
		if db.RecomputeRecord(m.out, rec.Recid) {
			m.touched.Set(rec.Recid, true)
		}
	}
}

// recordTime returns when a record was last (or, for created, first)
// changed, from its history against the dag.
func (m *merger) historyTime(csid string) (time.Time, int) {
	cs := m.changeset(csid)
	if cs == nil {
		return time.Time{}, 0
	}
	return cs.Time, cs.Generation
}
