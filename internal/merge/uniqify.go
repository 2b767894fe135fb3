package merge

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/zinghub/zingdb/internal/db"
	"github.com/zinghub/zingdb/internal/template"
	"github.com/zinghub/zingdb/internal/types"
	"github.com/zinghub/zingdb/pkg"
)

const uniqify_attempts = 100

// uniqify resolves unique-constraint collisions the branch union
// produced. Fields without a declared uniqify policy turn collisions
// into conflicts.
func (m *merger) uniqify() {
	doc := m.out.Template
	if doc == nil {
		return
	}

	rtNames := pkg.Map[string, bool]{}
	for name := range doc.Rectypes {
		rtNames.Set(name, true)
	}
	ordered := rtNames.Keys()
	slices.Sort(ordered)

	for _, rtName := range ordered {
		rt := doc.Rectypes[rtName]
		if rt == nil {
			continue
		}
		fNames := []string{}
		for name, f := range rt.Fields {
			if f != nil && f.Unique {
				fNames = append(fNames, name)
			}
		}
		slices.Sort(fNames)
		for _, fName := range fNames {
			m.uniqifyField(rtName, fName, rt.Fields[fName])
		}
	}
}

func (m *merger) uniqifyField(rtName, fName string, f *template.Field) {
	records := m.out.RecordsOf(rtName)

	used := pkg.Map[string, bool]{}
	groups := pkg.NewInsertSortMap[string, []*db.Record]()
	for _, rec := range records {
		if !rec.Fields.Has(fName) {
			continue
		}
		key := fmt.Sprintf("%v", rec.Fields.Get(fName))
		used.Set(key, true)
		groups.Push(key, append(groups.Get(key), rec))
	}

	for _, key := range groups.Sorted {
		group := groups.Get(key)
		if len(group) < 2 {
			continue
		}

		if f.Merge == nil || f.Merge.Uniqify == nil {
			m.errs = append(m.errs, &types.ValidationError{
				Kind: types.ErrUnique, Rectype: rtName, Field: fName, Value: group[0].Fields.Get(fName),
				Msg: fmt.Sprintf("%d merged records collide and no uniqify policy is declared", len(group)),
			})
			continue
		}

		for len(group) > 1 {
			victim := m.selectVictim(group, f.Merge.Uniqify.Which)
			if !m.rewriteValue(victim, rtName, fName, f, used) {
				break
			}
			group = pkg.Filter(group, func(r *db.Record) bool {
				return r.Recid != victim.Recid
			})
		}
	}
}

// selectVictim picks which colliding record gets its value rewritten.
func (m *merger) selectVictim(group []*db.Record, which types.UniqifyWhich) *db.Record {
	switch which {
	case types.UniqifyWhichLastModified:
		return m.pickByHistory(group, func(r *db.Record) string {
			if len(r.History) == 0 {
				return ""
			}
			return r.History[0]
		})
	case types.UniqifyWhichLastCreated:
		return m.pickByHistory(group, func(r *db.Record) string {
			if len(r.History) == 0 {
				return ""
			}
			return r.History[len(r.History)-1]
		})
	}
	return m.pickLeastImpact(group)
}

func (m *merger) pickByHistory(group []*db.Record, csidOf func(*db.Record) string) *db.Record {
	pick := group[0]
	pickTime, pickGen := m.historyTime(csidOf(pick))
	for _, rec := range group[1:] {
		t, gen := m.historyTime(csidOf(rec))
		if t.After(pickTime) || (t.Equal(pickTime) && gen > pickGen) ||
			(t.Equal(pickTime) && gen == pickGen && rec.Recid > pick.Recid) {
			pick, pickTime, pickGen = rec, t, gen
		}
	}
	return pick
}

// pickLeastImpact scores each record by history length plus link
// degree; the least-referenced, least-edited record gets rewritten.
func (m *merger) pickLeastImpact(group []*db.Record) *db.Record {
	degree := func(recid string) int {
		n := 0
		for _, edges := range m.out.Links {
			for _, e := range edges {
				if e.From == recid || e.To == recid {
					n++
				}
			}
		}
		return n
	}

	pick := group[0]
	pickScore := len(pick.History) + degree(pick.Recid)
	for _, rec := range group[1:] {
		score := len(rec.History) + degree(rec.Recid)
		if score < pickScore || (score == pickScore && rec.Recid < pick.Recid) {
			pick, pickScore = rec, score
		}
	}
	return pick
}

func (m *merger) rewriteValue(rec *db.Record, rtName, fName string, f *template.Field, used pkg.Map[string, bool]) bool {
	spec := f.Merge.Uniqify
	value := rec.Fields.Get(fName)

	for attempt := 0; attempt < uniqify_attempts; attempt++ {
		next, err := nextValue(spec, f, value)
		if err != nil {
			m.errs = append(m.errs, &types.ValidationError{
				Kind: types.ErrMerge, Rectype: rtName, Field: fName, Recid: rec.Recid, Value: value,
				Msg: err.Error(),
			})
			return false
		}
		key := fmt.Sprintf("%v", next)
		if !used.Has(key) {
			used.Set(key, true)
			rec.Fields.Set(fName, next)
			m.touched.Set(rec.Recid, true)
			pkg.DebugLog("uniqified", rtName+"."+fName, "on record", rec.Recid)
			return true
		}
		value = next
	}

	m.errs = append(m.errs, &types.ValidationError{
		Kind: types.ErrMerge, Rectype: rtName, Field: fName, Recid: rec.Recid, Value: value,
		Msg: "could not derive a unique value",
	})
	return false
}

func nextValue(spec *template.UniqifySpec, f *template.Field, value any) (any, error) {
	switch spec.Op {
	case types.UniqifyOpAdd:
		v, ok := value.(int)
		if !ok {
			return nil, fmt.Errorf("add uniqify needs an int value, have %T", value)
		}
		return v + spec.Addend, nil

	case types.UniqifyOpIncDigitsEnd:
		v, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("inc_digits_end uniqify needs a string value, have %T", value)
		}
		return incDigitsEnd(v), nil

	case types.UniqifyOpGenRandom:
		generated, err := gonanoid.Generate(f.GenAlphabet(), f.GenSize())
		if err != nil {
			return nil, err
		}
		return generated, nil
	}
	return nil, fmt.Errorf("Invalid uniqify op %s", spec.Op)
}

// incDigitsEnd increments the trailing digit run, keeping its zero-pad
// width. A value with no trailing digits gets a "_0" suffix to start
// the sequence.
func incDigitsEnd(s string) string {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i == len(s) {
		return s + "_0"
	}

	digits := s[i:]
	n, err := strconv.Atoi(digits)
	if err != nil {
		return s + "_0"
	}
	next := strconv.Itoa(n + 1)
	if len(next) < len(digits) {
		next = strings.Repeat("0", len(digits)-len(next)) + next
	}
	return s[:i] + next
}
