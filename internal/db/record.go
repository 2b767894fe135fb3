package db

import (
	"fmt"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"

	"github.com/zinghub/zingdb/internal/template"
	"github.com/zinghub/zingdb/internal/types"
	"github.com/zinghub/zingdb/pkg"
)

// RecordHandle is the single get/set boundary onto one staged record.
// Every write goes through the schema-driven type and constraint checks.
type RecordHandle struct {
	tx  *Tx
	rec *Record
}

func (r *RecordHandle) Recid() string   { return r.rec.Recid }
func (r *RecordHandle) Rectype() string { return r.rec.Rectype }

// History returns the csids of changesets that touched this record,
// newest first. Pending edits gain their csid only at commit.
func (r *RecordHandle) History() []string {
	return append([]string{}, r.rec.History...)
}

func (r *RecordHandle) rectype() (*template.Rectype, error) {
	doc, err := r.tx.template()
	if err != nil {
		return nil, err
	}
	rt, ok := doc.GetRectype(r.rec.Rectype)
	if !ok {
		return nil, &types.ValidationError{Kind: types.ErrUnknownRectype, Rectype: r.rec.Rectype, Msg: "undeclared rectype"}
	}
	return rt, nil
}

// Get reads a field value. Singular link ends read as the partner recid
// (nil when unlinked); plural ends must go through Links.
func (r *RecordHandle) Get(field string) (any, error) {
	rt, err := r.rectype()
	if err != nil {
		return nil, err
	}

	if _, ok := rt.GetField(field); ok {
		if !r.rec.Fields.Has(field) {
			return nil, nil
		}
		return r.rec.Fields.Get(field), nil
	}

	doc, _ := r.tx.template()
	if ref, ok := doc.EndByName(r.rec.Rectype, field); ok {
		if !ref.End.Singular {
			return nil, fmt.Errorf("%s is a plural link end; use Links(%q)", field, field)
		}
		partners := r.linkPartners(ref)
		if len(partners) == 0 {
			return nil, nil
		}
		return partners[0], nil
	}

	return nil, &types.ValidationError{Kind: types.ErrUnknownField, Rectype: r.rec.Rectype, Field: field, Msg: "undeclared field"}
}

// Set writes a field value after type and cheap constraint checks, or
// rewires a singular link end when the name resolves to one. Setting
// nil clears the field unless it is required.
func (r *RecordHandle) Set(field string, value any) error {
	rt, err := r.rectype()
	if err != nil {
		return err
	}

	f, ok := rt.GetField(field)
	if !ok {
		doc, _ := r.tx.template()
		if ref, link_ok := doc.EndByName(r.rec.Rectype, field); link_ok {
			return r.setLink(ref, value)
		}
		return &types.ValidationError{Kind: types.ErrUnknownField, Rectype: r.rec.Rectype, Field: field, Msg: "undeclared field"}
	}

	if f.Calculated != nil {
		return &types.ValidationError{
			Kind: types.ErrTypeMismatch, Rectype: r.rec.Rectype, Field: field,
			Msg: "calculated fields are read-only",
		}
	}

	if value == nil {
		if f.Required {
			return &types.ValidationError{
				Kind: types.ErrRequired, Rectype: r.rec.Rectype, Field: field,
				Msg: "cannot clear a required field",
			}
		}
		r.rec.Fields.Delete(field)
		r.tx.touched.Set(r.rec.Recid, true)
		return nil
	}

	typed, err := r.tx.valueForType(f, value)
	if err != nil {
		return &types.ValidationError{
			Kind: types.ErrTypeMismatch, Rectype: r.rec.Rectype, Field: field, Value: value,
			Msg: err.Error(),
		}
	}
	if verr := checkConstraints(r.rec.Rectype, field, f, typed); verr != nil {
		return verr
	}

	r.rec.Fields.Set(field, typed)
	r.tx.touched.Set(r.rec.Recid, true)
	return nil
}

// valueForType coerces a caller value into the field's runtime type.
func (tx *Tx) valueForType(f *template.Field, input any) (any, error) {
	switch f.Datatype {
	case types.FieldTypeInt:
		switch input := input.(type) {
		case int:
			return input, nil
		case float64:
			return int(input), nil
		}
	case types.FieldTypeString:
		if s, ok := input.(string); ok {
			return s, nil
		}
	case types.FieldTypeBool:
		if b, ok := input.(bool); ok {
			return b, nil
		}
	case types.FieldTypeDatetime:
		switch input := input.(type) {
		case time.Time:
			return input, nil
		case string:
			val, err := time.Parse(time.RFC3339, input)
			if err != nil {
				return nil, err
			}
			return val, nil
		case int:
			return time.UnixMilli(int64(input)), nil
		case float64:
			return time.UnixMilli(int64(input)), nil
		}
	case types.FieldTypeAttachment:
		switch input := input.(type) {
		case string:
			return input, nil
		case []byte:
			if tx.h.Blobs == nil {
				return nil, fmt.Errorf("no blob store wired for attachment content")
			}
			return tx.h.Blobs.Put(input), nil
		}
	case types.FieldTypeDagnode:
		if csid, ok := input.(string); ok {
			if store := tx.h.Dags.Get(f.Dag); store != nil {
				if _, err := store.ReadChangeset(csid); err != nil {
					return nil, fmt.Errorf("no changeset %s in dag %s", csid, f.Dag)
				}
			}
			return csid, nil
		}
	}
	return nil, fmt.Errorf("invalid value type %T for %s field", input, f.Datatype)
}

// checkConstraints runs the cheap assignment-time checks; required and
// unique wait for commit.
func checkConstraints(rectype, field string, f *template.Field, v any) *types.ValidationError {
	report := func(kind types.ErrorKind, msg string) *types.ValidationError {
		return &types.ValidationError{Kind: kind, Rectype: rectype, Field: field, Value: v, Msg: msg}
	}

	if n, ok := v.(int); ok {
		if f.Min != nil && n < *f.Min {
			return report(types.ErrMin, fmt.Sprintf("%d below min %d", n, *f.Min))
		}
		if f.Max != nil && n > *f.Max {
			return report(types.ErrMax, fmt.Sprintf("%d above max %d", n, *f.Max))
		}
	}
	if s, ok := v.(string); ok {
		if f.Minlength != nil && len(s) < *f.Minlength {
			return report(types.ErrMinlength, fmt.Sprintf("length %d below minlength %d", len(s), *f.Minlength))
		}
		if f.Maxlength != nil && len(s) > *f.Maxlength {
			return report(types.ErrMaxlength, fmt.Sprintf("length %d above maxlength %d", len(s), *f.Maxlength))
		}
	}
	if f.Allowed != nil && !valueInList(f.Allowed, v) {
		return report(types.ErrAllowed, fmt.Sprintf("%v not in allowed list", v))
	}
	if f.Prohibited != nil && valueInList(f.Prohibited, v) {
		return report(types.ErrProhibited, fmt.Sprintf("%v in prohibited list", v))
	}
	return nil
}

func valueInList(list []any, v any) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// applyDefaults fills defaultvalue/defaultfunc fields the caller did not
// supply. Supplied fields never consume a generator draw.
func (r *RecordHandle) applyDefaults(rt *template.Rectype, initial map[string]any) error {
	for f_name, f := range rt.Fields {
		if f == nil || f.Calculated != nil {
			continue
		}
		if _, supplied := initial[f_name]; supplied {
			continue
		}
		if f.Defaultvalue != nil {
			if err := r.Set(f_name, f.Defaultvalue); err != nil {
				return err
			}
			continue
		}
		if f.Defaultfunc == "" {
			continue
		}
		generated, err := r.tx.generateDefault(r.rec.Rectype, f_name, f)
		if err != nil {
			return err
		}
		if err := r.Set(f_name, generated); err != nil {
			return err
		}
	}
	return nil
}

const gen_random_attempts = 100

func (tx *Tx) generateDefault(rectype, field string, f *template.Field) (string, error) {
	switch f.Defaultfunc {
	case types.DefaultFuncGenRandomUnique:
		for i := 0; i < gen_random_attempts; i++ {
			value, err := nanoid.Generate(f.GenAlphabet(), f.GenSize())
			if err != nil {
				return "", err
			}
			if !tx.valueInUse(rectype, field, value) {
				return value, nil
			}
		}
		return "", fmt.Errorf("could not generate unique value for %s.%s", rectype, field)
	case types.DefaultFuncGenUserprefixUnique:
		key := fmt.Sprintf("%s.%s.%s", rectype, field, tx.user)
		for {
			value := fmt.Sprintf("%s%05d", tx.user, tx.snap.NextSeq(key))
			if !tx.valueInUse(rectype, field, value) {
				return value, nil
			}
		}
	}
	return "", fmt.Errorf("unrecognized defaultfunc %s", f.Defaultfunc)
}

func (tx *Tx) valueInUse(rectype, field, value string) bool {
	for _, rec := range tx.snap.RecordsOf(rectype) {
		if rec.Fields.Get(field) == value {
			return true
		}
	}
	return false
}

// linkPartners reads the recids on the far side of a link end,
// insertion order.
func (r *RecordHandle) linkPartners(ref template.EndRef) []string {
	if ref.FromSide {
		return r.tx.snap.LinkTargets(ref.Linktype, r.rec.Recid)
	}
	return r.tx.snap.LinkSources(ref.Linktype, r.rec.Recid)
}

// setLink rewires a singular link end. The prior partner, if any, loses
// its reciprocal edge.
func (r *RecordHandle) setLink(ref template.EndRef, value any) error {
	if !ref.End.Singular {
		return fmt.Errorf("%s is a plural link end; use Links(%q)", ref.End.Name, ref.End.Name)
	}

	if value == nil || value == "" {
		for _, partner := range r.linkPartners(ref) {
			r.tx.unlinkRecords(ref, r.rec.Recid, partner)
		}
		return nil
	}

	partner, err := r.tx.resolveRecid(value)
	if err != nil {
		return err
	}
	return r.tx.linkRecords(ref, r.rec.Recid, partner)
}

// Links exposes the plural side of a link end.
func (r *RecordHandle) Links(endName string) (*LinkSet, error) {
	doc, err := r.tx.template()
	if err != nil {
		return nil, err
	}
	ref, ok := doc.EndByName(r.rec.Rectype, endName)
	if !ok {
		return nil, &types.ValidationError{Kind: types.ErrUnknownField, Rectype: r.rec.Rectype, Field: endName, Msg: "undeclared link end"}
	}
	if ref.End.Singular {
		return nil, fmt.Errorf("%s is a singular link end; use Get/Set", endName)
	}
	return &LinkSet{r: r, ref: ref}, nil
}

// LinkSet is the plural-end view of a link: ordered, stable within one
// open, with reciprocal updates on add/remove.
type LinkSet struct {
	r   *RecordHandle
	ref template.EndRef
}

func (ls *LinkSet) Len() int {
	return len(ls.r.linkPartners(ls.ref))
}

func (ls *LinkSet) ToArray() []string {
	return ls.r.linkPartners(ls.ref)
}

func (ls *LinkSet) Has(recid string) bool {
	return pkg.Contains(ls.r.linkPartners(ls.ref), recid)
}

func (ls *LinkSet) Add(member any) error {
	partner, err := ls.r.tx.resolveRecid(member)
	if err != nil {
		return err
	}
	return ls.r.tx.linkRecords(ls.ref, ls.r.rec.Recid, partner)
}

func (ls *LinkSet) Remove(member any) error {
	partner, err := ls.r.tx.resolveRecid(member)
	if err != nil {
		return err
	}
	if !pkg.Contains(ls.r.linkPartners(ls.ref), partner) {
		return &types.ValidationError{Kind: types.ErrNotFound, Recid: partner, Msg: fmt.Sprintf("not a member of %s", ls.ref.End.Name)}
	}
	ls.r.tx.unlinkRecords(ls.ref, ls.r.rec.Recid, partner)
	return nil
}

func (tx *Tx) resolveRecid(value any) (string, error) {
	switch value := value.(type) {
	case string:
		if _, ok := tx.snap.GetRecord(value); !ok {
			return "", &types.ValidationError{Kind: types.ErrNotFound, Recid: value, Msg: "no such record"}
		}
		return value, nil
	case *RecordHandle:
		return value.rec.Recid, nil
	}
	return "", fmt.Errorf("expected recid or record handle, got %T", value)
}

// linkRecords creates the edge between anchor and partner as seen from
// the anchor's end, evicting edges that would violate singularity on
// either side.
func (tx *Tx) linkRecords(ref template.EndRef, anchor, partner string) error {
	other, ok := tx.snap.GetRecord(partner)
	if !ok {
		return &types.ValidationError{Kind: types.ErrNotFound, Recid: partner, Msg: "no such record"}
	}
	if !pkg.Contains(ref.Other.LinkRectypes, other.Rectype) {
		return &types.ValidationError{
			Kind: types.ErrTypeMismatch, Rectype: other.Rectype, Field: ref.End.Name, Recid: partner,
			Msg: fmt.Sprintf("rectype %s not allowed on link %s", other.Rectype, ref.Linktype),
		}
	}

	from, to := anchor, partner
	if !ref.FromSide {
		from, to = partner, anchor
	}

	lt_from, lt_to := ref.End, ref.Other
	if !ref.FromSide {
		lt_from, lt_to = ref.Other, ref.End
	}

	affected := pkg.Map[string, bool]{from: true, to: true}
	if lt_from.Singular {
		for _, prior := range tx.snap.LinkTargets(ref.Linktype, from) {
			tx.snap.RemoveEdge(ref.Linktype, from, prior)
			affected.Set(prior, true)
		}
	}
	if lt_to.Singular {
		for _, prior := range tx.snap.LinkSources(ref.Linktype, to) {
			tx.snap.RemoveEdge(ref.Linktype, prior, to)
			affected.Set(prior, true)
		}
	}

	tx.snap.AddEdge(ref.Linktype, from, to)
	for recid := range affected {
		tx.touched.Set(recid, true)
		tx.recomputeCalc(recid)
	}
	return nil
}

func (tx *Tx) unlinkRecords(ref template.EndRef, anchor, partner string) {
	from, to := anchor, partner
	if !ref.FromSide {
		from, to = partner, anchor
	}
	tx.snap.RemoveEdge(ref.Linktype, from, to)
	tx.touched.Set(from, true)
	tx.touched.Set(to, true)
	tx.recomputeCalc(from)
	tx.recomputeCalc(to)
}
