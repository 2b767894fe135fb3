package db

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/zinghub/zingdb/internal/template"
	"github.com/zinghub/zingdb/internal/types"
	"github.com/zinghub/zingdb/pkg"
)

// Tx is one sequential unit of work against a base changeset. All reads
// and writes are synchronous against the staged snapshot; nothing is
// visible outside the transaction until Commit.
type Tx struct {
	h    *Handle
	base string
	user string

	snap *Snapshot

	touched pkg.Map[string, bool]
	created pkg.Map[string, bool]
	deleted pkg.Map[string, bool]

	done bool
}

func (tx *Tx) Base() string { return tx.base }

// SetTemplate validates and installs a template document. Installing
// over a non-empty database is last-write-wins: stored values keep
// their written datatypes and validation applies going forward.
func (tx *Tx) SetTemplate(doc *template.Doc) []*types.ValidationError {
	if errs := template.Validate(doc); len(errs) > 0 {
		return errs
	}
	tx.snap.Template = doc
	return nil
}

func (tx *Tx) template() (*template.Doc, error) {
	if tx.snap.Template == nil {
		return nil, types.NewError(types.ErrInvalidTemplate, "no template installed")
	}
	return tx.snap.Template, nil
}

// NewRecord allocates a fresh recid, applies defaults and stages the
// record for insertion.
func (tx *Tx) NewRecord(rectype string, initial map[string]any) (*RecordHandle, error) {
	if tx.done {
		return nil, fmt.Errorf("transaction already closed")
	}
	doc, err := tx.template()
	if err != nil {
		return nil, err
	}
	rt, ok := doc.GetRectype(rectype)
	if !ok {
		return nil, &types.ValidationError{Kind: types.ErrUnknownRectype, Rectype: rectype, Msg: "undeclared rectype"}
	}

	rec := &Record{
		Recid:   uuid.NewString(),
		Rectype: rectype,
		Fields:  pkg.Map[string, any]{},
		History: []string{},
	}
	tx.snap.PutRecord(rec)
	tx.created.Set(rec.Recid, true)
	tx.touched.Set(rec.Recid, true)

	handle := &RecordHandle{tx: tx, rec: rec}
	if err := handle.applyDefaults(rt, initial); err != nil {
		tx.snap.RemoveRecord(rec.Recid)
		tx.created.Delete(rec.Recid)
		tx.touched.Delete(rec.Recid)
		return nil, err
	}
	// aggregates read their zero-membership values from the start
	tx.recomputeCalc(rec.Recid)
	for field, value := range initial {
		if err := handle.Set(field, value); err != nil {
			tx.snap.RemoveRecord(rec.Recid)
			tx.created.Delete(rec.Recid)
			tx.touched.Delete(rec.Recid)
			return nil, err
		}
	}
	return handle, nil
}

// OpenRecord resolves a record as of the transaction's base changeset,
// including earlier pending edits in this transaction.
func (tx *Tx) OpenRecord(recid string) (*RecordHandle, error) {
	if tx.done {
		return nil, fmt.Errorf("transaction already closed")
	}
	if tx.deleted.Has(recid) {
		return nil, &types.ValidationError{Kind: types.ErrPending, Recid: recid, Msg: "record deleted earlier in this transaction"}
	}
	rec, ok := tx.snap.GetRecord(recid)
	if !ok {
		return nil, &types.ValidationError{Kind: types.ErrNotFound, Recid: recid, Msg: "no such record"}
	}
	return &RecordHandle{tx: tx, rec: rec}, nil
}

// DeleteRecord stages a delete. A record created earlier in this same
// transaction vanishes entirely (it never existed outside it).
// Referential checks run at commit, not here.
func (tx *Tx) DeleteRecord(recid string) error {
	if tx.done {
		return fmt.Errorf("transaction already closed")
	}
	if tx.deleted.Has(recid) {
		return &types.ValidationError{Kind: types.ErrPending, Recid: recid, Msg: "record deleted earlier in this transaction"}
	}
	if _, ok := tx.snap.GetRecord(recid); !ok {
		return &types.ValidationError{Kind: types.ErrNotFound, Recid: recid, Msg: "no such record"}
	}

	severed := tx.snap.SeverRecord(recid)
	tx.snap.RemoveRecord(recid)

	if tx.created.Has(recid) {
		tx.created.Delete(recid)
		tx.touched.Delete(recid)
	} else {
		tx.deleted.Set(recid, true)
		tx.touched.Set(recid, true)
	}

	// severed partners lose link membership; their aggregates and
	// history must reflect that
	for _, edges := range severed {
		for _, e := range edges {
			partner := e.From
			if partner == recid {
				partner = e.To
			}
			if _, ok := tx.snap.GetRecord(partner); ok {
				tx.touched.Set(partner, true)
				tx.recomputeCalc(partner)
			}
		}
	}
	return nil
}

// CommitResult carries either the new changeset coordinates or the full
// list of validation problems (in which case nothing was persisted).
type CommitResult struct {
	Csid       string
	Generation int
	Errors     []*types.ValidationError
}

func (r *CommitResult) Ok() bool { return len(r.Errors) == 0 }

// Commit validates the whole pending change set and appends one
// changeset on success. On failure the transaction stays open for
// correction or abort.
func (tx *Tx) Commit() (*CommitResult, error) {
	if tx.done {
		return nil, fmt.Errorf("transaction already closed")
	}

	if errs := tx.validate(); len(errs) > 0 {
		pkg.DebugLog("commit validation failed", len(errs))
		return &CommitResult{Errors: errs}, nil
	}

	tx.snap.Touched = tx.touched.Keys()
	payload, err := tx.snap.Encode()
	if err != nil {
		return nil, err
	}

	var parents []string
	if tx.base != "" {
		parents = []string{tx.base}
	}
	cs, err := tx.h.Store.CreateChangeset(parents, payload)
	if err != nil {
		return nil, err
	}

	tx.done = true
	pkg.DebugLog("committed changeset", cs.Id, "generation", cs.Generation)
	return &CommitResult{Csid: cs.Id, Generation: cs.Generation}, nil
}

// Abort discards all pending changes atomically.
func (tx *Tx) Abort() {
	tx.done = true
	tx.snap = nil
}

// validate runs every commit-time check and aggregates the errors so a
// caller sees all problems at once.
func (tx *Tx) validate() []*types.ValidationError {
	errs := []*types.ValidationError{}
	doc := tx.snap.Template
	if doc == nil {
		if tx.snap.Records.Len() > 0 {
			errs = append(errs, types.NewError(types.ErrInvalidTemplate, "no template installed"))
		}
		return errs
	}

	records := tx.snap.IterRecords()

	// required fields
	for _, rec := range records {
		rt, ok := doc.GetRectype(rec.Rectype)
		if !ok {
			errs = append(errs, &types.ValidationError{
				Kind: types.ErrUnknownRectype, Rectype: rec.Rectype, Recid: rec.Recid,
				Msg: "record of undeclared rectype",
			})
			continue
		}
		for f_name, field := range rt.Fields {
			if field == nil || !field.Required {
				continue
			}
			if !rec.Fields.Has(f_name) || rec.Fields.Get(f_name) == nil {
				errs = append(errs, &types.ValidationError{
					Kind: types.ErrRequired, Rectype: rec.Rectype, Field: f_name, Recid: rec.Recid,
					Msg: "required field not set",
				})
			}
		}
	}

	errs = append(errs, tx.validateUnique(records)...)
	errs = append(errs, tx.validateRequiredLinks(records)...)
	return errs
}

// validateUnique enforces unique constraints across all live records of
// each rectype, pending creates included.
func (tx *Tx) validateUnique(records []*Record) []*types.ValidationError {
	errs := []*types.ValidationError{}
	doc := tx.snap.Template

	for rt_name, rt := range doc.Rectypes {
		for f_name, field := range rt.Fields {
			if field == nil || !field.Unique {
				continue
			}
			seen := pkg.Map[string, string]{}
			for _, rec := range records {
				if rec.Rectype != rt_name || !rec.Fields.Has(f_name) {
					continue
				}
				value := rec.Fields.Get(f_name)
				if value == nil {
					continue
				}
				key := formatIndexValue(value)
				if prev := seen.Get(key); prev != "" {
					errs = append(errs, &types.ValidationError{
						Kind: types.ErrUnique, Rectype: rt_name, Field: f_name, Recid: rec.Recid, Value: value,
						Msg: fmt.Sprintf("value %v already used by record %s", value, prev),
					})
					continue
				}
				seen.Set(key, rec.Recid)
			}
		}
	}
	return errs
}

// validateRequiredLinks needs the full link-graph view, so it only runs
// at commit. It covers both a record whose own required end is empty
// and a delete that orphaned someone else's required end.
func (tx *Tx) validateRequiredLinks(records []*Record) []*types.ValidationError {
	errs := []*types.ValidationError{}
	doc := tx.snap.Template

	for _, rec := range records {
		for _, ref := range doc.EndsFor(rec.Rectype) {
			if !ref.End.Singular || !ref.End.Required {
				continue
			}
			var partners []string
			if ref.FromSide {
				partners = tx.snap.LinkTargets(ref.Linktype, rec.Recid)
			} else {
				partners = tx.snap.LinkSources(ref.Linktype, rec.Recid)
			}
			if len(partners) == 0 {
				errs = append(errs, &types.ValidationError{
					Kind: types.ErrRequiredLink, Rectype: rec.Rectype, Field: ref.End.Name, Recid: rec.Recid,
					Msg: fmt.Sprintf("required link %s not satisfied", ref.Linktype),
				})
			}
		}
	}
	return errs
}

func formatIndexValue(v any) string {
	return fmt.Sprintf("%v", v)
}
