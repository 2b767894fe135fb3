package db

import (
	"bytes"
	"encoding/gob"
	"slices"
	"time"

	sorted "github.com/tobshub/go-sortedmap"

	"github.com/zinghub/zingdb/internal/template"
	"github.com/zinghub/zingdb/pkg"
)

// Record is one typed record instance. History holds the csids of every
// changeset that touched the record, newest first.
type Record struct {
	Recid   string
	Rectype string
	Fields  pkg.Map[string, any]
	History []string
}

func (r *Record) Clone() *Record {
	fields := pkg.Map[string, any]{}
	for k, v := range r.Fields {
		fields.Set(k, v)
	}
	return &Record{
		Recid:   r.Recid,
		Rectype: r.Rectype,
		Fields:  fields,
		History: slices.Clone(r.History),
	}
}

// Edge is one directed link instance: From sits on the linktype's "from"
// end, To on its "to" end.
type Edge struct {
	From string
	To   string
}

// Snapshot is the full record-store state as of one changeset. Records
// are the single owner of record data; Links is a non-owning adjacency
// index (linktype name -> ordered edge list).
type Snapshot struct {
	Template *template.Doc
	Records  *sorted.SortedMap[string, *Record]
	Links    pkg.Map[string, []Edge]
	// generator sequence state, keyed rectype.field.user
	Trackers pkg.Map[string, int]
	// recids modified by the changeset this snapshot was committed as
	Touched []string
}

func recordLess(a, b *Record) bool {
	return a.Recid < b.Recid
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Records:  sorted.New[string, *Record](0, recordLess),
		Links:    pkg.Map[string, []Edge]{},
		Trackers: pkg.Map[string, int]{},
	}
}

func GobRegisterTypes() {
	gob.Register(int(0))
	gob.Register(string(""))
	gob.Register(bool(false))
	gob.Register(time.Time{})
}

func (s *Snapshot) GetRecord(recid string) (*Record, bool) {
	return s.Records.Get(recid)
}

func (s *Snapshot) PutRecord(r *Record) {
	if !s.Records.Insert(r.Recid, r) {
		s.Records.Replace(r.Recid, r)
	}
}

func (s *Snapshot) RemoveRecord(recid string) {
	s.Records.Delete(recid)
}

// IterRecords drains the sorted map into a slice, recid order.
func (s *Snapshot) IterRecords() []*Record {
	records := []*Record{}
	if s.Records.Len() == 0 {
		return records
	}
	iterCh, err := s.Records.IterCh()
	if err != nil {
		return records
	}
	for rec := range iterCh.Records() {
		records = append(records, rec.Val)
	}
	return records
}

func (s *Snapshot) RecordsOf(rectype string) []*Record {
	return pkg.Filter(s.IterRecords(), func(r *Record) bool {
		return r.Rectype == rectype
	})
}

func (s *Snapshot) AddEdge(linktype, from, to string) {
	if s.HasEdge(linktype, from, to) {
		return
	}
	s.Links.Set(linktype, append(s.Links.Get(linktype), Edge{from, to}))
}

func (s *Snapshot) RemoveEdge(linktype, from, to string) {
	s.Links.Set(linktype, pkg.Filter(s.Links.Get(linktype), func(e Edge) bool {
		return e.From != from || e.To != to
	}))
}

func (s *Snapshot) HasEdge(linktype, from, to string) bool {
	for _, e := range s.Links.Get(linktype) {
		if e.From == from && e.To == to {
			return true
		}
	}
	return false
}

// LinkTargets returns the "to" partners of a record, insertion order.
func (s *Snapshot) LinkTargets(linktype, from string) []string {
	targets := []string{}
	for _, e := range s.Links.Get(linktype) {
		if e.From == from {
			targets = append(targets, e.To)
		}
	}
	return targets
}

// LinkSources returns the "from" partners of a record, insertion order.
func (s *Snapshot) LinkSources(linktype, to string) []string {
	sources := []string{}
	for _, e := range s.Links.Get(linktype) {
		if e.To == to {
			sources = append(sources, e.From)
		}
	}
	return sources
}

// SeverRecord drops every edge touching the record, returning the
// severed edges per linktype.
func (s *Snapshot) SeverRecord(recid string) pkg.Map[string, []Edge] {
	severed := pkg.Map[string, []Edge]{}
	for linktype, edges := range s.Links {
		kept := []Edge{}
		for _, e := range edges {
			if e.From == recid || e.To == recid {
				severed.Set(linktype, append(severed.Get(linktype), e))
			} else {
				kept = append(kept, e)
			}
		}
		s.Links.Set(linktype, kept)
	}
	return severed
}

// NextSeq increments and returns the tracked sequence for a generator key.
func (s *Snapshot) NextSeq(key string) int {
	next := s.Trackers.Get(key) + 1
	s.Trackers.Set(key, next)
	return next
}

func (s *Snapshot) Clone() *Snapshot {
	clone := NewSnapshot()
	clone.Template = s.Template
	for _, r := range s.IterRecords() {
		clone.PutRecord(r.Clone())
	}
	for linktype, edges := range s.Links {
		clone.Links.Set(linktype, slices.Clone(edges))
	}
	for key, seq := range s.Trackers {
		clone.Trackers.Set(key, seq)
	}
	return clone
}

// snapshotWire is the gob shape of a changeset payload. The template
// rides as its own json document and record history stops at the parent
// changesets; Touched marks the records this changeset modified.
type snapshotWire struct {
	TemplateJSON []byte
	Records      []*Record
	Links        map[string][]Edge
	Trackers     map[string]int
	Touched      []string
}

func (s *Snapshot) Encode() ([]byte, error) {
	wire := snapshotWire{
		Records:  s.IterRecords(),
		Links:    s.Links,
		Trackers: s.Trackers,
		Touched:  s.Touched,
	}
	if s.Template != nil {
		tmpl, err := encodeTemplate(s.Template)
		if err != nil {
			return nil, err
		}
		wire.TemplateJSON = tmpl
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wire); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot rebuilds a snapshot from a changeset payload. The csid
// of the changeset it came from completes the history of records the
// changeset touched.
func DecodeSnapshot(data []byte, csid string) (*Snapshot, error) {
	wire := snapshotWire{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&wire); err != nil {
		return nil, err
	}

	s := NewSnapshot()
	if len(wire.TemplateJSON) > 0 {
		doc, err := template.Parse(wire.TemplateJSON)
		if err != nil {
			return nil, err
		}
		s.Template = doc
	}

	touched := pkg.Map[string, bool]{}
	for _, recid := range wire.Touched {
		touched.Set(recid, true)
	}
	for _, r := range wire.Records {
		if r.Fields == nil {
			r.Fields = pkg.Map[string, any]{}
		}
		if touched.Has(r.Recid) {
			r.History = append([]string{csid}, r.History...)
		}
		s.PutRecord(r)
	}
	for linktype, edges := range wire.Links {
		s.Links.Set(linktype, edges)
	}
	for key, seq := range wire.Trackers {
		s.Trackers.Set(key, seq)
	}
	return s, nil
}

func encodeTemplate(doc *template.Doc) ([]byte, error) {
	return template.Marshal(doc)
}
