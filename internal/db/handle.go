package db

import (
	"fmt"
	"time"

	"github.com/zinghub/zingdb/internal/dag"
	"github.com/zinghub/zingdb/internal/template"
	"github.com/zinghub/zingdb/internal/types"
	"github.com/zinghub/zingdb/pkg"
)

// Handle binds the engine to one named dag. It holds no record state of
// its own; every view is computed from a changeset payload.
type Handle struct {
	Name  string
	Store dag.Store
	Blobs dag.Blobs
	// other dags referenced by dagnode fields, keyed by dag name
	Dags pkg.Map[string, dag.Store]
}

type Options struct {
	LogLevel pkg.LogLevel
	Dags     pkg.Map[string, dag.Store]
}

func Open(name string, store dag.Store, blobs dag.Blobs, opts Options) *Handle {
	GobRegisterTypes()
	pkg.SetLogLevel(opts.LogLevel)

	dags := opts.Dags
	if dags == nil {
		dags = pkg.Map[string, dag.Store]{}
	}
	pkg.DebugLog("opened database handle", name)
	return &Handle{Name: name, Store: store, Blobs: blobs, Dags: dags}
}

func (h *Handle) GetLeaves() []string {
	return h.Store.ListLeaves()
}

// Tip resolves the current effective changeset: the single leaf, or ""
// for an empty dag. More than one leaf means unreconciled concurrent
// commits; callers must merge first.
func (h *Handle) Tip() (string, error) {
	leaves := h.Store.ListLeaves()
	switch len(leaves) {
	case 0:
		return "", nil
	case 1:
		return leaves[0], nil
	}
	return "", fmt.Errorf("dag %s has %d unmerged leaves", h.Name, len(leaves))
}

// SnapshotAt loads the record-store view as of a changeset. An empty
// csid means the current tip; an empty dag yields an empty snapshot.
func (h *Handle) SnapshotAt(csid string) (*Snapshot, error) {
	if csid == "" {
		tip, err := h.Tip()
		if err != nil {
			return nil, err
		}
		if tip == "" {
			return NewSnapshot(), nil
		}
		csid = tip
	}

	cs, err := h.Store.ReadChangeset(csid)
	if err != nil {
		return nil, err
	}
	return DecodeSnapshot(cs.Payload, cs.Id)
}

func (h *Handle) Template(asOf string) (*template.Doc, error) {
	snap, err := h.SnapshotAt(asOf)
	if err != nil {
		return nil, err
	}
	return snap.Template, nil
}

// GetRecord returns a read-only copy of a record as of a changeset.
func (h *Handle) GetRecord(recid, asOf string) (*Record, error) {
	snap, err := h.SnapshotAt(asOf)
	if err != nil {
		return nil, err
	}
	rec, ok := snap.GetRecord(recid)
	if !ok {
		return nil, &types.ValidationError{Kind: types.ErrNotFound, Recid: recid, Msg: "no such record"}
	}
	return rec.Clone(), nil
}

// HistoryEntry resolves one history csid against the dag.
type HistoryEntry struct {
	Csid       string
	Generation int
	Time       time.Time
}

// GetHistory lists the changesets that touched a record, newest first,
// truncated to entries at-or-before the asOf view.
func (h *Handle) GetHistory(recid, asOf string) ([]HistoryEntry, error) {
	snap, err := h.SnapshotAt(asOf)
	if err != nil {
		return nil, err
	}
	rec, ok := snap.GetRecord(recid)
	if !ok {
		return nil, &types.ValidationError{Kind: types.ErrNotFound, Recid: recid, Msg: "no such record"}
	}

	entries := make([]HistoryEntry, 0, len(rec.History))
	for _, csid := range rec.History {
		cs, err := h.Store.ReadChangeset(csid)
		if err != nil {
			return nil, err
		}
		entries = append(entries, HistoryEntry{Csid: cs.Id, Generation: cs.Generation, Time: cs.Time})
	}
	return entries, nil
}

// BeginTx opens a transaction against a base changeset ("" means the
// current tip). The staged state is a deep copy; concurrent transactions
// never observe each other.
func (h *Handle) BeginTx(base, actingUser string) (*Tx, error) {
	if base == "" {
		tip, err := h.Tip()
		if err != nil {
			return nil, err
		}
		base = tip
	}

	var snap *Snapshot
	if base == "" {
		snap = NewSnapshot()
	} else {
		loaded, err := h.SnapshotAt(base)
		if err != nil {
			return nil, err
		}
		snap = loaded
	}

	return &Tx{
		h:       h,
		base:    base,
		user:    actingUser,
		snap:    snap.Clone(),
		touched: pkg.Map[string, bool]{},
		created: pkg.Map[string, bool]{},
		deleted: pkg.Map[string, bool]{},
	}, nil
}
