package merge_test

import (
	"testing"

	"gotest.tools/assert"

	"github.com/zinghub/zingdb/internal/dag"
	"github.com/zinghub/zingdb/internal/db"
	. "github.com/zinghub/zingdb/internal/merge"
	"github.com/zinghub/zingdb/internal/template"
	"github.com/zinghub/zingdb/internal/types"
)

const mergeTemplate = `{
"version": 1,
"rectypes": {
    "task": {
        "fields": {
            "title": {"datatype": "string", "required": true},
            "notes": {"datatype": "string", "merge": {"auto": ["most_recent"]}},
            "memo": {"datatype": "string", "merge": {"auto": ["least_recent"]}},
            "score": {"datatype": "int", "merge": {"auto": ["sum"]}},
            "floor": {"datatype": "int", "merge": {"auto": ["min"]}},
            "label": {"datatype": "string"}
        }
    },
    "note": {
        "merge_type": "record",
        "fields": {"body": {"datatype": "string"}}
    }
}
}`

func openMergeDB(t *testing.T, tmpl string) (*db.Handle, string) {
	t.Helper()
	h := db.Open("main", dag.NewMemStore(), dag.NewMemBlobs(), db.Options{})

	doc, err := template.Parse([]byte(tmpl))
	assert.NilError(t, err)
	tx, err := h.BeginTx("", "tester")
	assert.NilError(t, err)
	assert.Equal(t, len(tx.SetTemplate(doc)), 0)
	res, err := tx.Commit()
	assert.NilError(t, err)
	assert.Assert(t, res.Ok())
	return h, res.Csid
}

func commitFrom(t *testing.T, h *db.Handle, base, user string, mutate func(tx *db.Tx)) string {
	t.Helper()
	tx, err := h.BeginTx(base, user)
	assert.NilError(t, err)
	mutate(tx)
	res, err := tx.Commit()
	assert.NilError(t, err)
	assert.Assert(t, res.Ok(), "commit failed: %v", types.Combine(res.Errors))
	return res.Csid
}

func TestMergeNeedsTwoLeaves(t *testing.T) {
	h, _ := openMergeDB(t, mergeTemplate)
	_, err := Merge(h)
	assert.ErrorContains(t, err, "at least 2 leaves")
}

func TestMergeDisjointEdits(t *testing.T) {
	h, _ := openMergeDB(t, mergeTemplate)

	var recid string
	base := commitFrom(t, h, "", "alice", func(tx *db.Tx) {
		task, err := tx.NewRecord("task", map[string]any{"title": "shared"})
		assert.NilError(t, err)
		recid = task.Recid()
	})

	commitFrom(t, h, base, "alice", func(tx *db.Tx) {
		task, _ := tx.OpenRecord(recid)
		assert.NilError(t, task.Set("notes", "from alice"))
	})
	commitFrom(t, h, base, "bob", func(tx *db.Tx) {
		task, _ := tx.OpenRecord(recid)
		assert.NilError(t, task.Set("label", "from bob"))
	})
	assert.Equal(t, len(h.GetLeaves()), 2)

	res, err := Merge(h)
	assert.NilError(t, err)
	assert.Assert(t, res.Ok(), "unexpected conflicts: %v", types.Combine(res.Errors))
	assert.Equal(t, res.Generation, 4)
	assert.Equal(t, len(h.GetLeaves()), 1)

	rec, err := h.GetRecord(recid, "")
	assert.NilError(t, err)
	assert.Equal(t, rec.Fields.Get("notes"), "from alice")
	assert.Equal(t, rec.Fields.Get("label"), "from bob")

	// merge changeset heads the unified history
	assert.Equal(t, rec.History[0], res.Csid)
	assert.Equal(t, len(rec.History), 4)
}

func TestMergeIndependentAdds(t *testing.T) {
	h, base := openMergeDB(t, mergeTemplate)

	var left, right string
	commitFrom(t, h, base, "alice", func(tx *db.Tx) {
		task, _ := tx.NewRecord("task", map[string]any{"title": "from alice"})
		left = task.Recid()
	})
	commitFrom(t, h, base, "bob", func(tx *db.Tx) {
		task, _ := tx.NewRecord("task", map[string]any{"title": "from bob"})
		right = task.Recid()
	})

	res, err := Merge(h)
	assert.NilError(t, err)
	assert.Assert(t, res.Ok())

	for _, recid := range []string{left, right} {
		_, err := h.GetRecord(recid, "")
		assert.NilError(t, err)
	}
}

func TestMergeConflictCommitsNothing(t *testing.T) {
	h, _ := openMergeDB(t, mergeTemplate)

	var recid string
	base := commitFrom(t, h, "", "alice", func(tx *db.Tx) {
		task, _ := tx.NewRecord("task", map[string]any{"title": "contested"})
		recid = task.Recid()
	})

	// label declares no automerge policy
	commitFrom(t, h, base, "alice", func(tx *db.Tx) {
		task, _ := tx.OpenRecord(recid)
		assert.NilError(t, task.Set("label", "alice wins"))
	})
	commitFrom(t, h, base, "bob", func(tx *db.Tx) {
		task, _ := tx.OpenRecord(recid)
		assert.NilError(t, task.Set("label", "bob wins"))
	})

	res, err := Merge(h)
	assert.NilError(t, err)
	assert.Assert(t, !res.Ok())
	assert.Equal(t, res.Errors[0].Kind, types.ErrMerge)
	assert.Equal(t, res.Errors[0].Recid, recid)
	assert.Equal(t, res.Errors[0].Field, "label")

	// both branches stay put for manual resolution
	assert.Equal(t, len(h.GetLeaves()), 2)
}

func TestMergePolicies(t *testing.T) {
	h, _ := openMergeDB(t, mergeTemplate)

	var recid string
	base := commitFrom(t, h, "", "alice", func(tx *db.Tx) {
		task, err := tx.NewRecord("task", map[string]any{
			"title": "policies", "notes": "base", "memo": "base", "score": 10, "floor": 10,
		})
		assert.NilError(t, err)
		recid = task.Recid()
	})

	// alice commits first, bob's leaf is the more recent one
	commitFrom(t, h, base, "alice", func(tx *db.Tx) {
		task, _ := tx.OpenRecord(recid)
		assert.NilError(t, task.Set("notes", "alice"))
		assert.NilError(t, task.Set("memo", "alice"))
		assert.NilError(t, task.Set("score", 15))
		assert.NilError(t, task.Set("floor", 7))
	})
	commitFrom(t, h, base, "bob", func(tx *db.Tx) {
		task, _ := tx.OpenRecord(recid)
		assert.NilError(t, task.Set("notes", "bob"))
		assert.NilError(t, task.Set("memo", "bob"))
		assert.NilError(t, task.Set("score", 12))
		assert.NilError(t, task.Set("floor", 9))
	})

	res, err := Merge(h)
	assert.NilError(t, err)
	assert.Assert(t, res.Ok(), "unexpected conflicts: %v", types.Combine(res.Errors))

	rec, _ := h.GetRecord(recid, "")
	assert.Equal(t, rec.Fields.Get("notes"), "bob", "most_recent takes the later leaf")
	assert.Equal(t, rec.Fields.Get("memo"), "alice", "least_recent takes the earlier leaf")
	assert.Equal(t, rec.Fields.Get("score"), 17, "sum folds both deltas over the base")
	assert.Equal(t, rec.Fields.Get("floor"), 7)
}

func TestMergeThreeLeaves(t *testing.T) {
	h, _ := openMergeDB(t, mergeTemplate)

	var recid string
	base := commitFrom(t, h, "", "alice", func(tx *db.Tx) {
		task, err := tx.NewRecord("task", map[string]any{"title": "shared", "score": 10})
		assert.NilError(t, err)
		recid = task.Recid()
	})

	for i, user := range []string{"alice", "bob", "carol"} {
		bump := i + 1
		commitFrom(t, h, base, user, func(tx *db.Tx) {
			task, _ := tx.OpenRecord(recid)
			assert.NilError(t, task.Set("score", 10+bump))
		})
	}
	assert.Equal(t, len(h.GetLeaves()), 3)

	res, err := Merge(h)
	assert.NilError(t, err)
	assert.Assert(t, res.Ok(), "unexpected conflicts: %v", types.Combine(res.Errors))
	assert.Equal(t, len(res.Leaves), 3)
	assert.Equal(t, len(h.GetLeaves()), 1)

	rec, err := h.GetRecord(recid, "")
	assert.NilError(t, err)
	assert.Equal(t, rec.Fields.Get("score"), 16, "every branch's delta folds over the base in one pass")
	assert.Equal(t, rec.History[0], res.Csid)
}

func TestMergeRecordGranularity(t *testing.T) {
	h, _ := openMergeDB(t, mergeTemplate)

	var recid string
	base := commitFrom(t, h, "", "alice", func(tx *db.Tx) {
		note, _ := tx.NewRecord("note", map[string]any{"body": "base"})
		recid = note.Recid()
	})

	commitFrom(t, h, base, "alice", func(tx *db.Tx) {
		note, _ := tx.OpenRecord(recid)
		assert.NilError(t, note.Set("body", "alice"))
	})
	commitFrom(t, h, base, "bob", func(tx *db.Tx) {
		note, _ := tx.OpenRecord(recid)
		assert.NilError(t, note.Set("body", "bob"))
	})

	res, err := Merge(h)
	assert.NilError(t, err)
	assert.Assert(t, res.Ok())

	rec, _ := h.GetRecord(recid, "")
	assert.Equal(t, rec.Fields.Get("body"), "bob", "record granularity takes the later leaf whole")
}

func TestMergeDeleteRules(t *testing.T) {
	t.Run("delete against untouched wins", func(t *testing.T) {
		h, _ := openMergeDB(t, mergeTemplate)
		var doomed, bystander string
		base := commitFrom(t, h, "", "alice", func(tx *db.Tx) {
			a, _ := tx.NewRecord("task", map[string]any{"title": "doomed"})
			b, _ := tx.NewRecord("task", map[string]any{"title": "bystander"})
			doomed, bystander = a.Recid(), b.Recid()
		})

		commitFrom(t, h, base, "alice", func(tx *db.Tx) {
			assert.NilError(t, tx.DeleteRecord(doomed))
		})
		commitFrom(t, h, base, "bob", func(tx *db.Tx) {
			task, _ := tx.OpenRecord(bystander)
			assert.NilError(t, task.Set("notes", "unrelated"))
		})

		res, err := Merge(h)
		assert.NilError(t, err)
		assert.Assert(t, res.Ok())

		_, err = h.GetRecord(doomed, "")
		assert.Equal(t, types.KindOf(err), types.ErrNotFound)
		_, err = h.GetRecord(bystander, "")
		assert.NilError(t, err)
	})

	t.Run("delete against modify conflicts", func(t *testing.T) {
		h, _ := openMergeDB(t, mergeTemplate)
		var recid string
		base := commitFrom(t, h, "", "alice", func(tx *db.Tx) {
			task, _ := tx.NewRecord("task", map[string]any{"title": "contested"})
			recid = task.Recid()
		})

		commitFrom(t, h, base, "alice", func(tx *db.Tx) {
			assert.NilError(t, tx.DeleteRecord(recid))
		})
		commitFrom(t, h, base, "bob", func(tx *db.Tx) {
			task, _ := tx.OpenRecord(recid)
			assert.NilError(t, task.Set("notes", "still needed"))
		})

		res, err := Merge(h)
		assert.NilError(t, err)
		assert.Assert(t, !res.Ok())
		assert.Equal(t, res.Errors[0].Kind, types.ErrMerge)
		assert.ErrorContains(t, res.Errors[0], "deleted in one branch")
	})
}

const linkMergeTemplate = `{
"version": 1,
"rectypes": {
    "project": {
        "fields": {
            "name": {"datatype": "string"},
            "task_count": {"datatype": "int", "calculated": {"depends_on": "tasks", "function": "count", "field_from": "points"}}
        }
    },
    "task": {"fields": {"title": {"datatype": "string"}, "points": {"datatype": "int"}}}
},
"linktypes": {
    "project_tasks": {
        "from": {"name": "tasks", "link_rectypes": ["project"], "singular": false},
        "to": {"name": "project", "link_rectypes": ["task"], "singular": true}
    }
}
}`

func TestMergeLinkMembership(t *testing.T) {
	h, _ := openMergeDB(t, linkMergeTemplate)

	var project, task1, task2 string
	base := commitFrom(t, h, "", "alice", func(tx *db.Tx) {
		p, _ := tx.NewRecord("project", map[string]any{"name": "apollo"})
		t1, _ := tx.NewRecord("task", map[string]any{"title": "one", "points": 1})
		assert.NilError(t, t1.Set("project", p))
		project, task1 = p.Recid(), t1.Recid()
	})

	// alice links a new task, bob unlinks the old one
	commitFrom(t, h, base, "alice", func(tx *db.Tx) {
		t2, _ := tx.NewRecord("task", map[string]any{"title": "two", "points": 2})
		assert.NilError(t, t2.Set("project", project))
		task2 = t2.Recid()
	})
	commitFrom(t, h, base, "bob", func(tx *db.Tx) {
		p, _ := tx.OpenRecord(project)
		tasks, err := p.Links("tasks")
		assert.NilError(t, err)
		assert.NilError(t, tasks.Remove(task1))
	})

	res, err := Merge(h)
	assert.NilError(t, err)
	assert.Assert(t, res.Ok(), "unexpected conflicts: %v", types.Combine(res.Errors))

	snap, err := h.SnapshotAt("")
	assert.NilError(t, err)
	assert.DeepEqual(t, snap.LinkTargets("project_tasks", project), []string{task2})

	rec, _ := h.GetRecord(project, "")
	assert.Equal(t, rec.Fields.Get("task_count"), 1, "aggregates follow the merged membership")
}
