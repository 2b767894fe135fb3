package db_test

import (
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/zinghub/zingdb/internal/dag"
	. "github.com/zinghub/zingdb/internal/db"
	"github.com/zinghub/zingdb/internal/types"
	"github.com/zinghub/zingdb/pkg"
)

func TestSetTypeChecks(t *testing.T) {
	h := openTestDB(t)
	installTemplate(t, h, testTemplate)
	tx, _ := h.BeginTx("", "tester")
	task, _ := tx.NewRecord("task", map[string]any{"title": "typed"})

	t.Run("int", func(t *testing.T) {
		assert.NilError(t, task.Set("points", 42))
		assert.Equal(t, mustGet(t, task, "points"), 42)

		// json numbers arrive as float64
		assert.NilError(t, task.Set("points", float64(7)))
		assert.Equal(t, mustGet(t, task, "points"), 7)

		err := task.Set("points", "many")
		assert.Equal(t, types.KindOf(err), types.ErrTypeMismatch)
	})

	t.Run("bool", func(t *testing.T) {
		assert.NilError(t, task.Set("done", true))
		err := task.Set("done", 1)
		assert.Equal(t, types.KindOf(err), types.ErrTypeMismatch)
	})

	t.Run("datetime", func(t *testing.T) {
		assert.NilError(t, task.Set("due", "2026-03-01T12:00:00Z"))
		due := mustGet(t, task, "due").(time.Time)
		assert.Equal(t, due.Year(), 2026)

		assert.NilError(t, task.Set("due", time.UnixMilli(1700000000000)))
		err := task.Set("due", "not a date")
		assert.Equal(t, types.KindOf(err), types.ErrTypeMismatch)
	})

	t.Run("unknown field", func(t *testing.T) {
		err := task.Set("color", "red")
		assert.Equal(t, types.KindOf(err), types.ErrUnknownField)
		_, err = task.Get("color")
		assert.Equal(t, types.KindOf(err), types.ErrUnknownField)
	})

	t.Run("clear optional field", func(t *testing.T) {
		assert.NilError(t, task.Set("points", nil))
		assert.Equal(t, mustGet(t, task, "points"), nil)

		err := task.Set("title", nil)
		assert.Equal(t, types.KindOf(err), types.ErrRequired)
	})
}

func TestSetConstraintChecks(t *testing.T) {
	h := openTestDB(t)
	installTemplate(t, h, testTemplate)
	tx, _ := h.BeginTx("", "tester")
	task, _ := tx.NewRecord("task", map[string]any{"title": "bounded"})

	assert.Equal(t, types.KindOf(task.Set("points", -1)), types.ErrMin)
	assert.Equal(t, types.KindOf(task.Set("points", 101)), types.ErrMax)
	assert.Equal(t, types.KindOf(task.Set("status", "paused")), types.ErrAllowed)
	assert.Equal(t, types.KindOf(task.Set("priority", 9)), types.ErrAllowed)
	assert.NilError(t, task.Set("status", "doing"))
}

func TestLinks(t *testing.T) {
	h := openTestDB(t)
	installTemplate(t, h, testTemplate)
	tx, _ := h.BeginTx("", "tester")

	p1, _ := tx.NewRecord("project", map[string]any{"name": "one"})
	p2, _ := tx.NewRecord("project", map[string]any{"name": "two"})
	task, _ := tx.NewRecord("task", map[string]any{"title": "shared"})

	t.Run("singular end reads and writes like a field", func(t *testing.T) {
		assert.NilError(t, task.Set("project", p1))
		assert.Equal(t, mustGet(t, task, "project"), p1.Recid())

		tasks, err := p1.Links("tasks")
		assert.NilError(t, err)
		assert.Assert(t, tasks.Has(task.Recid()))
		assert.Equal(t, tasks.Len(), 1)
	})

	t.Run("singular eviction", func(t *testing.T) {
		assert.NilError(t, task.Set("project", p2))
		assert.Equal(t, mustGet(t, task, "project"), p2.Recid())

		old, _ := p1.Links("tasks")
		assert.Equal(t, old.Len(), 0, "reassignment must drop the prior edge")
	})

	t.Run("plural end refuses Get", func(t *testing.T) {
		_, err := p1.Get("tasks")
		assert.ErrorContains(t, err, "plural link end")
		_, err = task.Links("project")
		assert.ErrorContains(t, err, "singular link end")
	})

	t.Run("add and remove from plural side", func(t *testing.T) {
		extra, _ := tx.NewRecord("task", map[string]any{"title": "extra"})
		tasks, _ := p1.Links("tasks")
		assert.NilError(t, tasks.Add(extra))
		assert.NilError(t, tasks.Add(task))
		assert.DeepEqual(t, tasks.ToArray(), []string{extra.Recid(), task.Recid()})

		// adding to p1 evicted the singular project end on task
		assert.Equal(t, mustGet(t, task, "project"), p1.Recid())

		assert.NilError(t, tasks.Remove(extra.Recid()))
		assert.Assert(t, !tasks.Has(extra.Recid()))
		err := tasks.Remove(extra.Recid())
		assert.Equal(t, types.KindOf(err), types.ErrNotFound)
	})

	t.Run("rectype not allowed on end", func(t *testing.T) {
		tasks, _ := p1.Links("tasks")
		err := tasks.Add(p2)
		assert.Equal(t, types.KindOf(err), types.ErrTypeMismatch)
	})

	t.Run("unlink via nil", func(t *testing.T) {
		assert.NilError(t, task.Set("project", nil))
		assert.Equal(t, mustGet(t, task, "project"), nil)
	})
}

const requiredLinkTemplate = `{
"version": 1,
"rectypes": {
    "invoice": {"fields": {"number": {"datatype": "string", "required": true}}},
    "customer": {"fields": {"name": {"datatype": "string"}}}
},
"linktypes": {
    "billing": {
        "from": {"name": "customer", "link_rectypes": ["invoice"], "singular": true, "required": true},
        "to": {"name": "invoices", "link_rectypes": ["customer"], "singular": false}
    }
}
}`

func TestRequiredLink(t *testing.T) {
	h := openTestDB(t)
	installTemplate(t, h, requiredLinkTemplate)

	tx, _ := h.BeginTx("", "tester")
	invoice, _ := tx.NewRecord("invoice", map[string]any{"number": "INV-1"})

	res, err := tx.Commit()
	assert.NilError(t, err)
	assert.Assert(t, !res.Ok())
	assert.Equal(t, res.Errors[0].Kind, types.ErrRequiredLink)

	customer, _ := tx.NewRecord("customer", map[string]any{"name": "acme"})
	assert.NilError(t, invoice.Set("customer", customer))
	res, _ = tx.Commit()
	assert.Assert(t, res.Ok())

	// deleting the customer orphans the invoice
	tx, _ = h.BeginTx("", "tester")
	assert.NilError(t, tx.DeleteRecord(customer.Recid()))
	res, _ = tx.Commit()
	assert.Assert(t, !res.Ok())
	assert.Equal(t, res.Errors[0].Kind, types.ErrRequiredLink)
}

const externalRefTemplate = `{
"version": 1,
"rectypes": {
    "doc": {
        "fields": {
            "content": {"datatype": "attachment"},
            "origin": {"datatype": "dagnode", "dag": "upstream"}
        }
    }
}
}`

func TestAttachmentAndDagnode(t *testing.T) {
	upstream := dag.NewMemStore()
	known, err := upstream.CreateChangeset(nil, []byte("payload"))
	assert.NilError(t, err)

	h := Open("main", dag.NewMemStore(), dag.NewMemBlobs(), Options{
		Dags: pkg.Map[string, dag.Store]{"upstream": upstream},
	})
	installTemplate(t, h, externalRefTemplate)
	tx, _ := h.BeginTx("", "tester")

	doc, err := tx.NewRecord("doc", nil)
	assert.NilError(t, err)

	t.Run("attachment content round-trips by ref", func(t *testing.T) {
		assert.NilError(t, doc.Set("content", []byte("report body")))
		ref := mustGet(t, doc, "content").(string)
		data, ok := h.Blobs.Get(ref)
		assert.Assert(t, ok)
		assert.Equal(t, string(data), "report body")
	})

	t.Run("dagnode must resolve in the named dag", func(t *testing.T) {
		assert.NilError(t, doc.Set("origin", known.Id))
		err := doc.Set("origin", "no-such-changeset")
		assert.Equal(t, types.KindOf(err), types.ErrTypeMismatch)
	})
}
