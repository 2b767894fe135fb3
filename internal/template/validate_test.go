package template_test

import (
	"testing"

	"gotest.tools/assert"

	. "github.com/zinghub/zingdb/internal/template"
	"github.com/zinghub/zingdb/internal/types"
)

func parse(t *testing.T, doc string) *Doc {
	t.Helper()
	parsed, err := Parse([]byte(doc))
	assert.NilError(t, err)
	return parsed
}

func TestParseTemplate(t *testing.T) {
	doc := parse(t, `{
"version": 1,
"rectypes": {
    "task": {
        "fields": {
            "title": {"datatype": "string", "required": true},
            "points": {"datatype": "int", "min": 0, "max": 100}
        }
    }
}
    }`)
	assert.Equal(t, len(Validate(doc)), 0)

	task := doc.Rectypes["task"]
	points, ok := task.GetField("points")
	assert.Assert(t, ok, "expected field points")
	assert.Equal(t, *points.Min, 0)
	assert.Equal(t, *points.Max, 100)
}

func TestParseTemplateUnknownKey(t *testing.T) {
	_, err := Parse([]byte(`{
"version": 1,
"rectypes": {
    "task": {"fields": {"title": {"datatype": "string", "color": "red"}}}
}
    }`))
	assert.ErrorContains(t, err, "unknown field")
	assert.Equal(t, types.KindOf(err), types.ErrInvalidTemplate)
}

func TestParseNormalizesIntConstraints(t *testing.T) {
	doc := parse(t, `{
"version": 1,
"rectypes": {
    "task": {"fields": {"priority": {"datatype": "int", "allowed": [1, 2, 3], "defaultvalue": 2}}}
}
    }`)
	priority, _ := doc.Rectypes["task"].GetField("priority")
	assert.Equal(t, priority.Allowed[0], 1)
	assert.Equal(t, priority.Defaultvalue, 2)
}

func TestValidateVersion(t *testing.T) {
	doc := parse(t, `{
"version": 99,
"rectypes": {
    "task": {"fields": {"title": {"datatype": "string"}}}
}
    }`)
	errs := Validate(doc)
	assert.Assert(t, len(errs) > 0)
	assert.ErrorContains(t, types.Combine(errs), "unsupported template version 99")
}

func TestValidateFieldRules(t *testing.T) {
	t.Run("min on string field", func(t *testing.T) {
		doc := parse(t, `{
"version": 1,
"rectypes": {"task": {"fields": {"title": {"datatype": "string", "min": 1}}}}
        }`)
		errs := Validate(doc)
		assert.Equal(t, len(errs), 1)
		assert.ErrorContains(t, errs[0], "min/max not valid on string field")
	})

	t.Run("min greater than max", func(t *testing.T) {
		doc := parse(t, `{
"version": 1,
"rectypes": {"task": {"fields": {"points": {"datatype": "int", "min": 10, "max": 3}}}}
        }`)
		errs := Validate(doc)
		assert.ErrorContains(t, errs[0], "min 10 greater than max 3")
	})

	t.Run("allowed and prohibited together", func(t *testing.T) {
		doc := parse(t, `{
"version": 1,
"rectypes": {"task": {"fields": {
    "status": {"datatype": "string", "allowed": ["a"], "prohibited": ["b"]}
}}}
        }`)
		errs := Validate(doc)
		assert.ErrorContains(t, errs[0], "allowed and prohibited cannot both be set")
	})

	t.Run("allowed outside min max", func(t *testing.T) {
		doc := parse(t, `{
"version": 1,
"rectypes": {"task": {"fields": {
    "points": {"datatype": "int", "min": 0, "max": 10, "allowed": [5, 50]}
}}}
        }`)
		errs := Validate(doc)
		assert.ErrorContains(t, errs[0], "allowed value 50 above max 10")
	})

	t.Run("defaultvalue violates constraint", func(t *testing.T) {
		doc := parse(t, `{
"version": 1,
"rectypes": {"task": {"fields": {
    "points": {"datatype": "int", "max": 10, "defaultvalue": 99}
}}}
        }`)
		errs := Validate(doc)
		assert.ErrorContains(t, errs[0], "defaultvalue 99 violates max")
	})

	t.Run("defaultfunc on int field", func(t *testing.T) {
		doc := parse(t, `{
"version": 1,
"rectypes": {"task": {"fields": {
    "points": {"datatype": "int", "defaultfunc": "gen_random_unique"}
}}}
        }`)
		errs := Validate(doc)
		assert.ErrorContains(t, errs[0], "defaultfunc only valid on string fields")
	})

	t.Run("sort_by_allowed without allowed", func(t *testing.T) {
		doc := parse(t, `{
"version": 1,
"rectypes": {"task": {"fields": {
    "status": {"datatype": "string", "sort_by_allowed": true}
}}}
        }`)
		errs := Validate(doc)
		assert.ErrorContains(t, errs[0], "sort_by_allowed requires an allowed list")
	})

	t.Run("dagnode without dag name", func(t *testing.T) {
		doc := parse(t, `{
"version": 1,
"rectypes": {"task": {"fields": {
    "source": {"datatype": "dagnode"}
}}}
        }`)
		errs := Validate(doc)
		assert.ErrorContains(t, errs[0], "dagnode field must name the dag it references")
	})
}

func TestValidateMergeSpec(t *testing.T) {
	t.Run("sum on string field", func(t *testing.T) {
		doc := parse(t, `{
"version": 1,
"rectypes": {"task": {"fields": {
    "title": {"datatype": "string", "merge": {"auto": ["sum"]}}
}}}
        }`)
		errs := Validate(doc)
		assert.ErrorContains(t, errs[0], "merge op sum not valid on string field")
	})

	t.Run("uniqify without unique", func(t *testing.T) {
		doc := parse(t, `{
"version": 1,
"rectypes": {"task": {"fields": {
    "slug": {"datatype": "string", "merge": {"uniqify": {"op": "inc_digits_end"}}}
}}}
        }`)
		errs := Validate(doc)
		assert.ErrorContains(t, errs[0], "uniqify policy requires a unique constraint")
	})

	t.Run("add without addend", func(t *testing.T) {
		doc := parse(t, `{
"version": 1,
"rectypes": {"task": {"fields": {
    "seq": {"datatype": "int", "unique": true, "merge": {"uniqify": {"op": "add"}}}
}}}
        }`)
		errs := Validate(doc)
		assert.ErrorContains(t, errs[0], "uniqify add requires a non-zero addend")
	})
}

func TestValidateLinktypes(t *testing.T) {
	t.Run("end name collides with field", func(t *testing.T) {
		doc := parse(t, `{
"version": 1,
"rectypes": {
    "task": {"fields": {"owner": {"datatype": "string"}}},
    "person": {"fields": {"name": {"datatype": "string"}}}
},
"linktypes": {
    "ownership": {
        "from": {"name": "owner", "link_rectypes": ["task"], "singular": true},
        "to": {"name": "tasks", "link_rectypes": ["person"], "singular": false}
    }
}
        }`)
		errs := Validate(doc)
		assert.ErrorContains(t, errs[0], "link end owner collides with a field on task")
	})

	t.Run("required on plural end", func(t *testing.T) {
		doc := parse(t, `{
"version": 1,
"rectypes": {
    "task": {"fields": {"title": {"datatype": "string"}}},
    "person": {"fields": {"name": {"datatype": "string"}}}
},
"linktypes": {
    "ownership": {
        "from": {"name": "owner", "link_rectypes": ["task"], "singular": true},
        "to": {"name": "tasks", "link_rectypes": ["person"], "singular": false, "required": true}
    }
}
        }`)
		errs := Validate(doc)
		assert.ErrorContains(t, errs[0], "required only valid on singular end tasks")
	})

	t.Run("undeclared rectype", func(t *testing.T) {
		doc := parse(t, `{
"version": 1,
"rectypes": {"task": {"fields": {"title": {"datatype": "string"}}}},
"linktypes": {
    "ownership": {
        "from": {"name": "owner", "link_rectypes": ["task"], "singular": true},
        "to": {"name": "tasks", "link_rectypes": ["ghost"]}
    }
}
        }`)
		errs := Validate(doc)
		assert.ErrorContains(t, errs[0], "ghost is not a declared rectype")
	})
}

func TestValidateCalculated(t *testing.T) {
	t.Run("valid aggregate", func(t *testing.T) {
		doc := parse(t, `{
"version": 1,
"rectypes": {
    "project": {"fields": {
        "name": {"datatype": "string"},
        "total": {"datatype": "int", "calculated": {"depends_on": "tasks", "function": "sum", "field_from": "points"}}
    }},
    "task": {"fields": {"points": {"datatype": "int"}}}
},
"linktypes": {
    "project_tasks": {
        "from": {"name": "tasks", "link_rectypes": ["project"], "singular": false},
        "to": {"name": "project", "link_rectypes": ["task"], "singular": true}
    }
}
        }`)
		assert.Equal(t, len(Validate(doc)), 0)
	})

	t.Run("depends_on singular end", func(t *testing.T) {
		doc := parse(t, `{
"version": 1,
"rectypes": {
    "project": {"fields": {"name": {"datatype": "string"}}},
    "task": {"fields": {
        "points": {"datatype": "int"},
        "total": {"datatype": "int", "calculated": {"depends_on": "project", "function": "sum", "field_from": "points"}}
    }}
},
"linktypes": {
    "project_tasks": {
        "from": {"name": "tasks", "link_rectypes": ["project"], "singular": false},
        "to": {"name": "project", "link_rectypes": ["task"], "singular": true}
    }
}
        }`)
		errs := Validate(doc)
		assert.ErrorContains(t, errs[0], `depends_on "project" must be a plural link end`)
	})

	t.Run("field_from not an int field", func(t *testing.T) {
		doc := parse(t, `{
"version": 1,
"rectypes": {
    "project": {"fields": {
        "total": {"datatype": "int", "calculated": {"depends_on": "tasks", "function": "sum", "field_from": "title"}}
    }},
    "task": {"fields": {"title": {"datatype": "string"}}}
},
"linktypes": {
    "project_tasks": {
        "from": {"name": "tasks", "link_rectypes": ["project"], "singular": false},
        "to": {"name": "project", "link_rectypes": ["task"], "singular": true}
    }
}
        }`)
		errs := Validate(doc)
		assert.ErrorContains(t, errs[0], `field_from "title" is not an int field`)
	})
}
