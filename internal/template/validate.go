package template

import (
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/zinghub/zingdb/internal/types"
	"github.com/zinghub/zingdb/pkg"
)

var identifier_pattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const max_name_len = 64

// Validate runs every structural and consistency check on a template
// document. An empty result means the doc may govern a database.
// Checks run in document order and all failures are reported at once.
func Validate(doc *Doc) []*types.ValidationError {
	errs := []*types.ValidationError{}
	report := func(rectype, field, msg string) {
		errs = append(errs, &types.ValidationError{
			Kind: types.ErrInvalidTemplate, Rectype: rectype, Field: field, Msg: msg,
		})
	}

	if !slices.Contains(SupportedVersions, doc.Version) {
		report("", "", fmt.Sprintf("unsupported template version %d", doc.Version))
	}

	if len(doc.Rectypes) == 0 {
		report("", "", "rectypes must not be empty")
		return errs
	}

	for rt_name, rectype := range doc.Rectypes {
		if !validName(rt_name) {
			report(rt_name, "", fmt.Sprintf("invalid rectype name %q", rt_name))
		}
		if rectype == nil || len(rectype.Fields) == 0 {
			report(rt_name, "", "rectype must declare at least one field")
			continue
		}
		if rectype.MergeType != "" && !rectype.MergeType.IsValid() {
			report(rt_name, "", fmt.Sprintf("invalid merge_type %q", rectype.MergeType))
		}

		for f_name, field := range rectype.Fields {
			if !validName(f_name) {
				report(rt_name, f_name, fmt.Sprintf("invalid field name %q", f_name))
			}
			if field == nil {
				report(rt_name, f_name, "field definition missing")
				continue
			}
			checkField(rt_name, f_name, field, report)
		}
	}

	checkLinktypes(doc, report)
	checkCalculated(doc, report)

	return errs
}

func validName(name string) bool {
	return len(name) <= max_name_len && identifier_pattern.MatchString(name)
}

// field local rules:
// - datatype must be recognized
// - min/max only on int, min <= max
// - minlength/maxlength only on string, non-negative, minlength <= maxlength
// - allowed and prohibited are mutually exclusive, non-empty, duplicate-free,
//   type-correct; allowed values must sit inside [min,max]
// - defaultvalue must satisfy every declared constraint
// - defaultfunc only on string fields, not combined with defaultvalue
// - dagnode fields name exactly one dag (no second dagnum param)
// - sort_by_allowed requires allowed
// - merge and calculated specs must agree with the datatype
func checkField(rt_name, f_name string, field *Field, report func(string, string, string)) {
	if !field.Datatype.IsValid() {
		report(rt_name, f_name, fmt.Sprintf("unrecognized datatype %q", field.Datatype))
		return
	}

	if field.Min != nil || field.Max != nil {
		if field.Datatype != types.FieldTypeInt {
			report(rt_name, f_name, fmt.Sprintf("min/max not valid on %s field", field.Datatype))
		} else if field.Min != nil && field.Max != nil && *field.Min > *field.Max {
			report(rt_name, f_name, fmt.Sprintf("min %d greater than max %d", *field.Min, *field.Max))
		}
	}

	if field.Minlength != nil || field.Maxlength != nil {
		if field.Datatype != types.FieldTypeString {
			report(rt_name, f_name, fmt.Sprintf("minlength/maxlength not valid on %s field", field.Datatype))
		} else {
			if field.Minlength != nil && *field.Minlength < 0 {
				report(rt_name, f_name, "minlength must not be negative")
			}
			if field.Maxlength != nil && *field.Maxlength < 0 {
				report(rt_name, f_name, "maxlength must not be negative")
			}
			if field.Minlength != nil && field.Maxlength != nil && *field.Minlength > *field.Maxlength {
				report(rt_name, f_name, fmt.Sprintf("minlength %d greater than maxlength %d", *field.Minlength, *field.Maxlength))
			}
		}
	}

	if field.Allowed != nil && field.Prohibited != nil {
		report(rt_name, f_name, "allowed and prohibited cannot both be set")
	}
	checkValueList(rt_name, f_name, "allowed", field.Allowed, field, report)
	checkValueList(rt_name, f_name, "prohibited", field.Prohibited, field, report)

	if field.Defaultvalue != nil {
		if !valueMatchesType(field.Datatype, field.Defaultvalue) {
			report(rt_name, f_name, fmt.Sprintf("defaultvalue %v does not match datatype %s", field.Defaultvalue, field.Datatype))
		} else if msg := constraintViolation(field, field.Defaultvalue); msg != "" {
			report(rt_name, f_name, fmt.Sprintf("defaultvalue %v violates %s", field.Defaultvalue, msg))
		}
	}

	if field.Defaultfunc != "" {
		if !field.Defaultfunc.IsValid() {
			report(rt_name, f_name, fmt.Sprintf("unrecognized defaultfunc %q", field.Defaultfunc))
		}
		if field.Datatype != types.FieldTypeString {
			report(rt_name, f_name, "defaultfunc only valid on string fields")
		}
		if field.Defaultvalue != nil {
			report(rt_name, f_name, "defaultvalue and defaultfunc cannot both be set")
		}
	}

	if field.Datatype == types.FieldTypeDagnode {
		if field.Dag == "" {
			report(rt_name, f_name, "dagnode field must name the dag it references")
		}
		if field.Dagnum != nil {
			report(rt_name, f_name, "dagnode field cannot carry both dag and dagnum")
		}
	} else if field.Dag != "" || field.Dagnum != nil {
		report(rt_name, f_name, fmt.Sprintf("dag reference not valid on %s field", field.Datatype))
	}

	if field.SortByAllowed && field.Allowed == nil {
		report(rt_name, f_name, "sort_by_allowed requires an allowed list")
	}

	checkMergeSpec(rt_name, f_name, field, report)

	if field.Calculated != nil {
		if field.Datatype != types.FieldTypeInt {
			report(rt_name, f_name, "calculated fields must be type int")
		}
		if field.Required || field.Unique {
			report(rt_name, f_name, "calculated fields cannot be required or unique")
		}
		if field.Defaultvalue != nil || field.Defaultfunc != "" {
			report(rt_name, f_name, "calculated fields cannot have defaults")
		}
		if !field.Calculated.Function.IsValid() {
			report(rt_name, f_name, fmt.Sprintf("unrecognized builtin %q", field.Calculated.Function))
		}
		if field.Calculated.FieldFrom == "" {
			report(rt_name, f_name, "calculated field must specify field_from")
		}
		if field.Calculated.DependsOn == "" {
			report(rt_name, f_name, "calculated field must specify depends_on")
		}
	}
}

func checkValueList(rt_name, f_name, constraint string, list []any, field *Field, report func(string, string, string)) {
	if list == nil {
		return
	}
	if len(list) == 0 {
		report(rt_name, f_name, fmt.Sprintf("%s list must not be empty", constraint))
		return
	}

	seen := pkg.Map[string, bool]{}
	for _, v := range list {
		if !valueMatchesType(field.Datatype, v) {
			report(rt_name, f_name, fmt.Sprintf("%s value %v does not match datatype %s", constraint, v, field.Datatype))
			continue
		}
		key := fmt.Sprintf("%v", v)
		if seen.Has(key) {
			report(rt_name, f_name, fmt.Sprintf("duplicate %s value %v", constraint, v))
		}
		seen.Set(key, true)

		if constraint != "allowed" {
			continue
		}
		if n, ok := v.(int); ok {
			if field.Min != nil && n < *field.Min {
				report(rt_name, f_name, fmt.Sprintf("allowed value %d below min %d", n, *field.Min))
			}
			if field.Max != nil && n > *field.Max {
				report(rt_name, f_name, fmt.Sprintf("allowed value %d above max %d", n, *field.Max))
			}
		}
	}
}

func checkMergeSpec(rt_name, f_name string, field *Field, report func(string, string, string)) {
	if field.Merge == nil {
		return
	}

	seen := pkg.Map[types.MergeOp, bool]{}
	for _, op := range field.Merge.Auto {
		if !op.IsValid() {
			report(rt_name, f_name, fmt.Sprintf("unrecognized merge op %q", op))
			continue
		}
		if !op.ValidFor(field.Datatype) {
			report(rt_name, f_name, fmt.Sprintf("merge op %s not valid on %s field", op, field.Datatype))
		}
		if seen.Has(op) {
			report(rt_name, f_name, fmt.Sprintf("duplicate merge op %s", op))
		}
		seen.Set(op, true)
	}

	uniqify := field.Merge.Uniqify
	if uniqify == nil {
		return
	}
	if !field.Unique {
		report(rt_name, f_name, "uniqify policy requires a unique constraint")
	}
	if !uniqify.Op.IsValid() {
		report(rt_name, f_name, fmt.Sprintf("unrecognized uniqify op %q", uniqify.Op))
		return
	}
	switch uniqify.Op {
	case types.UniqifyOpAdd:
		if field.Datatype != types.FieldTypeInt {
			report(rt_name, f_name, "uniqify add only valid on int fields")
		}
		if uniqify.Addend == 0 {
			report(rt_name, f_name, "uniqify add requires a non-zero addend")
		}
	case types.UniqifyOpIncDigitsEnd, types.UniqifyOpGenRandom:
		if field.Datatype != types.FieldTypeString {
			report(rt_name, f_name, fmt.Sprintf("uniqify %s only valid on string fields", uniqify.Op))
		}
	}
	if uniqify.Which != "" && !uniqify.Which.IsValid() {
		report(rt_name, f_name, fmt.Sprintf("unrecognized uniqify selector %q", uniqify.Which))
	}
}

// link type rules:
// - both ends present, named with valid identifiers
// - link_rectypes non-empty, duplicate-free, referencing declared rectypes
// - required only makes sense on a singular end
// - end names must not collide with field names or other end names
//   on any rectype the end attaches to
func checkLinktypes(doc *Doc, report func(string, string, string)) {
	// rectype -> pseudo-field name -> owning linktype
	claimed := pkg.Map[string, pkg.Map[string, string]]{}

	lt_names := pkg.Map[string, *Linktype](doc.Linktypes).Keys()
	slices.Sort(lt_names)

	for _, lt_name := range lt_names {
		lt := doc.Linktypes[lt_name]
		if !validName(lt_name) {
			report("", lt_name, fmt.Sprintf("invalid linktype name %q", lt_name))
		}
		if lt == nil || lt.From == nil || lt.To == nil {
			report("", lt_name, "linktype must declare both from and to ends")
			continue
		}

		for _, end := range []*End{lt.From, lt.To} {
			if end.Name == "" {
				report("", lt_name, "link end requires a name")
				continue
			}
			if !validName(end.Name) {
				report("", lt_name, fmt.Sprintf("invalid link end name %q", end.Name))
			}
			if len(end.LinkRectypes) == 0 {
				report("", lt_name, fmt.Sprintf("link end %s requires link_rectypes", end.Name))
			}
			if end.Required && !end.Singular {
				report("", lt_name, fmt.Sprintf("required only valid on singular end %s", end.Name))
			}

			seen := pkg.Map[string, bool]{}
			for _, rt_name := range end.LinkRectypes {
				if seen.Has(rt_name) {
					report("", lt_name, fmt.Sprintf("duplicate rectype %s on link end %s", rt_name, end.Name))
					continue
				}
				seen.Set(rt_name, true)

				rectype, ok := doc.Rectypes[rt_name]
				if !ok {
					report("", lt_name, fmt.Sprintf("%s is not a declared rectype", rt_name))
					continue
				}
				if _, collides := rectype.Fields[end.Name]; collides {
					report(rt_name, end.Name, fmt.Sprintf("link end %s collides with a field on %s", end.Name, rt_name))
				}

				names := claimed.Get(rt_name)
				if names == nil {
					names = pkg.Map[string, string]{}
					claimed.Set(rt_name, names)
				}
				if owner := names.Get(end.Name); owner != "" {
					report(rt_name, end.Name, fmt.Sprintf("link end %s already claimed by linktype %s", end.Name, owner))
				}
				names.Set(end.Name, lt_name)
			}
		}
	}
}

// calculated fields must hang off a plural link end declared on the
// rectype, and field_from must be an int field on the far side.
func checkCalculated(doc *Doc, report func(string, string, string)) {
	for rt_name, rectype := range doc.Rectypes {
		if rectype == nil {
			continue
		}
		for f_name, field := range rectype.Fields {
			if field == nil || field.Calculated == nil || field.Calculated.DependsOn == "" {
				continue
			}

			ref, ok := doc.EndByName(rt_name, field.Calculated.DependsOn)
			if !ok {
				report(rt_name, f_name, fmt.Sprintf("depends_on %q is not a link end on %s", field.Calculated.DependsOn, rt_name))
				continue
			}
			if ref.End.Singular {
				report(rt_name, f_name, fmt.Sprintf("depends_on %q must be a plural link end", field.Calculated.DependsOn))
			}

			if field.Calculated.FieldFrom == "" {
				continue
			}
			found := false
			for _, child_rt := range ref.Other.LinkRectypes {
				child, ok := doc.Rectypes[child_rt]
				if !ok {
					continue
				}
				if from, ok := child.Fields[field.Calculated.FieldFrom]; ok && from != nil && from.Datatype == types.FieldTypeInt {
					found = true
				}
			}
			if !found {
				report(rt_name, f_name, fmt.Sprintf("field_from %q is not an int field on any linked rectype", field.Calculated.FieldFrom))
			}
		}
	}
}

func valueMatchesType(t types.FieldType, v any) bool {
	switch t {
	case types.FieldTypeInt:
		switch v.(type) {
		case int, float64:
			return true
		}
	case types.FieldTypeString, types.FieldTypeAttachment, types.FieldTypeDagnode:
		_, ok := v.(string)
		return ok
	case types.FieldTypeBool:
		_, ok := v.(bool)
		return ok
	case types.FieldTypeDatetime:
		switch v.(type) {
		case time.Time, string:
			return true
		}
	}
	return false
}

// constraintViolation reports the name of the first constraint the value
// breaks, or "" when it passes. Shared by the validator (defaultvalue)
// and callers that need a dry-run check.
func constraintViolation(field *Field, v any) string {
	if n, ok := v.(int); ok {
		if field.Min != nil && n < *field.Min {
			return "min"
		}
		if field.Max != nil && n > *field.Max {
			return "max"
		}
	}
	if s, ok := v.(string); ok {
		if field.Minlength != nil && len(s) < *field.Minlength {
			return "minlength"
		}
		if field.Maxlength != nil && len(s) > *field.Maxlength {
			return "maxlength"
		}
	}
	if field.Allowed != nil && !containsValue(field.Allowed, v) {
		return "allowed"
	}
	if field.Prohibited != nil && containsValue(field.Prohibited, v) {
		return "prohibited"
	}
	return ""
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
