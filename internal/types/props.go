package types

import "slices"

// MergeOp is an automerge operator tried in declared order
// when the same field diverges in independent leaves.
type MergeOp string

const (
	MergeOpLeastRecent MergeOp = "least_recent"
	MergeOpMostRecent  MergeOp = "most_recent"
	MergeOpMin         MergeOp = "min"
	MergeOpMax         MergeOp = "max"
	MergeOpSum         MergeOp = "sum"
	MergeOpAverage     MergeOp = "average"
	MergeOpLongest     MergeOp = "longest"
	MergeOpShortest    MergeOp = "shortest"
)

var VALID_MERGE_OPS = []MergeOp{
	MergeOpLeastRecent, MergeOpMostRecent, MergeOpMin, MergeOpMax,
	MergeOpSum, MergeOpAverage, MergeOpLongest, MergeOpShortest,
}

func (op MergeOp) IsValid() bool {
	return slices.Contains(VALID_MERGE_OPS, op)
}

// ValidFor reports whether the operator makes sense for the datatype.
// Recency operators compare changeset times and work on any type.
func (op MergeOp) ValidFor(t FieldType) bool {
	switch op {
	case MergeOpLeastRecent, MergeOpMostRecent:
		return true
	case MergeOpMin, MergeOpMax, MergeOpSum, MergeOpAverage:
		return t == FieldTypeInt
	case MergeOpLongest, MergeOpShortest:
		return t == FieldTypeString
	}
	return false
}

// UniqifyOp resolves unique-constraint collisions between merged records.
type UniqifyOp string

const (
	UniqifyOpAdd          UniqifyOp = "add"
	UniqifyOpIncDigitsEnd UniqifyOp = "inc_digits_end"
	UniqifyOpGenRandom    UniqifyOp = "gen_random_unique"
)

var VALID_UNIQIFY_OPS = []UniqifyOp{
	UniqifyOpAdd, UniqifyOpIncDigitsEnd, UniqifyOpGenRandom,
}

func (op UniqifyOp) IsValid() bool {
	return slices.Contains(VALID_UNIQIFY_OPS, op)
}

// UniqifyWhich selects which of the colliding records gets mutated.
type UniqifyWhich string

const (
	UniqifyWhichLastModified UniqifyWhich = "last_modified"
	UniqifyWhichLastCreated  UniqifyWhich = "last_created"
	UniqifyWhichLeastImpact  UniqifyWhich = "least_impact"
)

var VALID_UNIQIFY_WHICH = []UniqifyWhich{
	UniqifyWhichLastModified, UniqifyWhichLastCreated, UniqifyWhichLeastImpact,
}

func (w UniqifyWhich) IsValid() bool {
	return slices.Contains(VALID_UNIQIFY_WHICH, w)
}

// CalcFunc is a builtin aggregate for calculated fields.
type CalcFunc string

const (
	CalcFuncSum     CalcFunc = "sum"
	CalcFuncCount   CalcFunc = "count"
	CalcFuncAverage CalcFunc = "average"
	CalcFuncMin     CalcFunc = "min"
	CalcFuncMax     CalcFunc = "max"
)

var VALID_CALC_FUNCS = []CalcFunc{
	CalcFuncSum, CalcFuncCount, CalcFuncAverage, CalcFuncMin, CalcFuncMax,
}

func (f CalcFunc) IsValid() bool {
	return slices.Contains(VALID_CALC_FUNCS, f)
}

// DefaultFunc generates a field value when none is supplied.
type DefaultFunc string

const (
	DefaultFuncGenRandomUnique     DefaultFunc = "gen_random_unique"
	DefaultFuncGenUserprefixUnique DefaultFunc = "gen_userprefix_unique"
)

var VALID_DEFAULT_FUNCS = []DefaultFunc{
	DefaultFuncGenRandomUnique, DefaultFuncGenUserprefixUnique,
}

func (f DefaultFunc) IsValid() bool {
	return slices.Contains(VALID_DEFAULT_FUNCS, f)
}

// MergeType controls automerge granularity for a rectype.
type MergeType string

const (
	MergeTypeField  MergeType = "field"
	MergeTypeRecord MergeType = "record"
)

func (t MergeType) IsValid() bool {
	return t == MergeTypeField || t == MergeTypeRecord
}
