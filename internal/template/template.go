package template

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/zinghub/zingdb/internal/types"
	"github.com/zinghub/zingdb/pkg"
)

// SupportedVersions lists the template document versions this engine reads.
var SupportedVersions = []int{1}

// Doc is the schema document governing one database instance.
// It is immutable once installed; replacing it is last-write-wins.
type Doc struct {
	Version   int                  `json:"version"`
	Rectypes  map[string]*Rectype  `json:"rectypes"`
	Linktypes map[string]*Linktype `json:"linktypes,omitempty"`
}

type Rectype struct {
	MergeType types.MergeType   `json:"merge_type,omitempty"`
	Fields    map[string]*Field `json:"fields"`
}

type Field struct {
	Datatype      types.FieldType   `json:"datatype"`
	Required      bool              `json:"required,omitempty"`
	Unique        bool              `json:"unique,omitempty"`
	Min           *int              `json:"min,omitempty"`
	Max           *int              `json:"max,omitempty"`
	Minlength     *int              `json:"minlength,omitempty"`
	Maxlength     *int              `json:"maxlength,omitempty"`
	Allowed       []any             `json:"allowed,omitempty"`
	Prohibited    []any             `json:"prohibited,omitempty"`
	Defaultvalue  any               `json:"defaultvalue,omitempty"`
	Defaultfunc   types.DefaultFunc `json:"defaultfunc,omitempty"`
	GenChars      string            `json:"gen_chars,omitempty"`
	GenLength     int               `json:"gen_length,omitempty"`
	Dag           string            `json:"dag,omitempty"`
	Dagnum        *int              `json:"dagnum,omitempty"`
	SortByAllowed bool              `json:"sort_by_allowed,omitempty"`
	Merge         *MergeSpec        `json:"merge,omitempty"`
	Calculated    *CalcSpec         `json:"calculated,omitempty"`
}

type MergeSpec struct {
	Auto    []types.MergeOp `json:"auto,omitempty"`
	Uniqify *UniqifySpec    `json:"uniqify,omitempty"`
}

type UniqifySpec struct {
	Op     types.UniqifyOp    `json:"op"`
	Addend int                `json:"addend,omitempty"`
	Which  types.UniqifyWhich `json:"which,omitempty"`
}

type CalcSpec struct {
	DependsOn string         `json:"depends_on"`
	Function  types.CalcFunc `json:"function"`
	FieldFrom string         `json:"field_from"`
}

type Linktype struct {
	From *End `json:"from"`
	To   *End `json:"to"`
}

// End is one side of a link type. Name is the pseudo-field seen on
// records of the rectypes listed on this side.
type End struct {
	Name          string   `json:"name"`
	LinkRectypes  []string `json:"link_rectypes"`
	Singular      bool     `json:"singular"`
	Required      bool     `json:"required,omitempty"`
	SortByAllowed bool     `json:"-"`
}

// Parse decodes a template document, rejecting unrecognized keys.
// The returned doc has int-typed constraint values normalized
// (json decodes all numbers as float64).
func Parse(data []byte) (*Doc, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	doc := Doc{}
	if err := dec.Decode(&doc); err != nil {
		return nil, types.NewError(types.ErrInvalidTemplate, err.Error())
	}

	for _, rectype := range doc.Rectypes {
		if rectype == nil {
			continue
		}
		for _, field := range rectype.Fields {
			if field == nil || field.Datatype != types.FieldTypeInt {
				continue
			}
			for i, v := range field.Allowed {
				if _, ok := v.(float64); ok {
					field.Allowed[i] = pkg.NumToInt(v)
				}
			}
			for i, v := range field.Prohibited {
				if _, ok := v.(float64); ok {
					field.Prohibited[i] = pkg.NumToInt(v)
				}
			}
			if _, ok := field.Defaultvalue.(float64); ok {
				field.Defaultvalue = pkg.NumToInt(field.Defaultvalue)
			}
		}
	}

	return &doc, nil
}

// Marshal renders the doc back to its json wire shape.
func Marshal(doc *Doc) ([]byte, error) {
	return json.Marshal(doc)
}

func (d *Doc) GetRectype(name string) (*Rectype, bool) {
	rt, ok := d.Rectypes[name]
	return rt, ok
}

func (rt *Rectype) GetField(name string) (*Field, bool) {
	f, ok := rt.Fields[name]
	return f, ok
}

// EndRef resolves one link end from the point of view of a rectype.
type EndRef struct {
	Linktype string
	End      *End
	Other    *End
	// FromSide is true when records of the rectype sit on the "from"
	// side, i.e. edges leave them.
	FromSide bool
}

// EndsFor returns every link end attached to the rectype.
func (d *Doc) EndsFor(rectype string) []EndRef {
	ends := []EndRef{}
	for name, lt := range d.Linktypes {
		if lt == nil || lt.From == nil || lt.To == nil {
			continue
		}
		if pkg.Contains(lt.From.LinkRectypes, rectype) {
			ends = append(ends, EndRef{Linktype: name, End: lt.From, Other: lt.To, FromSide: true})
		}
		if pkg.Contains(lt.To.LinkRectypes, rectype) {
			ends = append(ends, EndRef{Linktype: name, End: lt.To, Other: lt.From, FromSide: false})
		}
	}
	return ends
}

// EndByName finds the link end surfaced on the rectype as a pseudo-field.
func (d *Doc) EndByName(rectype, name string) (EndRef, bool) {
	for _, ref := range d.EndsFor(rectype) {
		if ref.End.Name == name {
			return ref, true
		}
	}
	return EndRef{}, false
}

// DefaultGenChars is the generator alphabet when a field declares none.
const DefaultGenChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DefaultGenLength is the generated value length when a field declares none.
const DefaultGenLength = 10

func (f *Field) GenAlphabet() string {
	if f.GenChars != "" {
		return f.GenChars
	}
	return DefaultGenChars
}

func (f *Field) GenSize() int {
	if f.GenLength > 0 {
		return f.GenLength
	}
	return DefaultGenLength
}

func (f *Field) String() string {
	return fmt.Sprintf("field(%s)", f.Datatype)
}
