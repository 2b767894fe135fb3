package types

var VALID_DATATYPES = []FieldType{
	FieldTypeInt, FieldTypeString, FieldTypeBool,
	FieldTypeDatetime, FieldTypeAttachment, FieldTypeDagnode,
}

type FieldType string

const (
	FieldTypeInt        FieldType = "int"
	FieldTypeString     FieldType = "string"
	FieldTypeBool       FieldType = "bool"
	FieldTypeDatetime   FieldType = "datetime"
	FieldTypeAttachment FieldType = "attachment"
	FieldTypeDagnode    FieldType = "dagnode"
)

func (t FieldType) IsValid() bool {
	for _, v := range VALID_DATATYPES {
		if t == v {
			return true
		}
	}
	return false
}
