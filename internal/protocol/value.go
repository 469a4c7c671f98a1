package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Tag identifies the wire type of a Value.
type Tag uint8

const (
	TagUnit Tag = iota
	TagBool
	TagU8
	TagU16
	TagU32
	TagI8
	TagI16
	TagI32
	TagStr
	TagBytes
)

var tagNames = [...]string{
	TagUnit:  "()",
	TagBool:  "bool",
	TagU8:    "u8",
	TagU16:   "u16",
	TagU32:   "u32",
	TagI8:    "i8",
	TagI16:   "i16",
	TagI32:   "i32",
	TagStr:   "str",
	TagBytes: "[u8]",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// Valid reports whether t is a known tag.
func (t Tag) Valid() bool {
	return int(t) < len(tagNames)
}

// IsInteger reports whether t is one of the fixed-width integer tags.
func (t Tag) IsInteger() bool {
	switch t {
	case TagU8, TagU16, TagU32, TagI8, TagI16, TagI32:
		return true
	}
	return false
}

// ParseTag resolves a schema type name such as "u32" or "[u8]".
func ParseTag(name string) (Tag, error) {
	for i, n := range tagNames {
		if n == name {
			return Tag(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTag, name)
}

// Value is a typed payload carried by a Message.
// The set of implementations is closed; see Tag.
type Value interface {
	Tag() Tag
	String() string
	isValue()
}

type (
	Unit  struct{}
	Bool  bool
	U8    uint8
	U16   uint16
	U32   uint32
	I8    int8
	I16   int16
	I32   int32
	Str   string
	Bytes []byte
)

func (Unit) Tag() Tag  { return TagUnit }
func (Bool) Tag() Tag  { return TagBool }
func (U8) Tag() Tag    { return TagU8 }
func (U16) Tag() Tag   { return TagU16 }
func (U32) Tag() Tag   { return TagU32 }
func (I8) Tag() Tag    { return TagI8 }
func (I16) Tag() Tag   { return TagI16 }
func (I32) Tag() Tag   { return TagI32 }
func (Str) Tag() Tag   { return TagStr }
func (Bytes) Tag() Tag { return TagBytes }

func (Unit) isValue()  {}
func (Bool) isValue()  {}
func (U8) isValue()    {}
func (U16) isValue()   {}
func (U32) isValue()   {}
func (I8) isValue()    {}
func (I16) isValue()   {}
func (I32) isValue()   {}
func (Str) isValue()   {}
func (Bytes) isValue() {}

func (Unit) String() string   { return "()" }
func (v Bool) String() string { return strconv.FormatBool(bool(v)) }
func (v U8) String() string   { return strconv.FormatUint(uint64(v), 10) }
func (v U16) String() string  { return strconv.FormatUint(uint64(v), 10) }
func (v U32) String() string  { return strconv.FormatUint(uint64(v), 10) }
func (v I8) String() string   { return strconv.FormatInt(int64(v), 10) }
func (v I16) String() string  { return strconv.FormatInt(int64(v), 10) }
func (v I32) String() string  { return strconv.FormatInt(int64(v), 10) }
func (v Str) String() string  { return strconv.Quote(string(v)) }
func (v Bytes) String() string {
	parts := make([]string, len(v))
	for i, b := range v {
		parts[i] = strconv.Itoa(int(b))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// AsUint extracts an unsigned integer from any integer Value.
func AsUint(v Value) (uint64, bool) {
	switch x := v.(type) {
	case U8:
		return uint64(x), true
	case U16:
		return uint64(x), true
	case U32:
		return uint64(x), true
	case I8:
		return uint64(x), x >= 0
	case I16:
		return uint64(x), x >= 0
	case I32:
		return uint64(x), x >= 0
	}
	return 0, false
}
