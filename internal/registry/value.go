package registry

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/openbuttnakedgang/holter/internal/protocol"
)

var ErrValueParse = errors.New("registry: value does not match type")

// ValueParseError reports user text that cannot be coerced to a leaf type.
type ValueParseError struct {
	Text   string
	Tag    protocol.Tag
	Reason string
}

func (e *ValueParseError) Error() string {
	return fmt.Sprintf("cannot use %q as %s: %s", e.Text, e.Tag, e.Reason)
}

func (e *ValueParseError) Unwrap() error { return ErrValueParse }

var intLiteral = regexp.MustCompile(`^([+-]?(?:0[xX][0-9a-fA-F_]+|0[bB][01_]+|0[oO][0-7_]+|[0-9][0-9_]*))(u8|u16|u32|i8|i16|i32)?$`)

// ParseValue converts user text into a value of the given tag.
func ParseValue(text string, tag protocol.Tag) (protocol.Value, error) {
	s := strings.TrimSpace(text)
	fail := func(reason string) (protocol.Value, error) {
		return nil, &ValueParseError{Text: text, Tag: tag, Reason: reason}
	}

	if tag.IsInteger() {
		return parseInt(s, tag, fail)
	}
	switch tag {
	case protocol.TagUnit:
		if s == "" || s == "()" {
			return protocol.Unit{}, nil
		}
		return fail("unit takes no value")
	case protocol.TagBool:
		switch s {
		case "true":
			return protocol.Bool(true), nil
		case "false":
			return protocol.Bool(false), nil
		}
		return fail("expected true or false")
	case protocol.TagStr:
		if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
			u, err := strconv.Unquote(s)
			if err != nil {
				return fail("bad string literal")
			}
			return protocol.Str(u), nil
		}
		return protocol.Str(text), nil
	case protocol.TagBytes:
		return parseBytes(s, fail)
	}
	return fail("unsupported type")
}

func parseInt(s string, tag protocol.Tag, fail func(string) (protocol.Value, error)) (protocol.Value, error) {
	m := intLiteral.FindStringSubmatch(s)
	if m == nil {
		return fail("not an integer")
	}
	if m[2] != "" && m[2] != tag.String() {
		return fail("suffix " + m[2] + " does not match")
	}
	num := m[1]

	switch tag {
	case protocol.TagU8, protocol.TagU16, protocol.TagU32:
		bits := map[protocol.Tag]int{protocol.TagU8: 8, protocol.TagU16: 16, protocol.TagU32: 32}[tag]
		u, err := strconv.ParseUint(strings.TrimPrefix(num, "+"), 0, bits)
		if err != nil {
			return fail("out of range")
		}
		switch tag {
		case protocol.TagU8:
			return protocol.U8(u), nil
		case protocol.TagU16:
			return protocol.U16(u), nil
		default:
			return protocol.U32(u), nil
		}
	default:
		bits := map[protocol.Tag]int{protocol.TagI8: 8, protocol.TagI16: 16, protocol.TagI32: 32}[tag]
		i, err := strconv.ParseInt(num, 0, bits)
		if err != nil {
			return fail("out of range")
		}
		switch tag {
		case protocol.TagI8:
			return protocol.I8(i), nil
		case protocol.TagI16:
			return protocol.I16(i), nil
		default:
			return protocol.I32(i), nil
		}
	}
}

func parseBytes(s string, fail func(string) (protocol.Value, error)) (protocol.Value, error) {
	if strings.HasPrefix(s, "[") != strings.HasSuffix(s, "]") {
		return fail("unbalanced brackets")
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	out := protocol.Bytes{}
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		p := strings.TrimSpace(part)
		p = strings.TrimSuffix(p, "u8")
		b, err := strconv.ParseUint(p, 0, 8)
		if err != nil {
			return fail("bad byte " + strconv.Quote(strings.TrimSpace(part)))
		}
		out = append(out, byte(b))
	}
	return out, nil
}

// FormatValue renders v in the form ParseValue accepts.
func FormatValue(v protocol.Value) string {
	if v == nil {
		return ""
	}
	if v.Tag() == protocol.TagUnit {
		return ""
	}
	return v.String()
}
