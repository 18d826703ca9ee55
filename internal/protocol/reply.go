package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Value represents a RESP value.
type Value struct {
	Type  Kind
	Str   string
	Num   int64
	Array []Value
	Null  bool
}

var lineSanitizer = strings.NewReplacer("\r", " ", "\n", " ")

// OK returns the "+OK" status reply.
func OK() Value {
	return Value{Type: TypeSimpleString, Str: "OK"}
}

// Status returns a simple string reply. CR and LF are replaced by spaces so
// the reply stays a single line.
func Status(s string) Value {
	return Value{Type: TypeSimpleString, Str: lineSanitizer.Replace(s)}
}

// Error returns an error reply carrying msg verbatim (e.g. "ERR syntax error").
func Error(msg string) Value {
	return Value{Type: TypeError, Str: lineSanitizer.Replace(msg)}
}

// Errorf formats an error reply with the conventional "ERR " prefix.
func Errorf(format string, args ...any) Value {
	return Error("ERR " + fmt.Sprintf(format, args...))
}

// Integer returns an integer reply.
func Integer(n int64) Value {
	return Value{Type: TypeInteger, Num: n}
}

// Bulk returns a bulk string reply.
func Bulk(s string) Value {
	return Value{Type: TypeBulkString, Str: s}
}

// NullBulk returns the "$-1" no-value reply.
func NullBulk() Value {
	return Value{Type: TypeBulkString, Null: true}
}

// StringArray returns an array of bulk strings. A nil slice encodes as an
// empty array, not a null one.
func StringArray(items []string) Value {
	arr := make([]Value, len(items))
	for i, s := range items {
		arr[i] = Bulk(s)
	}
	return Value{Type: TypeArray, Array: arr}
}

// IsError reports whether v is an error reply.
func (v Value) IsError() bool {
	return v.Type == TypeError
}

var (
	crlf      = []byte("\r\n")
	nullBulk  = []byte("$-1\r\n")
	nullArray = []byte("*-1\r\n")
)

// AppendValue appends the wire encoding of v to dst.
func AppendValue(dst []byte, v Value) []byte {
	switch v.Type {
	case TypeSimpleString, TypeError:
		dst = append(dst, byte(v.Type))
		dst = append(dst, lineSanitizer.Replace(v.Str)...)
		return append(dst, crlf...)
	case TypeInteger:
		dst = append(dst, ':')
		dst = strconv.AppendInt(dst, v.Num, 10)
		return append(dst, crlf...)
	case TypeBulkString:
		if v.Null {
			return append(dst, nullBulk...)
		}
		dst = append(dst, '$')
		dst = strconv.AppendInt(dst, int64(len(v.Str)), 10)
		dst = append(dst, crlf...)
		dst = append(dst, v.Str...)
		return append(dst, crlf...)
	case TypeArray:
		if v.Null {
			return append(dst, nullArray...)
		}
		dst = append(dst, '*')
		dst = strconv.AppendInt(dst, int64(len(v.Array)), 10)
		dst = append(dst, crlf...)
		for _, item := range v.Array {
			dst = AppendValue(dst, item)
		}
		return dst
	default:
		return AppendValue(dst, Errorf("reply type %s is not supported", v.Type))
	}
}

// Encode returns the wire encoding of v.
func Encode(v Value) []byte {
	return AppendValue(nil, v)
}

// DecodeValue decodes one reply value from the start of buf and returns it
// with the number of bytes consumed. It is the inverse of Encode.
func DecodeValue(buf []byte) (Value, int, error) {
	if len(buf) == 0 {
		return Value{}, 0, decodeErr(0, 0, ErrIncomplete, "")
	}
	kind := Kind(buf[0])
	switch kind {
	case TypeSimpleString, TypeError:
		line, n, err := readLine(buf, 1, 0)
		if err != nil {
			return Value{}, 0, withKind(err, kind)
		}
		return Value{Type: kind, Str: string(line)}, n, nil

	case TypeInteger:
		line, n, err := readLine(buf, 1, MaxHeaderLen)
		if err != nil {
			return Value{}, 0, withKind(err, kind)
		}
		num, ok := parseDecimal(line)
		if !ok {
			return Value{}, 0, decodeErr(kind, 1, ErrMalformed, fmt.Sprintf("invalid integer %q", line))
		}
		return Integer(num), n, nil

	case TypeBulkString:
		payload, null, n, err := decodeBulk(buf)
		if err != nil {
			return Value{}, 0, err
		}
		if null {
			return NullBulk(), n, nil
		}
		return Bulk(string(payload)), n, nil

	case TypeArray:
		count, pos, err := readHeader(buf, TypeArray)
		if err != nil {
			return Value{}, 0, err
		}
		if count == -1 {
			return Value{Type: TypeArray, Null: true}, pos, nil
		}
		if count < 0 || count > MaxArgs {
			return Value{}, 0, decodeErr(kind, 1, ErrMalformed, fmt.Sprintf("invalid array length %d", count))
		}
		arr := make([]Value, 0, min(int(count), 64))
		for i := int64(0); i < count; i++ {
			item, n, err := DecodeValue(buf[pos:])
			if err != nil {
				return Value{}, 0, shift(err, pos)
			}
			arr = append(arr, item)
			pos += n
		}
		return Value{Type: TypeArray, Array: arr}, pos, nil

	default:
		if kind.known() {
			return Value{}, 0, decodeErr(kind, 0, ErrUnsupported, kind.String())
		}
		return Value{}, 0, decodeErr(kind, 0, ErrMalformed, fmt.Sprintf("unknown type marker %q", buf[0]))
	}
}
