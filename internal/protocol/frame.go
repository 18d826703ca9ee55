package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// Kind is the type marker byte that introduces a RESP frame.
type Kind byte

// RESP2 kinds implemented by the codec.
const (
	TypeSimpleString Kind = '+'
	TypeError        Kind = '-'
	TypeInteger      Kind = ':'
	TypeBulkString   Kind = '$'
	TypeArray        Kind = '*'
)

// RESP3 kinds. They are recognised so that a client speaking RESP3 gets a
// clear "not supported" error instead of a generic parse failure.
const (
	TypeNull           Kind = '_'
	TypeBoolean        Kind = '#'
	TypeDouble         Kind = ','
	TypeBigNumber      Kind = '('
	TypeBulkError      Kind = '!'
	TypeVerbatimString Kind = '='
	TypeMap            Kind = '%'
	TypeSet            Kind = '~'
	TypeAttribute      Kind = '|'
	TypePush           Kind = '>'
)

// Protocol limits.
const (
	// MaxBulkLen limits the payload of a single bulk string (512 MiB, as in Redis).
	MaxBulkLen = 512 * 1024 * 1024

	// MaxArgs limits the element count of a command array.
	MaxArgs = 1024 * 1024

	// MaxHeaderLen limits a length header line such as "$123" or "*4".
	MaxHeaderLen = 32

	// MaxInlineLen limits an inline (non-array) command line.
	MaxInlineLen = 64 * 1024
)

var (
	// ErrIncomplete means the buffer ends before the frame does. More bytes are needed.
	ErrIncomplete = errors.New("protocol: incomplete frame")
	// ErrMalformed means the bytes can never form a valid frame.
	ErrMalformed = errors.New("protocol: malformed frame")
	// ErrUnsupported means the frame kind is valid RESP but not implemented here.
	ErrUnsupported = errors.New("protocol: unsupported frame type")
	// ErrEmptyCommand is returned for "*0", "*-1" and blank inline lines.
	ErrEmptyCommand = errors.New("protocol: empty command")
	// ErrRequestTooLarge is returned when a client buffers more than the parser allows.
	ErrRequestTooLarge = errors.New("protocol: request too large")
)

// String returns a readable name for the kind.
func (k Kind) String() string {
	switch k {
	case TypeSimpleString:
		return "simple-string"
	case TypeError:
		return "error"
	case TypeInteger:
		return "integer"
	case TypeBulkString:
		return "bulk-string"
	case TypeArray:
		return "array"
	case TypeNull:
		return "null"
	case TypeBoolean:
		return "boolean"
	case TypeDouble:
		return "double"
	case TypeBigNumber:
		return "big-number"
	case TypeBulkError:
		return "bulk-error"
	case TypeVerbatimString:
		return "verbatim-string"
	case TypeMap:
		return "map"
	case TypeSet:
		return "set"
	case TypeAttribute:
		return "attribute"
	case TypePush:
		return "push"
	default:
		return fmt.Sprintf("unknown(%q)", byte(k))
	}
}

// Supported reports whether the codec implements the kind.
func (k Kind) Supported() bool {
	switch k {
	case TypeSimpleString, TypeError, TypeInteger, TypeBulkString, TypeArray:
		return true
	}
	return false
}

// known reports whether the byte is any RESP2 or RESP3 marker.
func (k Kind) known() bool {
	switch k {
	case TypeNull, TypeBoolean, TypeDouble, TypeBigNumber, TypeBulkError,
		TypeVerbatimString, TypeMap, TypeSet, TypeAttribute, TypePush:
		return true
	}
	return k.Supported()
}

// DecodeError describes a failure to decode a frame.
// Err is one of ErrIncomplete, ErrMalformed or ErrUnsupported.
type DecodeError struct {
	Kind   Kind
	Offset int
	Err    error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v at offset %d", e.Err, e.Offset)
	}
	return fmt.Sprintf("%v at offset %d: %s", e.Err, e.Offset, e.Detail)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(kind Kind, offset int, err error, detail string) error {
	return &DecodeError{Kind: kind, Offset: offset, Err: err, Detail: detail}
}

// shift moves the offset of a DecodeError by delta so that nested decoders
// report positions relative to the outermost buffer.
func shift(err error, delta int) error {
	var de *DecodeError
	if delta != 0 && errors.As(err, &de) {
		cp := *de
		cp.Offset += delta
		return &cp
	}
	return err
}

// IsIncomplete reports whether err only means that more input is needed.
func IsIncomplete(err error) bool {
	return errors.Is(err, ErrIncomplete)
}

// readLine returns the bytes from start up to the next CRLF and the index
// just past it. limit bounds the line length; 0 means unbounded.
func readLine(buf []byte, start, limit int) ([]byte, int, error) {
	idx := bytes.IndexByte(buf[start:], '\r')
	if idx < 0 {
		if limit > 0 && len(buf)-start > limit {
			return nil, 0, decodeErr(0, start, ErrMalformed, "line too long")
		}
		return nil, 0, decodeErr(0, len(buf), ErrIncomplete, "")
	}
	if limit > 0 && idx > limit {
		return nil, 0, decodeErr(0, start, ErrMalformed, "line too long")
	}
	end := start + idx
	if end+1 >= len(buf) {
		return nil, 0, decodeErr(0, len(buf), ErrIncomplete, "")
	}
	if buf[end+1] != '\n' {
		return nil, 0, decodeErr(0, end+1, ErrMalformed, "expected LF after CR")
	}
	return buf[start:end], end + 2, nil
}

// parseDecimal parses an optionally negative run of ASCII digits.
// strconv alone would also accept a leading '+'.
func parseDecimal(b []byte) (int64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	digits := b
	if b[0] == '-' {
		digits = b[1:]
	}
	if len(digits) == 0 {
		return 0, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// readHeader decodes "<marker><decimal>\r\n" and returns the number and the
// index of the first byte after the header.
func readHeader(buf []byte, want Kind) (int64, int, error) {
	if len(buf) == 0 {
		return 0, 0, decodeErr(want, 0, ErrIncomplete, "")
	}
	got := Kind(buf[0])
	if got != want {
		if !got.known() {
			return 0, 0, decodeErr(got, 0, ErrMalformed, fmt.Sprintf("unknown type marker %q", buf[0]))
		}
		if !got.Supported() {
			return 0, 0, decodeErr(got, 0, ErrUnsupported, got.String())
		}
		return 0, 0, decodeErr(got, 0, ErrMalformed, fmt.Sprintf("expected %s, got %s", want, got))
	}
	line, next, err := readLine(buf, 1, MaxHeaderLen)
	if err != nil {
		return 0, 0, withKind(err, want)
	}
	n, ok := parseDecimal(line)
	if !ok {
		return 0, 0, decodeErr(want, 1, ErrMalformed, fmt.Sprintf("invalid length %q", line))
	}
	return n, next, nil
}

func withKind(err error, kind Kind) error {
	var de *DecodeError
	if errors.As(err, &de) && de.Kind == 0 {
		cp := *de
		cp.Kind = kind
		return &cp
	}
	return err
}

// decodeBulk decodes one bulk string frame. null is true for "$-1\r\n".
func decodeBulk(buf []byte) (payload []byte, null bool, consumed int, err error) {
	length, start, err := readHeader(buf, TypeBulkString)
	if err != nil {
		return nil, false, 0, err
	}
	if length == -1 {
		return nil, true, start, nil
	}
	if length < 0 {
		return nil, false, 0, decodeErr(TypeBulkString, 1, ErrMalformed, "negative length")
	}
	if length > MaxBulkLen {
		return nil, false, 0, decodeErr(TypeBulkString, 1, ErrMalformed, "bulk string too large")
	}
	end := start + int(length)
	if end+2 > len(buf) {
		return nil, false, 0, decodeErr(TypeBulkString, len(buf), ErrIncomplete, "")
	}
	if buf[end] != '\r' || buf[end+1] != '\n' {
		return nil, false, 0, decodeErr(TypeBulkString, end, ErrMalformed, "missing CRLF after payload")
	}
	return buf[start:end], false, end + 2, nil
}

// DecodeFrame decodes exactly one length-prefixed string frame from the
// start of buf and returns its payload and the number of bytes consumed,
// including the trailing CRLF.
//
// It never panics: truncated input yields ErrIncomplete, a bad length or
// terminator yields ErrMalformed and RESP3-only markers yield
// ErrUnsupported, each wrapped in a *DecodeError.
func DecodeFrame(buf []byte) (string, int, error) {
	payload, null, n, err := decodeBulk(buf)
	if err != nil {
		return "", 0, err
	}
	if null {
		return "", 0, decodeErr(TypeBulkString, 1, ErrMalformed, "null bulk string is not a valid argument")
	}
	return string(payload), n, nil
}
