// Package protocol implements the RESP (Redis Serialization Protocol)
// subset spoken by FlashKV: a byte-slice frame decoder, a resumable command
// parser, the reply model with its encoder, and buffered stream helpers
// for clients.
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

const defaultBufSize = 64 * 1024

// Reader reads RESP values from a stream. Clients use it to read replies.
type Reader struct {
	rd *bufio.Reader
}

// NewReader creates a new RESP Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{rd: bufio.NewReaderSize(r, defaultBufSize)}
}

// Buffered returns the number of bytes already read from the stream but
// not yet consumed.
func (r *Reader) Buffered() int {
	return r.rd.Buffered()
}

// ReadValue reads a single RESP value.
func (r *Reader) ReadValue() (Value, error) {
	typeByte, err := r.rd.ReadByte()
	if err != nil {
		return Value{}, err
	}

	kind := Kind(typeByte)
	switch kind {
	case TypeSimpleString, TypeError:
		line, err := r.readLine()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: kind, Str: line}, nil
	case TypeInteger:
		return r.readInteger()
	case TypeBulkString:
		return r.readBulkString()
	case TypeArray:
		return r.readArray()
	default:
		if kind.known() {
			return Value{}, fmt.Errorf("%w: %s", ErrUnsupported, kind)
		}
		return Value{}, fmt.Errorf("%w: unknown type marker %q", ErrMalformed, typeByte)
	}
}

// readLine reads a line until \r\n
func (r *Reader) readLine() (string, error) {
	line, err := r.rd.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return "", fmt.Errorf("%w: missing CRLF", ErrMalformed)
	}
	return line[:len(line)-2], nil
}

func (r *Reader) readLength() (int64, error) {
	line, err := r.readLine()
	if err != nil {
		return 0, err
	}
	n, ok := parseDecimal([]byte(line))
	if !ok {
		return 0, fmt.Errorf("%w: invalid length %q", ErrMalformed, line)
	}
	return n, nil
}

func (r *Reader) readInteger() (Value, error) {
	n, err := r.readLength()
	if err != nil {
		return Value{}, err
	}
	return Integer(n), nil
}

func (r *Reader) readBulkString() (Value, error) {
	length, err := r.readLength()
	if err != nil {
		return Value{}, err
	}
	if length == -1 {
		return NullBulk(), nil
	}
	if length < 0 || length > MaxBulkLen {
		return Value{}, fmt.Errorf("%w: invalid bulk string length %d", ErrMalformed, length)
	}

	// Read the data + \r\n
	data := make([]byte, length+2)
	if _, err := io.ReadFull(r.rd, data); err != nil {
		return Value{}, err
	}
	if data[length] != '\r' || data[length+1] != '\n' {
		return Value{}, fmt.Errorf("%w: missing CRLF after payload", ErrMalformed)
	}
	return Bulk(string(data[:length])), nil
}

func (r *Reader) readArray() (Value, error) {
	count, err := r.readLength()
	if err != nil {
		return Value{}, err
	}
	if count == -1 {
		return Value{Type: TypeArray, Null: true}, nil
	}
	if count < 0 || count > MaxArgs {
		return Value{}, fmt.Errorf("%w: invalid array length %d", ErrMalformed, count)
	}

	array := make([]Value, 0, min(int(count), 64))
	for i := int64(0); i < count; i++ {
		val, err := r.ReadValue()
		if err != nil {
			return Value{}, err
		}
		array = append(array, val)
	}
	return Value{Type: TypeArray, Array: array}, nil
}

// Writer writes RESP values to a stream.
// By default every Write* call flushes immediately. Call SetAutoFlush(false)
// before a batch and Flush once at the end to amortise syscalls.
type Writer struct {
	wr        *bufio.Writer
	autoFlush bool
	scratch   []byte
}

// NewWriter creates a new RESP Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{wr: bufio.NewWriterSize(w, defaultBufSize), autoFlush: true}
}

// SetAutoFlush controls whether each Write* call flushes automatically.
func (w *Writer) SetAutoFlush(on bool) { w.autoFlush = on }

// Flush writes any buffered data to the underlying io.Writer.
func (w *Writer) Flush() error { return w.wr.Flush() }

func (w *Writer) flush() error {
	if w.autoFlush {
		return w.wr.Flush()
	}
	return nil
}

// WriteValue writes one encoded value.
func (w *Writer) WriteValue(v Value) error {
	w.scratch = AppendValue(w.scratch[:0], v)
	if _, err := w.wr.Write(w.scratch); err != nil {
		return err
	}
	return w.flush()
}

// WriteCommand writes a request as an array of bulk strings.
func (w *Writer) WriteCommand(args ...string) error {
	b := w.scratch[:0]
	b = append(b, '*')
	b = strconv.AppendInt(b, int64(len(args)), 10)
	b = append(b, crlf...)
	for _, arg := range args {
		b = AppendValue(b, Bulk(arg))
	}
	w.scratch = b
	if _, err := w.wr.Write(b); err != nil {
		return err
	}
	return w.flush()
}
