package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxPending bounds the bytes a Parser buffers while waiting for the
// rest of a command.
const DefaultMaxPending = 16 * 1024 * 1024

// Command is a decoded request: a name and its arguments.
// Name keeps the case the client sent.
type Command struct {
	Name string
	Args []string
}

// ParseCommand decodes one command from the start of buf and returns it with
// the number of bytes consumed.
//
// Array requests ("*N\r\n" followed by N bulk strings) are the normal form.
// A buffer that does not start with '*' is read as an inline command line.
// ErrIncomplete (wrapped) is returned when buf ends inside the command.
// ErrEmptyCommand is returned together with a positive byte count for
// requests that carry no command at all, so callers can skip them.
func ParseCommand(buf []byte) (Command, int, error) {
	if len(buf) == 0 {
		return Command{}, 0, decodeErr(TypeArray, 0, ErrIncomplete, "")
	}
	if buf[0] != byte(TypeArray) {
		if k := Kind(buf[0]); k.known() {
			if !k.Supported() {
				return Command{}, 0, decodeErr(k, 0, ErrUnsupported, k.String())
			}
			return Command{}, 0, decodeErr(k, 0, ErrMalformed, fmt.Sprintf("expected array, got %s", k))
		}
		return parseInline(buf)
	}

	count, pos, err := readHeader(buf, TypeArray)
	if err != nil {
		return Command{}, 0, err
	}
	if count <= 0 {
		return Command{}, pos, ErrEmptyCommand
	}
	if count > MaxArgs {
		return Command{}, 0, decodeErr(TypeArray, 1, ErrMalformed, fmt.Sprintf("too many arguments (%d)", count))
	}

	name, n, err := DecodeFrame(buf[pos:])
	if err != nil {
		return Command{}, 0, shift(err, pos)
	}
	pos += n

	args := make([]string, 0, min(int(count)-1, 16))
	for i := int64(1); i < count; i++ {
		arg, n, err := DecodeFrame(buf[pos:])
		if err != nil {
			return Command{}, 0, shift(err, pos)
		}
		args = append(args, arg)
		pos += n
	}

	return Command{Name: name, Args: args}, pos, nil
}

func parseInline(buf []byte) (Command, int, error) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		if len(buf) > MaxInlineLen {
			return Command{}, 0, decodeErr(0, 0, ErrMalformed, "inline command too long")
		}
		return Command{}, 0, decodeErr(0, len(buf), ErrIncomplete, "")
	}
	if idx > MaxInlineLen {
		return Command{}, 0, decodeErr(0, 0, ErrMalformed, "inline command too long")
	}
	line := strings.TrimSuffix(string(buf[:idx]), "\r")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, idx + 1, ErrEmptyCommand
	}
	return Command{Name: fields[0], Args: fields[1:]}, idx + 1, nil
}

// Parser turns a stream of received chunks into commands. It keeps the
// undecoded tail of the stream between calls, together with the frames of
// an unfinished array command that are already decoded, so each byte is
// decoded once no matter how the command is split across reads.
//
// A Parser is not safe for concurrent use; each connection owns one.
type Parser struct {
	buf        []byte
	off        int
	maxPending int

	// Array command in progress.
	partial   bool
	remaining int64
	name      string
	haveName  bool
	args      []string
	consumed  int
}

// NewParser creates a Parser that refuses to buffer more than maxPending
// bytes. A non-positive value selects DefaultMaxPending.
func NewParser(maxPending int) *Parser {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Parser{maxPending: maxPending}
}

// Feed appends received bytes. The limit covers the unfinished command as
// a whole, including frames already decoded.
func (p *Parser) Feed(b []byte) error {
	p.compact()
	if p.consumed+len(p.buf)+len(b) > p.maxPending {
		return fmt.Errorf("%w: more than %d bytes pending", ErrRequestTooLarge, p.maxPending)
	}
	p.buf = append(p.buf, b...)
	return nil
}

// Next returns the next complete command. When the buffered bytes end
// inside a command it returns an error matching ErrIncomplete and keeps the
// bytes for the next Feed. Any other error means the stream is corrupt and
// the connection should be dropped.
func (p *Parser) Next() (Command, error) {
	for !p.partial {
		if p.off >= len(p.buf) {
			p.buf = p.buf[:0]
			p.off = 0
			return Command{}, decodeErr(0, 0, ErrIncomplete, "")
		}
		if p.buf[p.off] != byte(TypeArray) {
			cmd, n, err := ParseCommand(p.buf[p.off:])
			if errors.Is(err, ErrEmptyCommand) {
				p.off += n
				continue
			}
			if err != nil {
				return Command{}, shift(err, p.off)
			}
			p.off += n
			return cmd, nil
		}
		if err := p.begin(); err != nil {
			return Command{}, err
		}
	}

	for p.remaining > 0 {
		s, n, err := DecodeFrame(p.buf[p.off:])
		if err != nil {
			return Command{}, shift(err, p.off)
		}
		p.off += n
		p.consumed += n
		p.remaining--
		if p.haveName {
			p.args = append(p.args, s)
		} else {
			p.name, p.haveName = s, true
		}
	}

	cmd := Command{Name: p.name, Args: p.args}
	p.clearPartial()
	return cmd, nil
}

// begin decodes the array header at p.off. An empty array is skipped.
func (p *Parser) begin() error {
	count, n, err := readHeader(p.buf[p.off:], TypeArray)
	if err != nil {
		return shift(err, p.off)
	}
	if count > MaxArgs {
		return decodeErr(TypeArray, p.off+1, ErrMalformed, fmt.Sprintf("too many arguments (%d)", count))
	}
	p.off += n
	if count <= 0 {
		return nil
	}
	p.partial = true
	p.remaining = count
	p.args = make([]string, 0, min(int(count)-1, 16))
	p.consumed = n
	return nil
}

func (p *Parser) clearPartial() {
	p.partial = false
	p.remaining = 0
	p.name, p.haveName = "", false
	p.args = nil
	p.consumed = 0
}

// Pending returns the number of received bytes that have not yet been
// returned as part of a command.
func (p *Parser) Pending() int {
	return p.consumed + len(p.buf) - p.off
}

// Reset drops all buffered bytes and any command in progress.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
	p.off = 0
	p.clearPartial()
}

func (p *Parser) compact() {
	if p.off == 0 {
		return
	}
	n := copy(p.buf, p.buf[p.off:])
	p.buf = p.buf[:n]
	p.off = 0
}
