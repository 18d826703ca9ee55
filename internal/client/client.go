// Package client is a minimal FlashKV client used by flashkv-cli.
package client

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/flashkv/flashkv/internal/protocol"
)

// Client is a single connection to a FlashKV server. It is not safe for
// concurrent use.
type Client struct {
	conn    net.Conn
	r       *protocol.Reader
	w       *protocol.Writer
	timeout time.Duration
}

// Dial connects to addr. timeout bounds the dial and each Do call; zero
// means no timeout.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("client: failed to connect to %s: %w", addr, err)
	}
	return &Client{
		conn:    conn,
		r:       protocol.NewReader(conn),
		w:       protocol.NewWriter(conn),
		timeout: timeout,
	}, nil
}

// Do sends one command and waits for its reply. Error replies are returned
// as values, not errors; err is set only when the connection fails.
func (c *Client) Do(args ...string) (protocol.Value, error) {
	if len(args) == 0 {
		return protocol.Value{}, fmt.Errorf("client: empty command")
	}
	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return protocol.Value{}, err
		}
	}
	if err := c.w.WriteCommand(args...); err != nil {
		return protocol.Value{}, fmt.Errorf("client: write: %w", err)
	}
	v, err := c.r.ReadValue()
	if err != nil {
		return protocol.Value{}, fmt.Errorf("client: read: %w", err)
	}
	return v, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Format renders v the way redis-cli prints replies.
func Format(v protocol.Value) string {
	var sb strings.Builder
	format(&sb, v, "")
	return sb.String()
}

func format(sb *strings.Builder, v protocol.Value, indent string) {
	switch v.Type {
	case protocol.TypeSimpleString:
		sb.WriteString(v.Str)
	case protocol.TypeError:
		sb.WriteString("(error) ")
		sb.WriteString(v.Str)
	case protocol.TypeInteger:
		sb.WriteString("(integer) ")
		sb.WriteString(strconv.FormatInt(v.Num, 10))
	case protocol.TypeBulkString:
		if v.Null {
			sb.WriteString("(nil)")
			return
		}
		sb.WriteString(strconv.Quote(v.Str))
	case protocol.TypeArray:
		if v.Null {
			sb.WriteString("(nil)")
			return
		}
		if len(v.Array) == 0 {
			sb.WriteString("(empty array)")
			return
		}
		width := len(strconv.Itoa(len(v.Array)))
		for i, item := range v.Array {
			if i > 0 {
				sb.WriteByte('\n')
				sb.WriteString(indent)
			}
			prefix := fmt.Sprintf("%*d) ", width, i+1)
			sb.WriteString(prefix)
			format(sb, item, indent+strings.Repeat(" ", len(prefix)))
		}
	default:
		sb.WriteString(fmt.Sprintf("(unknown reply type %q)", byte(v.Type)))
	}
}
