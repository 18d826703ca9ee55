package server

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flashkv/flashkv/internal/cdc"
	"github.com/flashkv/flashkv/internal/hotkeys"
	"github.com/flashkv/flashkv/internal/metrics"
	"github.com/flashkv/flashkv/internal/protocol"
	"github.com/flashkv/flashkv/internal/store"
)

// Result is the outcome of one command. Close asks the connection handler
// to close the connection after writing Reply.
type Result struct {
	Reply protocol.Value
	Close bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMetrics records every command on m.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithEvents records mutations on the change stream.
func WithEvents(s *cdc.Stream) DispatcherOption {
	return func(d *Dispatcher) { d.events = s }
}

// WithHotKeys records key accesses on the tracker.
func WithHotKeys(t *hotkeys.Tracker) DispatcherOption {
	return func(d *Dispatcher) { d.hot = t }
}

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// Dispatcher maps commands to store operations and builds the replies.
// It holds no per-connection state and is safe for concurrent use.
type Dispatcher struct {
	store   *store.Store
	metrics *metrics.Metrics
	events  *cdc.Stream
	hot     *hotkeys.Tracker
	logger  *slog.Logger

	// writeMu serializes each mutation with its change event so the
	// stream sees writes in the order the store applied them.
	writeMu sync.Mutex
}

// NewDispatcher creates a dispatcher over st.
func NewDispatcher(st *store.Store, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:  st,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Store returns the store the dispatcher operates on.
func (d *Dispatcher) Store() *store.Store {
	return d.store
}

type commandSpec struct {
	minArgs int
	maxArgs int // -1 means no upper bound
	write   bool
	closes  bool
	handler func(d *Dispatcher, args []string) protocol.Value
}

var commands = map[string]commandSpec{
	"get":      {minArgs: 1, maxArgs: 1, handler: (*Dispatcher).cmdGet},
	"set":      {minArgs: 2, maxArgs: -1, write: true, handler: (*Dispatcher).cmdSet},
	"del":      {minArgs: 1, maxArgs: 1, write: true, handler: (*Dispatcher).cmdDel},
	"exists":   {minArgs: 1, maxArgs: -1, handler: (*Dispatcher).cmdExists},
	"keys":     {minArgs: 1, maxArgs: 1, handler: (*Dispatcher).cmdKeys},
	"incr":     {minArgs: 1, maxArgs: 1, write: true, handler: (*Dispatcher).cmdIncr},
	"decr":     {minArgs: 1, maxArgs: 1, write: true, handler: (*Dispatcher).cmdDecr},
	"ping":     {minArgs: 0, maxArgs: 1, handler: (*Dispatcher).cmdPing},
	"echo":     {minArgs: 1, maxArgs: 1, handler: (*Dispatcher).cmdEcho},
	"flushall": {minArgs: 0, maxArgs: 0, write: true, handler: (*Dispatcher).cmdFlushAll},
	"quit":     {minArgs: 0, maxArgs: 0, closes: true, handler: (*Dispatcher).cmdOK},
	"command":  {minArgs: 0, maxArgs: -1, handler: (*Dispatcher).cmdOK},
	"client":   {minArgs: 0, maxArgs: -1, handler: (*Dispatcher).cmdOK},
	"expire":   {minArgs: 0, maxArgs: -1, handler: notSupported("expire")},
	"ttl":      {minArgs: 0, maxArgs: -1, handler: notSupported("ttl")},
}

// Execute runs one command. Lookup is case-insensitive on the name only.
func (d *Dispatcher) Execute(cmd protocol.Command) Result {
	start := time.Now()
	name := strings.ToLower(cmd.Name)

	spec, ok := commands[name]
	if !ok {
		d.metrics.ObserveCommand("unknown", false, true, time.Since(start))
		return Result{Reply: unknownCommand(cmd)}
	}

	if len(cmd.Args) < spec.minArgs || (spec.maxArgs >= 0 && len(cmd.Args) > spec.maxArgs) {
		reply := protocol.Errorf("wrong number of arguments for '%s' command", name)
		d.metrics.ObserveCommand(name, spec.write, true, time.Since(start))
		return Result{Reply: reply}
	}

	reply := spec.handler(d, cmd.Args)
	d.metrics.ObserveCommand(name, spec.write, reply.IsError(), time.Since(start))
	return Result{Reply: reply, Close: spec.closes}
}

// unknownCommand renders the arguments the way redis-cli users expect,
// quoted and truncated, so the reply stays a single line.
func unknownCommand(cmd protocol.Command) protocol.Value {
	const maxArgsLen = 128

	var sb strings.Builder
	for _, arg := range cmd.Args {
		if sb.Len() >= maxArgsLen {
			break
		}
		sb.WriteByte('\'')
		sb.WriteString(arg)
		sb.WriteString("' ")
	}
	return protocol.Errorf("unknown command `%s`, with args beginning with: %s", cmd.Name, sb.String())
}

func notSupported(name string) func(*Dispatcher, []string) protocol.Value {
	return func(*Dispatcher, []string) protocol.Value {
		return protocol.Errorf("'%s' command is not supported", name)
	}
}

func (d *Dispatcher) record(c cdc.Change) {
	if d.events != nil {
		d.events.Record(c)
	}
}

func (d *Dispatcher) touch(key string) {
	if d.hot != nil {
		d.hot.Record(key)
	}
}

func (d *Dispatcher) cmdOK(args []string) protocol.Value {
	return protocol.OK()
}

func (d *Dispatcher) cmdPing(args []string) protocol.Value {
	if len(args) == 0 {
		return protocol.Status("PONG")
	}
	return protocol.Bulk(args[0])
}

func (d *Dispatcher) cmdEcho(args []string) protocol.Value {
	return protocol.Bulk(args[0])
}

func (d *Dispatcher) cmdGet(args []string) protocol.Value {
	d.touch(args[0])
	val, ok := d.store.Get(args[0])
	if !ok {
		return protocol.NullBulk()
	}
	return protocol.Bulk(val)
}

// cmdSet handles SET key value [EX seconds | PX milliseconds].
func (d *Dispatcher) cmdSet(args []string) protocol.Value {
	key, value := args[0], args[1]

	var ttl time.Duration
	expireOptionSet := false
	for i := 2; i < len(args); i++ {
		var unit time.Duration
		switch strings.ToUpper(args[i]) {
		case "EX":
			unit = time.Second
		case "PX":
			unit = time.Millisecond
		default:
			return protocol.Errorf("syntax error")
		}
		if expireOptionSet || i+1 >= len(args) {
			return protocol.Errorf("syntax error")
		}
		n, err := strconv.ParseInt(args[i+1], 10, 64)
		if err != nil || n <= 0 || n > int64(maxTTL/unit) {
			return protocol.Errorf("invalid expire time in 'set' command")
		}
		ttl = time.Duration(n) * unit
		expireOptionSet = true
		i++
	}

	d.touch(key)
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if expireOptionSet {
		d.store.SetWithTTL(key, value, ttl)
	} else {
		d.store.Set(key, value)
	}
	d.record(cdc.Change{Op: cdc.OpSet, Key: key, Value: value, TTL: ttl})
	return protocol.OK()
}

// maxTTL bounds EX and PX so the converted duration cannot overflow.
const maxTTL = time.Duration(1<<63 - 1)

func (d *Dispatcher) cmdDel(args []string) protocol.Value {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if !d.store.Remove(args[0]) {
		return protocol.Integer(0)
	}
	d.record(cdc.Change{Op: cdc.OpDel, Key: args[0]})
	return protocol.Integer(1)
}

func (d *Dispatcher) cmdExists(args []string) protocol.Value {
	var n int64
	for _, key := range args {
		if d.store.Exists(key) {
			n++
		}
	}
	return protocol.Integer(n)
}

// cmdKeys matches by substring. Glob characters have no special meaning.
func (d *Dispatcher) cmdKeys(args []string) protocol.Value {
	return protocol.StringArray(d.store.Keys(args[0]))
}

func (d *Dispatcher) cmdIncr(args []string) protocol.Value {
	return d.counter(args[0], 1, cdc.OpIncr)
}

func (d *Dispatcher) cmdDecr(args []string) protocol.Value {
	return d.counter(args[0], -1, cdc.OpDecr)
}

func (d *Dispatcher) counter(key string, delta int64, op cdc.OpType) protocol.Value {
	d.touch(key)
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	n, err := d.store.IncrBy(key, delta)
	if err != nil {
		// store.ErrNotInteger and store.ErrOverflow carry the reply text.
		return protocol.Errorf("%s", err)
	}
	d.record(cdc.Change{Op: op, Key: key, Value: strconv.FormatInt(n, 10)})
	return protocol.Integer(n)
}

func (d *Dispatcher) cmdFlushAll(args []string) protocol.Value {
	d.writeMu.Lock()
	d.store.Clear()
	d.record(cdc.Change{Op: cdc.OpFlushAll})
	d.writeMu.Unlock()
	d.logger.Info("store flushed")
	if d.hot != nil {
		d.hot.Reset()
	}
	return protocol.OK()
}
