package server

import (
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashkv/flashkv/internal/cdc"
	"github.com/flashkv/flashkv/internal/hotkeys"
	"github.com/flashkv/flashkv/internal/logger"
	"github.com/flashkv/flashkv/internal/metrics"
	"github.com/flashkv/flashkv/internal/protocol"
	"github.com/flashkv/flashkv/internal/store"
)

func newTestDispatcher(t *testing.T, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	st := store.New(store.WithSweepInterval(0))
	t.Cleanup(st.Close)
	opts = append([]DispatcherOption{WithLogger(logger.Discard())}, opts...)
	return NewDispatcher(st, opts...)
}

func exec(d *Dispatcher, name string, args ...string) protocol.Value {
	return d.Execute(protocol.Command{Name: name, Args: args}).Reply
}

func TestDispatcher_Commands(t *testing.T) {
	tests := []struct {
		name string
		cmds [][]string
		want protocol.Value
	}{
		{"ping", [][]string{{"PING"}}, protocol.Status("PONG")},
		{"ping with message", [][]string{{"PING", "hi"}}, protocol.Bulk("hi")},
		{"echo", [][]string{{"ECHO", "hello world"}}, protocol.Bulk("hello world")},
		{"set", [][]string{{"SET", "a", "1"}}, protocol.OK()},
		{"get missing", [][]string{{"GET", "nope"}}, protocol.NullBulk()},
		{"set then get", [][]string{{"SET", "a", "1"}, {"GET", "a"}}, protocol.Bulk("1")},
		{"empty value", [][]string{{"SET", "a", ""}, {"GET", "a"}}, protocol.Bulk("")},
		{"del existing", [][]string{{"SET", "a", "1"}, {"DEL", "a"}}, protocol.Integer(1)},
		{"del missing", [][]string{{"DEL", "a"}}, protocol.Integer(0)},
		{"get after del", [][]string{{"SET", "a", "1"}, {"DEL", "a"}, {"GET", "a"}}, protocol.NullBulk()},
		{"exists", [][]string{{"SET", "a", "1"}, {"SET", "b", "2"}, {"EXISTS", "a", "b", "c", "a"}}, protocol.Integer(3)},
		{"incr new key", [][]string{{"INCR", "n"}}, protocol.Integer(1)},
		{"decr new key", [][]string{{"DECR", "n"}}, protocol.Integer(-1)},
		{"incr existing", [][]string{{"SET", "n", "41"}, {"INCR", "n"}}, protocol.Integer(42)},
		{"incr not integer", [][]string{{"SET", "n", "abc"}, {"INCR", "n"}}, protocol.Error("ERR value is not an integer or out of range")},
		{"incr overflow", [][]string{{"SET", "n", "9223372036854775807"}, {"INCR", "n"}}, protocol.Error("ERR increment or decrement would overflow")},
		{"keys substring", [][]string{{"SET", "user:1", "a"}, {"SET", "user:2", "b"}, {"SET", "order", "c"}, {"KEYS", "user"}}, protocol.StringArray([]string{"user:1", "user:2"})},
		{"keys star is literal", [][]string{{"SET", "a*b", "1"}, {"SET", "plain", "1"}, {"KEYS", "*"}}, protocol.StringArray([]string{"a*b"})},
		{"keys empty pattern", [][]string{{"SET", "b", "1"}, {"SET", "a", "1"}, {"KEYS", ""}}, protocol.StringArray([]string{"a", "b"})},
		{"keys none", [][]string{{"KEYS", "zzz"}}, protocol.StringArray([]string{})},
		{"flushall", [][]string{{"SET", "a", "1"}, {"FLUSHALL"}, {"EXISTS", "a"}}, protocol.Integer(0)},
		{"quit", [][]string{{"QUIT"}}, protocol.OK()},
		{"command", [][]string{{"COMMAND", "DOCS"}}, protocol.OK()},
		{"client", [][]string{{"CLIENT", "SETNAME", "x"}}, protocol.OK()},
		{"expire", [][]string{{"EXPIRE", "a", "10"}}, protocol.Error("ERR 'expire' command is not supported")},
		{"ttl", [][]string{{"TTL", "a"}}, protocol.Error("ERR 'ttl' command is not supported")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(t)
			var got protocol.Value
			for _, c := range tt.cmds {
				got = exec(d, c[0], c[1:]...)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDispatcher_CaseInsensitiveName(t *testing.T) {
	d := newTestDispatcher(t)
	assert.Equal(t, protocol.OK(), exec(d, "sEt", "Key", "Value"))
	assert.Equal(t, protocol.Bulk("Value"), exec(d, "get", "Key"))
	assert.Equal(t, protocol.NullBulk(), exec(d, "GET", "key"), "keys stay case-sensitive")
}

func TestDispatcher_WrongArity(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"get", nil},
		{"get", []string{"a", "b"}},
		{"set", []string{"a"}},
		{"del", nil},
		{"del", []string{"a", "b"}},
		{"exists", nil},
		{"keys", nil},
		{"incr", nil},
		{"decr", []string{"a", "b"}},
		{"ping", []string{"a", "b"}},
		{"echo", nil},
		{"flushall", []string{"async"}},
		{"quit", []string{"now"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(t)
			got := exec(d, strings.ToUpper(tt.name), tt.args...)
			assert.Equal(t, protocol.Error("ERR wrong number of arguments for '"+tt.name+"' command"), got)
		})
	}
}

func TestDispatcher_UnknownCommand(t *testing.T) {
	d := newTestDispatcher(t)

	got := exec(d, "FOO", "a", "b")
	assert.Equal(t, protocol.Error("ERR unknown command `FOO`, with args beginning with: 'a' 'b' "), got)

	got = exec(d, "bar")
	assert.Equal(t, protocol.Error("ERR unknown command `bar`, with args beginning with: "), got)
}

func TestDispatcher_UnknownCommandTruncatesArgs(t *testing.T) {
	d := newTestDispatcher(t)
	args := make([]string, 100)
	for i := range args {
		args[i] = "0123456789"
	}
	got := exec(d, "nope", args...)
	require.True(t, got.IsError())
	assert.Less(t, len(got.Str), 250)
	assert.NotContains(t, got.Str, "\n")
}

func TestDispatcher_QuitCloses(t *testing.T) {
	d := newTestDispatcher(t)
	res := d.Execute(protocol.Command{Name: "QUIT"})
	assert.True(t, res.Close)
	assert.Equal(t, protocol.OK(), res.Reply)

	res = d.Execute(protocol.Command{Name: "PING"})
	assert.False(t, res.Close)

	res = d.Execute(protocol.Command{Name: "QUIT", Args: []string{"now"}})
	assert.False(t, res.Close, "an arity error keeps the connection")
	assert.True(t, res.Reply.IsError())
}

func TestDispatcher_SetExpiry(t *testing.T) {
	d := newTestDispatcher(t)

	assert.Equal(t, protocol.OK(), exec(d, "SET", "a", "1", "EX", "100"))
	ttl, ok := d.Store().TTL("a")
	require.True(t, ok)
	assert.InDelta(t, 100*time.Second, ttl, float64(time.Second))

	assert.Equal(t, protocol.OK(), exec(d, "SET", "b", "1", "px", "1500"))
	ttl, ok = d.Store().TTL("b")
	require.True(t, ok)
	assert.InDelta(t, 1500*time.Millisecond, ttl, float64(time.Second))

	assert.Equal(t, protocol.OK(), exec(d, "SET", "a", "2"))
	ttl, ok = d.Store().TTL("a")
	require.True(t, ok)
	assert.Equal(t, time.Duration(-1), ttl, "plain SET clears the TTL")
}

func TestDispatcher_SetExpiryErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing amount", []string{"a", "1", "EX"}, "ERR syntax error"},
		{"unknown option", []string{"a", "1", "NX"}, "ERR syntax error"},
		{"two expiries", []string{"a", "1", "EX", "1", "PX", "1"}, "ERR syntax error"},
		{"not a number", []string{"a", "1", "EX", "soon"}, "ERR invalid expire time in 'set' command"},
		{"zero", []string{"a", "1", "EX", "0"}, "ERR invalid expire time in 'set' command"},
		{"negative", []string{"a", "1", "PX", "-5"}, "ERR invalid expire time in 'set' command"},
		{"too large", []string{"a", "1", "EX", "9223372036854775807"}, "ERR invalid expire time in 'set' command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(t)
			assert.Equal(t, protocol.Error(tt.want), exec(d, "SET", tt.args...))
			assert.False(t, d.Store().Exists("a"), "a rejected SET stores nothing")
		})
	}
}

func TestDispatcher_RecordsEvents(t *testing.T) {
	events := cdc.NewStream(16)
	d := newTestDispatcher(t, WithEvents(events))

	exec(d, "SET", "a", "1", "EX", "10")
	exec(d, "GET", "a")
	exec(d, "INCR", "n")
	exec(d, "DECR", "n")
	exec(d, "DEL", "a")
	exec(d, "DEL", "a")
	exec(d, "SET", "x", "nope", "EX", "0")
	exec(d, "FLUSHALL")

	got := events.Since(0)
	require.Len(t, got, 5)
	assert.Equal(t, cdc.OpSet, got[0].Op)
	assert.Equal(t, "a", got[0].Key)
	assert.Equal(t, int64(10000), got[0].TTLMillis)
	assert.Equal(t, cdc.OpIncr, got[1].Op)
	assert.Equal(t, "1", got[1].Value)
	assert.Equal(t, cdc.OpDecr, got[2].Op)
	assert.Equal(t, "0", got[2].Value)
	assert.Equal(t, cdc.OpDel, got[3].Op)
	assert.Equal(t, cdc.OpFlushAll, got[4].Op)
}

func TestDispatcher_EventsFollowStoreOrder(t *testing.T) {
	const workers, perWorker = 16, 50
	events := cdc.NewStream(2 * workers * perWorker)
	d := newTestDispatcher(t, WithEvents(events))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				exec(d, "SET", "k", strconv.Itoa(w*perWorker+i))
				exec(d, "INCR", "n")
			}
		}(w)
	}
	wg.Wait()

	var lastSet, lastIncr string
	for _, ev := range events.Since(0) {
		switch ev.Op {
		case cdc.OpSet:
			lastSet = ev.Value
		case cdc.OpIncr:
			lastIncr = ev.Value
		}
	}

	val, ok := d.Store().Get("k")
	require.True(t, ok)
	assert.Equal(t, val, lastSet, "last SET event matches the stored value")
	assert.Equal(t, exec(d, "GET", "n"), protocol.Bulk(lastIncr))
	assert.Equal(t, strconv.Itoa(workers*perWorker), lastIncr)
}

func TestDispatcher_TracksHotKeys(t *testing.T) {
	hot := hotkeys.New(10, 0)
	d := newTestDispatcher(t, WithHotKeys(hot))

	exec(d, "SET", "a", "1")
	exec(d, "GET", "a")
	exec(d, "GET", "a")
	exec(d, "INCR", "b")

	top := hot.Top(2)
	require.Len(t, top, 2)
	assert.Equal(t, hotkeys.Entry{Key: "a", Count: 3}, top[0])
	assert.Equal(t, hotkeys.Entry{Key: "b", Count: 1}, top[1])

	exec(d, "FLUSHALL")
	assert.Zero(t, hot.Size())
}

func TestDispatcher_ObservesMetrics(t *testing.T) {
	m := metrics.New(nil)
	d := newTestDispatcher(t, WithMetrics(m))

	exec(d, "SET", "a", "1")
	exec(d, "GET", "a")
	exec(d, "GET")
	exec(d, "WHAT")

	stats := m.Stats()
	assert.Equal(t, int64(4), stats.TotalCommands)
	assert.Equal(t, int64(1), stats.TotalWrites)
	assert.Equal(t, int64(3), stats.TotalReads)
}

func TestDispatcher_RepliesRoundTrip(t *testing.T) {
	d := newTestDispatcher(t)
	exec(d, "SET", "k", "v")

	for _, c := range [][]string{{"PING"}, {"GET", "k"}, {"GET", "none"}, {"EXISTS", "k"}, {"KEYS", "k"}, {"NOPE"}} {
		want := exec(d, c[0], c[1:]...)
		got, n, err := protocol.DecodeValue(protocol.Encode(want))
		require.NoError(t, err, c)
		assert.Equal(t, len(protocol.Encode(want)), n)
		assert.Equal(t, want, got, c)
	}
}
