// Package web provides the FlashKV admin HTTP API.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flashkv/flashkv/internal/cdc"
	"github.com/flashkv/flashkv/internal/hotkeys"
	"github.com/flashkv/flashkv/internal/metrics"
	"github.com/flashkv/flashkv/internal/protocol"
	"github.com/flashkv/flashkv/internal/server"
	"github.com/flashkv/flashkv/internal/version"
)

const apiVersionPath = "/api/v1"

// Deps are the components the API reads from. Only Dispatcher is required.
type Deps struct {
	Dispatcher *server.Dispatcher
	Metrics    *metrics.Metrics
	Events     *cdc.Stream
	HotKeys    *hotkeys.Tracker
	Logger     *slog.Logger
	// Token enables bearer-token auth on every route except health,
	// readiness and metrics.
	Token string
	// Clients lists the connected TCP clients.
	Clients func() []server.ClientInfo
}

// Server represents the admin HTTP server.
type Server struct {
	addr      string
	deps      Deps
	logger    *slog.Logger
	startTime time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

// New creates a new admin server listening on addr.
func New(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:      addr,
		deps:      deps,
		logger:    logger,
		startTime: time.Now(),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// CommandRequest is a command execution request. Command may hold the whole
// command line ("SET a 1") or just the name when Args is set.
type CommandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// CommandResponse represents a command execution response.
type CommandResponse struct {
	Success bool   `json:"success"`
	Result  any    `json:"result"`
	Error   string `json:"error,omitempty"`
	Type    string `json:"type,omitempty"`
}

// StatsResponse represents server statistics.
type StatsResponse struct {
	Version       string  `json:"version"`
	Uptime        int64   `json:"uptime"`
	UptimeHuman   string  `json:"uptime_human"`
	Keys          int     `json:"keys"`
	ExpiredKeys   uint64  `json:"expired_keys"`
	MemoryUsed    uint64  `json:"memory_used"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	GoRoutines    int     `json:"goroutines"`
	CPUs          int     `json:"cpus"`
	TotalCommands int64   `json:"total_commands"`
	TotalReads    int64   `json:"total_reads"`
	TotalWrites   int64   `json:"total_writes"`
	Clients       int     `json:"clients"`
}

// KeyInfo represents information about a key. TTL is in seconds, -1 for
// keys without expiry.
type KeyInfo struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	TTL   int64  `json:"ttl"`
	Value string `json:"value,omitempty"`
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("web: failed to listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	s.logger.Info("admin API listening", "addr", ln.Addr().String(), "auth", s.deps.Token != "")

	go func() {
		<-ctx.Done()
		s.doneOnce.Do(func() { close(s.done) })
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("admin API shutdown", "error", err)
		}
	}()

	if err := srv.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Handler returns the API with its middleware applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.authMiddleware(s.routes()))
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc(apiVersionPath+"/execute", s.handleExecute)
	mux.HandleFunc(apiVersionPath+"/stats", s.handleStats)
	mux.HandleFunc(apiVersionPath+"/keys", s.handleKeys)
	mux.HandleFunc(apiVersionPath+"/key/", s.handleKey)
	mux.HandleFunc(apiVersionPath+"/clients", s.handleClients)
	mux.HandleFunc(apiVersionPath+"/hotkeys", s.handleHotKeys)
	mux.HandleFunc(apiVersionPath+"/events", s.handleEvents)
	mux.HandleFunc(apiVersionPath+"/events/ws", s.handleEventsWS)

	// Health endpoints
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc(apiVersionPath+"/healthz", s.handleHealth)
	mux.HandleFunc(apiVersionPath+"/readyz", s.handleReady)

	mux.Handle("/metrics", s.deps.Metrics.Handler())

	return mux
}

// corsMiddleware adds CORS headers.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

var publicPaths = map[string]bool{
	"/healthz":                  true,
	"/readyz":                   true,
	apiVersionPath + "/healthz": true,
	apiVersionPath + "/readyz":  true,
	"/metrics":                  true,
}

// authMiddleware requires "Authorization: Bearer <token>" when a token is
// configured. Browsers cannot set headers on websocket requests, so the
// event stream also accepts ?token=.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.deps.Token == "" {
		return next
	}
	want := []byte(s.deps.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok && r.URL.Path == apiVersionPath+"/events/ws" {
			got, ok = r.URL.Query().Get("token"), true
		}
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			s.logger.Debug("unauthorized admin request", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeJSONWithStatus(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleExecute runs one command through the dispatcher used by TCP
// clients. QUIT is answered but has no effect.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONWithStatus(w, http.StatusBadRequest, CommandResponse{Success: false, Error: "invalid request"})
		return
	}

	args := req.Args
	parts := []string{strings.TrimSpace(req.Command)}
	if len(args) == 0 {
		parts = parseCommand(req.Command)
	}
	if len(parts) == 0 || parts[0] == "" {
		writeJSONWithStatus(w, http.StatusBadRequest, CommandResponse{Success: false, Error: "empty command"})
		return
	}
	if len(args) == 0 {
		args = parts[1:]
	}

	res := s.deps.Dispatcher.Execute(protocol.Command{Name: parts[0], Args: args})
	writeJSON(w, commandResponse(res.Reply))
}

func commandResponse(v protocol.Value) CommandResponse {
	if v.IsError() {
		return CommandResponse{Success: false, Error: v.Str, Type: v.Type.String()}
	}
	return CommandResponse{Success: true, Result: jsonValue(v), Type: v.Type.String()}
}

func jsonValue(v protocol.Value) any {
	switch v.Type {
	case protocol.TypeInteger:
		return v.Num
	case protocol.TypeArray:
		if v.Null {
			return nil
		}
		items := make([]any, len(v.Array))
		for i, item := range v.Array {
			items[i] = jsonValue(item)
		}
		return items
	default:
		if v.Null {
			return nil
		}
		return v.Str
	}
}

// handleStats returns server statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	st := s.deps.Dispatcher.Store()
	cmdStats := s.deps.Metrics.Stats()
	started := s.startTime
	if !cmdStats.StartTime.IsZero() {
		started = cmdStats.StartTime
	}
	uptime := time.Since(started)

	clients := 0
	if s.deps.Clients != nil {
		clients = len(s.deps.Clients())
	}

	writeJSON(w, StatsResponse{
		Version:       version.Version,
		Uptime:        int64(uptime.Seconds()),
		UptimeHuman:   formatDuration(uptime),
		Keys:          st.Len(),
		ExpiredKeys:   st.Reclaimed(),
		MemoryUsed:    m.Alloc,
		MemoryUsedMB:  float64(m.Alloc) / 1024 / 1024,
		GoRoutines:    runtime.NumGoroutine(),
		CPUs:          runtime.NumCPU(),
		TotalCommands: cmdStats.TotalCommands,
		TotalReads:    cmdStats.TotalReads,
		TotalWrites:   cmdStats.TotalWrites,
		Clients:       clients,
	})
}

// handleKeys lists keys containing ?pattern=, up to ?limit= (default 100).
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pattern := r.URL.Query().Get("pattern")

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	st := s.deps.Dispatcher.Store()
	keys := st.Keys(pattern)
	total := len(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}

	keyInfos := make([]KeyInfo, 0, len(keys))
	for _, key := range keys {
		ttl, ok := st.TTL(key)
		if !ok {
			continue
		}
		keyInfos = append(keyInfos, KeyInfo{Key: key, Type: "string", TTL: ttlSeconds(ttl)})
	}

	writeJSON(w, map[string]any{
		"keys":  keyInfos,
		"total": total,
	})
}

// handleKey reads or deletes a single key. Deletes go through the
// dispatcher so they are counted and recorded like DEL.
func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, apiVersionPath+"/key/")
	if key == "" {
		http.Error(w, "Key required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		st := s.deps.Dispatcher.Store()
		val, exists := st.Get(key)
		ttl, live := st.TTL(key)
		if !exists || !live {
			writeJSONWithStatus(w, http.StatusNotFound, map[string]any{"error": "key not found"})
			return
		}
		writeJSON(w, KeyInfo{
			Key:   key,
			Type:  "string",
			TTL:   ttlSeconds(ttl),
			Value: val,
		})

	case http.MethodDelete:
		res := s.deps.Dispatcher.Execute(protocol.Command{Name: "DEL", Args: []string{key}})
		writeJSON(w, map[string]any{"success": true, "deleted": res.Reply.Num})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clients := []server.ClientInfo{}
	if s.deps.Clients != nil {
		clients = s.deps.Clients()
	}
	writeJSON(w, map[string]any{"clients": clients})
}

// handleHotKeys returns the ?n= most accessed keys.
func (s *Server) handleHotKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.HotKeys == nil {
		writeJSONWithStatus(w, http.StatusNotFound, map[string]any{"error": "hot key tracking is disabled"})
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	writeJSON(w, map[string]any{"keys": s.deps.HotKeys.Top(n)})
}

// handleEvents returns change events with an id greater than ?after=.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Events == nil {
		writeJSONWithStatus(w, http.StatusNotFound, map[string]any{"error": "change events are disabled"})
		return
	}
	after, err := parseAfter(r)
	if err != nil {
		writeJSONWithStatus(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, map[string]any{
		"events": s.deps.Events.Since(after),
		"stats":  s.deps.Events.Stats(),
	})
}

func parseAfter(r *http.Request) (uint64, error) {
	v := r.URL.Query().Get("after")
	if v == "" {
		return 0, nil
	}
	after, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid after %q", v)
	}
	return after, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ready := s.deps.Dispatcher != nil && s.deps.Dispatcher.Store() != nil
	statusCode := http.StatusOK
	status := "ready"
	if !ready {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}
	writeJSONWithStatus(w, statusCode, map[string]any{
		"status": status,
		"ready":  ready,
	})
}

// ttlSeconds rounds a remaining lifetime to whole seconds.
func ttlSeconds(ttl time.Duration) int64 {
	if ttl < 0 {
		return -1
	}
	return int64((ttl + 500*time.Millisecond) / time.Second)
}

// parseCommand parses a command string into parts, handling quoted strings.
func parseCommand(input string) []string {
	var parts []string
	var current strings.Builder
	inQuote := false
	quoted := false
	quoteChar := byte(0)

	for i := 0; i < len(input); i++ {
		c := input[i]
		switch {
		case inQuote:
			if c == quoteChar {
				inQuote = false
			} else {
				current.WriteByte(c)
			}
		case c == '"' || c == '\'':
			inQuote = true
			quoted = true
			quoteChar = c
		case c == ' ' || c == '\t':
			if current.Len() > 0 || quoted {
				parts = append(parts, current.String())
				current.Reset()
				quoted = false
			}
		default:
			current.WriteByte(c)
		}
	}
	if current.Len() > 0 || quoted {
		parts = append(parts, current.String())
	}
	return parts
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data any) {
	writeJSONWithStatus(w, http.StatusOK, data)
}

func writeJSONWithStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// formatDuration formats a duration as human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, mins, secs)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
