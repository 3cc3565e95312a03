package server

import (
	"cmp"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn is the interface for WebSocket connection operations.
type WebSocketConn interface {
	io.Closer
	WriteJSON(v any) error
	ReadJSON(v any) error
}

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// checkOrigin reports whether the WebSocket connection origin is allowed.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Same-origin requests omit the Origin header
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		slog.Warn("rejected WebSocket connection: invalid origin URL", "origin", origin)
		return false
	}

	host := u.Hostname()

	// Exact localhost matches
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	// Same-origin check (compare with request host)
	requestHost := r.Host
	// Strip port from request host for comparison
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == requestHost {
		return true
	}

	// Check private IP ranges using net.IP
	ip := net.ParseIP(host)
	if ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	slog.Warn("rejected WebSocket connection", "origin", origin, "host", host)
	return false
}

// UpgradeConnection upgrades an HTTP connection to WebSocket.
func UpgradeConnection(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// Default push intervals.
const (
	DefaultLevelsInterval = 100 * time.Millisecond // 10 fps for level meters
	DefaultStatusInterval = 3 * time.Second
)

// ConnOptions configures the update loop of one connection.
type ConnOptions struct {
	Status         func() any
	Levels         func() any
	LevelsInterval time.Duration
	StatusInterval time.Duration
}

// ServeConn runs one WebSocket connection until the client goes away.
// Only the writer goroutine writes to conn.
func (h *CommandHandler) ServeConn(conn WebSocketConn, opts ConnOptions) {
	opts.LevelsInterval = cmp.Or(opts.LevelsInterval, DefaultLevelsInterval)
	opts.StatusInterval = cmp.Or(opts.StatusInterval, DefaultStatusInterval)

	send := make(chan any, 16)
	done := make(chan struct{})
	statusUpdate := make(chan struct{}, 1)

	go runWriter(conn, send, done)
	go h.runReader(conn, send, done, statusUpdate)

	runEventLoop(send, done, statusUpdate, opts)
}

// runWriter writes messages from send to the connection.
func runWriter(conn WebSocketConn, send <-chan any, done <-chan struct{}) {
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()
	for {
		select {
		case <-done:
			return
		case msg := <-send:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

// runReader reads commands from the connection and dispatches them.
func (h *CommandHandler) runReader(conn WebSocketConn, send chan<- any, done chan<- struct{}, statusUpdate chan<- struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in WebSocket reader", "panic", r)
		}
		close(done)
	}()

	for {
		var cmd WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		h.Handle(cmd, send, func() {
			select {
			case statusUpdate <- struct{}{}:
			default:
			}
		})
	}
}

// runEventLoop pushes levels and status until done is closed.
func runEventLoop(send chan<- any, done, statusUpdate <-chan struct{}, opts ConnOptions) {
	levelsTicker := time.NewTicker(opts.LevelsInterval)
	statusTicker := time.NewTicker(opts.StatusInterval)
	defer levelsTicker.Stop()
	defer statusTicker.Stop()

	push := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		}
	}

	if opts.Status != nil && !push(opts.Status()) {
		return
	}

	for {
		var msg any
		select {
		case <-done:
			return
		case <-statusUpdate:
			msg = opts.Status
		case <-statusTicker.C:
			msg = opts.Status
		case <-levelsTicker.C:
			msg = opts.Levels
		}
		fn, _ := msg.(func() any)
		if fn == nil {
			continue
		}
		if !push(fn()) {
			return
		}
	}
}
