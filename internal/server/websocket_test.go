package server

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-loopback/internal/config"
)

func TestCheckOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		host   string
		origin string
		want   bool
	}{
		{"no origin", "recorder.local:8080", "", true},
		{"localhost", "recorder.local:8080", "http://localhost:3000", true},
		{"same host", "recorder.local:8080", "http://recorder.local:8080", true},
		{"private ip", "recorder.local:8080", "http://192.168.1.20", true},
		{"loopback ip", "recorder.local:8080", "http://127.0.0.2", true},
		{"foreign", "recorder.local:8080", "https://evil.example", false},
		{"invalid", "recorder.local:8080", "://bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest("GET", "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checkOrigin(r))
		})
	}
}

// --- Connection loop ---

// pipeConn is an in-memory WebSocketConn.
type pipeConn struct {
	in  chan WSCommand
	out chan map[string]any

	closeOnce sync.Once
	closed    chan struct{}
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan WSCommand, 4),
		out:    make(chan map[string]any, 64),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadJSON(v any) error {
	select {
	case cmd, ok := <-c.in:
		if !ok {
			return io.EOF
		}
		*(v.(*WSCommand)) = cmd
		return nil
	case <-c.closed:
		return io.EOF
	}
}

func (c *pipeConn) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	select {
	case c.out <- msg:
	default:
	}
	return nil
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// waitFor returns the first written message of the given type.
func (c *pipeConn) waitFor(t *testing.T, typ string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-c.out:
			if msg["type"] == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %q message", typ)
			return nil
		}
	}
}

// collect waits until one message of each type was written.
func (c *pipeConn) collect(t *testing.T, types ...string) map[string]map[string]any {
	t.Helper()
	got := make(map[string]map[string]any)
	deadline := time.After(2 * time.Second)
	for len(got) < len(types) {
		select {
		case msg := <-c.out:
			typ, _ := msg["type"].(string)
			for _, want := range types {
				if typ == want {
					got[typ] = msg
				}
			}
		case <-deadline:
			t.Fatalf("got %d of %v", len(got), types)
			return nil
		}
	}
	return got
}

func TestServeConn(t *testing.T) {
	t.Parallel()

	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, cfg.Load())
	h := NewCommandHandler(cfg, nil, filepath.Join(t.TempDir(), "events.jsonl"))

	conn := newPipeConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeConn(conn, ConnOptions{
			Status:         func() any { return map[string]any{"type": "status"} },
			Levels:         func() any { return map[string]any{"type": "levels"} },
			LevelsInterval: 10 * time.Millisecond,
			StatusInterval: time.Hour,
		})
	}()

	conn.waitFor(t, "status")
	conn.waitFor(t, "levels")

	// Commands trigger an immediate status push next to their result.
	conn.in <- WSCommand{Type: "events/list"}
	got := conn.collect(t, "events/list_result", "status")
	assert.Equal(t, true, got["events/list_result"]["success"])

	close(conn.in)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return after the client went away")
	}
	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("connection not closed")
	}
}
