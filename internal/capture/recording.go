package capture

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
)

// recording is one open sink plus the goroutine that owns it.
// The audio thread only ever copies buffers into ch.
type recording struct {
	path    string
	format  audio.Format
	started time.Time
	sink    *wavSink

	mu     sync.RWMutex // guards closed against sends racing finish
	closed bool
	ch     chan []byte
	done   chan struct{}

	written   atomic.Int64
	dropped   atomic.Int64
	writeErrs atomic.Int64
}

func newRecording(path string, format audio.Format, sink *wavSink, queue int) *recording {
	r := &recording{
		path:    path,
		format:  format,
		started: time.Now(),
		sink:    sink,
		ch:      make(chan []byte, queue),
		done:    make(chan struct{}),
	}
	go r.writeLoop()
	return r
}

// push copies buf into the queue without blocking. Returns false when dropped.
func (r *recording) push(buf []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}

	b := make([]byte, len(buf))
	copy(b, buf)
	select {
	case r.ch <- b:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

func (r *recording) writeLoop() {
	defer close(r.done)
	for buf := range r.ch {
		if err := r.sink.Write(buf); err != nil {
			// Skip the buffer and keep going; log only the first failure.
			if r.writeErrs.Add(1) == 1 {
				slog.Error("recording write failed", "path", r.path, "error", err)
			}
			continue
		}
		r.written.Add(int64(len(buf)))
	}
}

// finish drains pending buffers and finalizes the sink.
func (r *recording) finish() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	<-r.done
	err := r.sink.Close()

	if n := r.writeErrs.Load(); n > 0 {
		slog.Warn("recording finished with write errors", "path", r.path, "failed_buffers", n)
	}
	if n := r.dropped.Load(); n > 0 {
		slog.Warn("recording dropped buffers", "path", r.path, "dropped", n)
	}
	return err
}
