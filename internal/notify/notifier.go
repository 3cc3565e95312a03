// Package notify delivers operator advisories about routing, topology and
// capture problems to a webhook and a log file.
package notify

import (
	"sync"

	"github.com/oszuidwest/zwfm-loopback/internal/config"
)

// Kind identifies an advisory. Each kind is delivered at most once until reset.
type Kind string

// Advisory kinds.
const (
	KindRoutingSuboptimal          Kind = "routing_suboptimal"
	KindOutputNotLoopback          Kind = "output_not_loopback"
	KindInputChangedWhileRecording Kind = "input_changed_while_recording"
	KindRecordingStartFailed       Kind = "recording_start_failed"
	KindCaptureSilent              Kind = "capture_silent"
	KindUpdateAvailable            Kind = "update_available"
)

// Advisory is a user-facing warning.
type Advisory struct {
	Kind    Kind
	Message string
	Device  string
	Advice  []string
}

// Notifier fans advisories out to the configured channels.
type Notifier struct {
	cfg *config.Config

	// mu protects sent
	mu   sync.Mutex
	sent map[Kind]bool

	wg sync.WaitGroup
}

// New returns a Notifier reading channel settings from cfg.
func New(cfg *config.Config) *Notifier {
	return &Notifier{cfg: cfg, sent: make(map[Kind]bool)}
}

// Advise delivers a once per kind. It reports whether a delivery was started.
func (n *Notifier) Advise(a Advisory) bool {
	cfg := n.cfg.Snapshot()
	if !cfg.HasWebhook() && !cfg.HasLogPath() {
		return false
	}

	n.mu.Lock()
	if n.sent[a.Kind] {
		n.mu.Unlock()
		return false
	}
	n.sent[a.Kind] = true
	n.mu.Unlock()

	if cfg.HasWebhook() {
		n.wg.Go(func() {
			logNotifyResult(func() error { return SendAdvisoryWebhook(cfg.WebhookURL, &a) }, "webhook", a.Kind)
		})
	}
	if cfg.HasLogPath() {
		n.wg.Go(func() {
			logNotifyResult(func() error { return LogAdvisory(cfg.LogPath, &a) }, "log", a.Kind)
		})
	}
	return true
}

// Clear re-arms a single kind, e.g. once routing has been verified again.
func (n *Notifier) Clear(kind Kind) {
	n.mu.Lock()
	delete(n.sent, kind)
	n.mu.Unlock()
}

// Reset clears the notification state for every kind.
func (n *Notifier) Reset() {
	n.mu.Lock()
	clear(n.sent)
	n.mu.Unlock()
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
