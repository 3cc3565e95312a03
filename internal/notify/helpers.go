package notify

import "log/slog"

// logNotifyResult runs one delivery and logs its outcome.
func logNotifyResult(fn func() error, channel string, kind Kind) {
	if err := fn(); err != nil {
		slog.Error("notification failed", "channel", channel, "kind", kind, "error", err)
		return
	}
	slog.Info("notification sent", "channel", channel, "kind", kind)
}
