package util

import (
	"io"
	"log/slog"
)

// SafeCloseFunc returns a function that closes c and logs a failure.
// Intended for defer statements where the close error has no caller.
func SafeCloseFunc(c io.Closer, what string) func() {
	return func() {
		if err := c.Close(); err != nil {
			slog.Warn("close failed", "what", what, "error", err)
		}
	}
}
