package switcher

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
)

// ErrRoutingSuboptimal is a diagnostic signal; it never blocks an operation.
var ErrRoutingSuboptimal = errors.New("routing suboptimal")

// RoutingReport is the result of a routing verification.
type RoutingReport struct {
	InputIsLoopback        bool      `json:"input_is_loopback"`
	OutputRoutesToLoopback bool      `json:"output_routes_to_loopback"`
	EngineBound            bool      `json:"engine_bound"`
	Input                  string    `json:"input"`
	Output                 string    `json:"output"`
	Bound                  string    `json:"bound"`
	Advice                 []string  `json:"advice,omitempty"`
	CheckedAt              time.Time `json:"checked_at"`
}

// OK reports whether all three checks hold.
func (r RoutingReport) OK() bool {
	return r.InputIsLoopback && r.OutputRoutesToLoopback && r.EngineBound
}

// Err returns ErrRoutingSuboptimal with the advice when a check failed.
func (r RoutingReport) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrRoutingSuboptimal, r.Advice)
}

// BuiltAggregate is the multi-output device made by the last routing setup.
type BuiltAggregate struct {
	UID         string
	LoopbackUID string
	// Present is false once the device is gone from the enumeration.
	Present bool
}

// feeds reports whether out is this aggregate and it feeds selected.
func (b *BuiltAggregate) feeds(out, selected *audio.Device) bool {
	return b.Present && out.UID == b.UID && selected != nil && selected.UID == b.LoopbackUID
}

// RoutingInput is the state a verification looks at.
type RoutingInput struct {
	Selected      *audio.Device
	DefaultOutput *audio.Device
	Bound         *audio.Device
	// Built is nil when no routing setup ran; any aggregate output is then accepted.
	Built *BuiltAggregate
}

// Verify checks the capture topology: the selected input is a loopback
// device, the default output feeds it directly or through the aggregate built
// from it, and the engine is bound to the selected device.
func Verify(c *audio.Classifier, in RoutingInput) RoutingReport {
	r := RoutingReport{CheckedAt: time.Now()}

	if in.Selected != nil {
		r.Input = in.Selected.Name
		r.InputIsLoopback = c.IsLoopback(in.Selected.Name)
	}
	if !r.InputIsLoopback {
		r.Advice = append(r.Advice, "select a virtual loopback device such as BlackHole as the capture input")
	}

	if in.DefaultOutput != nil {
		r.Output = in.DefaultOutput.Name
		switch c.Classify(in.DefaultOutput.Name) {
		case audio.KindVirtualLoopback:
			r.OutputRoutesToLoopback = true
		case audio.KindAggregate:
			r.OutputRoutesToLoopback = in.Built == nil || in.Built.feeds(in.DefaultOutput, in.Selected)
		}
	}
	switch {
	case r.OutputRoutesToLoopback:
	case in.Built != nil && !in.Built.Present:
		r.Advice = append(r.Advice, "the multi-output device from routing setup is gone; run routing setup again")
	default:
		r.Advice = append(r.Advice, "set the system output to the loopback device or run routing setup to create a multi-output device")
	}

	if in.Bound != nil {
		r.Bound = in.Bound.Name
	}
	r.EngineBound = in.Selected != nil && in.Bound != nil && in.Bound.ID == in.Selected.ID
	if !r.EngineBound {
		r.Advice = append(r.Advice, "reselect the input device so capture binds to it")
	}
	return r
}

// Log writes the report at info level when correct and warn level otherwise.
func (r RoutingReport) Log() {
	if r.OK() {
		slog.Info("routing verified", "input", r.Input, "output", r.Output)
		return
	}
	slog.Warn("routing suboptimal",
		"input", r.Input,
		"output", r.Output,
		"bound", r.Bound,
		"input_is_loopback", r.InputIsLoopback,
		"output_routes_to_loopback", r.OutputRoutesToLoopback,
		"engine_bound", r.EngineBound,
		"advice", r.Advice)
}
