package hal

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
)

// PulseAudio indexes sinks and sources separately; sources are shifted into
// their own handle range so every device has one unique audio.DeviceID.
const sourceIDOffset = 1 << 20

const monitorSuffix = ".monitor"

// shortEntry is one line of `pactl list short <objects>`.
type shortEntry struct {
	Index uint32
	Name  string
	Rest  string
}

// parseShortList parses tab separated `pactl list short` output.
// Malformed lines are skipped.
func parseShortList(out string) []shortEntry {
	var entries []shortEntry
	for line := range strings.Lines(out) {
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 2 {
			fields = strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
		}
		idx, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 32)
		if err != nil {
			continue
		}
		e := shortEntry{Index: uint32(idx), Name: strings.TrimSpace(fields[1])}
		if len(fields) > 2 {
			e.Rest = fields[2]
		}
		entries = append(entries, e)
	}
	return entries
}

func sinkID(index uint32) audio.DeviceID   { return audio.DeviceID(index) }
func sourceID(index uint32) audio.DeviceID { return audio.DeviceID(index + sourceIDOffset) }

// splitID returns the PulseAudio index and whether the handle refers to a source.
func splitID(id audio.DeviceID) (index uint32, source bool) {
	if id >= sourceIDOffset {
		return uint32(id - sourceIDOffset), true
	}
	return uint32(id), false
}

// stripMonitor maps a monitor source name to the sink it monitors.
func stripMonitor(name string) string {
	return strings.TrimSuffix(name, monitorSuffix)
}

// moduleArg returns the value of key in a module argument string.
func moduleArg(args, key string) string {
	for field := range strings.FieldsSeq(args) {
		if v, ok := strings.CutPrefix(field, key+"="); ok {
			return strings.Trim(v, `"'`)
		}
	}
	return ""
}

// combineSinkArgs builds the load-module arguments for a multi-output sink.
func combineSinkArgs(desc AggregateDescription) []string {
	slaves := make([]string, 0, len(desc.MemberUIDs))
	for _, m := range desc.MemberUIDs {
		slaves = append(slaves, stripMonitor(m))
	}
	args := []string{
		"load-module", "module-combine-sink",
		"sink_name=" + desc.UID,
		"slaves=" + strings.Join(slaves, ","),
	}
	if desc.Name != "" {
		args = append(args, `sink_properties="device.description='`+strings.ReplaceAll(desc.Name, "'", "")+`'"`)
	}
	if desc.OutputChannels > 0 {
		args = append(args, "channels="+strconv.Itoa(desc.OutputChannels))
	}
	return args
}

// subscribeEvent is one line of `pactl subscribe` output.
type subscribeEvent struct {
	Action   string
	Facility string
	Index    int
}

var subscribeRe = regexp.MustCompile(`^Event '([a-z]+)' on ([a-z-]+)(?: #(\d+))?`)

func parseSubscribeLine(line string) (subscribeEvent, bool) {
	m := subscribeRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return subscribeEvent{}, false
	}
	ev := subscribeEvent{Action: m[1], Facility: m[2], Index: -1}
	if m[3] != "" {
		ev.Index, _ = strconv.Atoi(m[3])
	}
	return ev, true
}

// devicesChanged reports whether a subscribe event alters the device list.
func (e subscribeEvent) devicesChanged() bool {
	return (e.Facility == "sink" || e.Facility == "source") && (e.Action == "new" || e.Action == "remove")
}

// serverChanged reports whether a subscribe event may have moved a default device.
func (e subscribeEvent) serverChanged() bool {
	return e.Facility == "server" && e.Action == "change"
}
