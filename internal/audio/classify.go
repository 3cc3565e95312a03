package audio

import (
	"slices"
	"strings"
)

// Rule maps a case-insensitive name fragment to a device kind.
type Rule struct {
	Keyword string
	Kind    DeviceKind
}

// Default keyword sets. Order matters: the first matching rule wins.
var (
	// AggregateKeywords identify synthetic multi-output devices.
	AggregateKeywords = []string{"Multi-Output", "Aggregate", "combined"}

	// LoopbackKeywords identify virtual loopback drivers.
	LoopbackKeywords = []string{"BlackHole", "Loopback", "Soundflower", "VB-Cable"}

	// InputKeywords identify physical capture endpoints.
	InputKeywords = []string{"Microphone", "Mic", "Input", "Line In"}

	// OutputKeywords identify physical playback endpoints.
	OutputKeywords = []string{
		"Output", "Speakers", "Headphones", "Built-in", "내장",
		"AirPods", "USB", "HDMI", "DisplayPort",
	}

	// BuiltInKeywords identify the internal output, preferred as an aggregate member.
	BuiltInKeywords = []string{"Built-in", "Internal", "내장", "MacBook"}
)

// Classifier assigns a DeviceKind from a display name.
// Names are matched against keyword fragments; OS channel metadata is not
// consulted here because virtual drivers do not report it consistently.
type Classifier struct {
	rules   []Rule
	builtIn []string
}

// NewClassifier returns a Classifier with the given ordered rules and built-in keywords.
func NewClassifier(rules []Rule, builtIn []string) *Classifier {
	return &Classifier{
		rules:   slices.Clone(rules),
		builtIn: slices.Clone(builtIn),
	}
}

// DefaultRules returns the default ordered rule set.
// Extra loopback keywords are matched after the built-in loopback set.
func DefaultRules(extraLoopback ...string) []Rule {
	var rules []Rule
	add := func(kind DeviceKind, keywords []string) {
		for _, k := range keywords {
			if strings.TrimSpace(k) == "" {
				continue
			}
			rules = append(rules, Rule{Keyword: k, Kind: kind})
		}
	}
	add(KindAggregate, AggregateKeywords)
	add(KindVirtualLoopback, LoopbackKeywords)
	add(KindVirtualLoopback, extraLoopback)
	add(KindPhysicalInput, InputKeywords)
	add(KindPhysicalOutput, OutputKeywords)
	return rules
}

// DefaultClassifier returns a Classifier using the default keyword sets.
func DefaultClassifier() *Classifier {
	return NewClassifier(DefaultRules(), BuiltInKeywords)
}

// Classify returns the kind of the first rule whose keyword occurs in name.
func (c *Classifier) Classify(name string) DeviceKind {
	for _, r := range c.rules {
		if containsFold(name, r.Keyword) {
			return r.Kind
		}
	}
	return KindUnknown
}

// IsLoopback reports whether name follows the virtual loopback naming convention.
func (c *Classifier) IsLoopback(name string) bool {
	return c.Classify(name) == KindVirtualLoopback
}

// IsBuiltIn reports whether name looks like the internal output device.
func (c *Classifier) IsBuiltIn(name string) bool {
	return slices.ContainsFunc(c.builtIn, func(k string) bool { return containsFold(name, k) })
}

// ContainsAny reports whether name contains any of the keywords, ignoring case.
func ContainsAny(name string, keywords ...string) bool {
	return slices.ContainsFunc(keywords, func(k string) bool { return containsFold(name, k) })
}

func containsFold(s, substr string) bool {
	return substr != "" && strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
