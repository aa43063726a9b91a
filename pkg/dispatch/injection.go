package dispatch

import (
	"sort"
	"strings"
)

// Screening is the detector's verdict on one piece of text.
type Screening struct {
	Confidence float64
	Categories []string
}

// injectionPatterns maps a category to its trigger phrases and the weight a
// match contributes. Matching is case-insensitive substring search over the
// whitespace-normalized text.
var injectionPatterns = []struct {
	category string
	weight   float64
	phrases  []string
}{
	{
		category: "instruction_override",
		weight:   0.7,
		phrases: []string{
			"ignore previous instructions",
			"ignore all previous instructions",
			"ignore the above instructions",
			"disregard previous instructions",
			"disregard the instructions above",
			"forget your instructions",
			"new instructions:",
		},
	},
	{
		category: "role_hijack",
		weight:   0.4,
		phrases: []string{
			"you are now",
			"pretend you are",
			"pretend to be",
			"act as if you",
			"from now on you",
		},
	},
	{
		category: "prompt_exfiltration",
		weight:   0.5,
		phrases: []string{
			"reveal your system prompt",
			"show your system prompt",
			"print your instructions",
			"repeat your instructions",
			"what are your instructions",
		},
	},
	{
		category: "delimiter_breakout",
		weight:   0.3,
		phrases: []string{
			"<|im_start|>",
			"[system]",
			"### system",
			"</s>",
		},
	},
}

// Detector screens command text for prompt-injection markers. A zero
// threshold disables it.
type Detector struct {
	enabled   bool
	threshold float64
}

// NewDetector builds a detector. threshold <= 0 disables screening even when
// enabled is set.
func NewDetector(enabled bool, threshold float64) *Detector {
	return &Detector{enabled: enabled, threshold: threshold}
}

// Enabled reports whether the detector screens at all.
func (d *Detector) Enabled() bool {
	return d.enabled && d.threshold > 0
}

// Threshold is the rejection cutoff.
func (d *Detector) Threshold() float64 {
	return d.threshold
}

// Screen scores the text. Confidence composes per-category weights as
// independent signals: 1 - prod(1 - w).
func (d *Detector) Screen(text string) Screening {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if normalized == "" {
		return Screening{}
	}

	miss := 1.0
	var categories []string
	for _, set := range injectionPatterns {
		for _, phrase := range set.phrases {
			if strings.Contains(normalized, phrase) {
				categories = append(categories, set.category)
				miss *= 1 - set.weight
				break
			}
		}
	}
	if len(categories) == 0 {
		return Screening{}
	}
	sort.Strings(categories)
	return Screening{Confidence: 1 - miss, Categories: categories}
}
