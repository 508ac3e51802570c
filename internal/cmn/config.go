package cmn

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AgentOptions is the generic, per-agent configuration bag. Concrete
// agents embed their own option structs and declare which field names are
// output-altering via OutputAltering. The zero value is a usable,
// all-defaults configuration.
type AgentOptions struct {
	// Name overrides the agent's registered name; empty uses the binary's
	// default name.
	Name string `json:"name,omitempty"`
	// Mode selects one of ModeAutomatic, ModeInteractive, ModeIdle.
	Mode string `json:"mode,omitempty"`
	// Retries is the number of extra targeted re-injections the master
	// schedules after a processing failure.
	Retries int `json:"retries,omitempty"`
	// WaitTime is, in seconds, the delay before each retry re-injection.
	WaitTime float64 `json:"wait_time,omitempty"`
	// Extra carries agent-specific options (flat key/value); only the
	// keys named in OutputAltering affect the output-config signature.
	Extra map[string]interface{} `json:"extra,omitempty"`
	// OutputAltering names the subset of Extra's keys that change what
	// the agent publishes.
	OutputAltering []string `json:"output_altering_options,omitempty"`
}

const (
	ModeAutomatic   = "automatic"
	ModeInteractive = "interactive"
	ModeIdle        = "idle"
)

// FullConfig returns the canonical, sorted-key JSON serialization of the
// entire option set. Used for logging and full-config comparisons.
func (o *AgentOptions) FullConfig() string {
	b, err := json.Marshal(o)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// OutputAlteringConfig returns the canonical JSON serialization of only
// the output-altering subset of Extra. Two agent instances with identical
// OutputAlteringConfig are treated as interchangeable by the master for
// locking, uniqueness, and processed/processable bookkeeping.
func (o *AgentOptions) OutputAlteringConfig() string {
	subset := make(map[string]interface{}, len(o.OutputAltering))
	for _, k := range o.OutputAltering {
		if v, ok := o.Extra[k]; ok {
			subset[k] = v
		}
	}
	b, err := json.Marshal(subset)
	if err != nil {
		return "{}"
	}
	return string(b)
}
