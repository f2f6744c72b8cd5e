package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/duplex/internal/lifecycle"
)

// SelfAlias names the session under test in traces.
const SelfAlias = "self"

// Scenario defines one session run.
type Scenario struct {
	// Name uniquely identifies this scenario. Also the golden file name.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// ConnectOnSend overrides lifecycle.Machine.ConnectOnSendSuccess.
	ConnectOnSend *bool `yaml:"connect_on_send,omitempty"`

	// InitError, when set, makes identity creation fail with this message.
	InitError string `yaml:"init_error,omitempty"`

	// Peers are remote aliases joined to the network before startup.
	Peers []string `yaml:"peers,omitempty"`

	// Unknown are aliases with well-formed addresses that are not on the
	// network.
	Unknown []string `yaml:"unknown,omitempty"`

	// Steps run in order after the session has booted.
	Steps []Step `yaml:"steps"`

	// Expect is checked against the final session state and trace.
	Expect Expect `yaml:"expect"`
}

// Step is exactly one of Send, SendRaw, Receive or Ticks.
type Step struct {
	// Send queues a host send request to an alias.
	Send *SendStep `yaml:"send,omitempty"`

	// SendRaw queues a host send request to unparsed address text.
	SendRaw *SendRawStep `yaml:"send_raw,omitempty"`

	// Receive makes a remote peer send a message to the session.
	Receive *ReceiveStep `yaml:"receive,omitempty"`

	// Ticks runs this many plain ticks.
	Ticks int `yaml:"ticks,omitempty"`
}

// SendStep is a send request addressed by alias.
type SendStep struct {
	To      string `yaml:"to"`
	Counter int    `yaml:"counter,omitempty"`
	Extra   string `yaml:"extra,omitempty"`
}

// SendRawStep is a send request addressed by raw text. An alias is
// replaced by its address; anything else is passed through verbatim.
type SendRawStep struct {
	To      string `yaml:"to"`
	Counter int    `yaml:"counter,omitempty"`
	Extra   string `yaml:"extra,omitempty"`
}

// ReceiveStep is a message from a remote peer.
type ReceiveStep struct {
	From    string `yaml:"from"`
	Counter int    `yaml:"counter,omitempty"`
	Extra   string `yaml:"extra,omitempty"`
}

// Expect describes the final state.
type Expect struct {
	// Status is the final lifecycle status name (e.g. "connected_peer").
	Status string `yaml:"status"`

	// Counterpart is the alias of the final counterpart. Empty means none.
	Counterpart string `yaml:"counterpart,omitempty"`

	// Counts maps trace kinds to their exact number of occurrences.
	// Kinds not listed are not checked.
	Counts map[string]int `yaml:"counts,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict decoding catches typos like "step:" vs "steps:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	aliases := map[string]bool{SelfAlias: true}
	for _, list := range [][]string{s.Peers, s.Unknown} {
		for _, alias := range list {
			if alias == "" {
				return fmt.Errorf("aliases must be non-empty")
			}
			if aliases[alias] {
				return fmt.Errorf("alias %q declared twice", alias)
			}
			aliases[alias] = true
		}
	}

	peers := make(map[string]bool, len(s.Peers))
	for _, p := range s.Peers {
		peers[p] = true
	}

	for i, step := range s.Steps {
		set := 0
		if step.Send != nil {
			set++
			if !aliases[step.Send.To] {
				return fmt.Errorf("steps[%d].send: unknown alias %q", i, step.Send.To)
			}
		}
		if step.SendRaw != nil {
			set++
		}
		if step.Receive != nil {
			set++
			if !peers[step.Receive.From] {
				return fmt.Errorf("steps[%d].receive: from must be a peer, got %q", i, step.Receive.From)
			}
			if s.InitError != "" {
				return fmt.Errorf("steps[%d].receive: session has no listener when init_error is set", i)
			}
		}
		if step.Ticks < 0 {
			return fmt.Errorf("steps[%d]: ticks must be non-negative", i)
		}
		if step.Ticks > 0 {
			set++
		}
		if set != 1 {
			return fmt.Errorf("steps[%d]: exactly one of send, send_raw, receive, ticks is required", i)
		}
	}

	if !validStatus(s.Expect.Status) {
		return fmt.Errorf("expect.status: unknown status %q", s.Expect.Status)
	}
	if s.Expect.Counterpart != "" && !peers[s.Expect.Counterpart] && !aliases[s.Expect.Counterpart] {
		return fmt.Errorf("expect.counterpart: unknown alias %q", s.Expect.Counterpart)
	}
	for kind, n := range s.Expect.Counts {
		if !knownKinds[kind] {
			return fmt.Errorf("expect.counts: unknown kind %q", kind)
		}
		if n < 0 {
			return fmt.Errorf("expect.counts.%s: must be non-negative", kind)
		}
	}

	return nil
}

func validStatus(name string) bool {
	for _, s := range lifecycle.Statuses {
		if s.String() == name {
			return true
		}
	}
	return false
}
