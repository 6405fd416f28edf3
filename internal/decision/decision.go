// Package decision holds the three-valued allocation verdict and the
// explainable composite built from the verdicts of individual deciders.
package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Type is an allocation verdict. The ordering No < Throttle < Yes is used
// when folding several verdicts into one.
type Type int8

const (
	No Type = iota
	Throttle
	Yes
)

func (t Type) String() string {
	switch t {
	case No:
		return "NO"
	case Throttle:
		return "THROTTLE"
	case Yes:
		return "YES"
	default:
		return fmt.Sprintf("Type(%d)", int8(t))
	}
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch strings.ToUpper(s) {
	case "NO":
		*t = No
	case "THROTTLE":
		*t = Throttle
	case "YES":
		*t = Yes
	default:
		return errors.Errorf("unknown decision %q", s)
	}
	return nil
}

// Decision is an immutable verdict. A single decision carries the label of
// the decider that produced it; a composite carries its parts.
type Decision struct {
	Type        Type       `json:"decision"`
	Label       string     `json:"decider,omitempty"`
	Explanation string     `json:"explanation,omitempty"`
	Decisions   []Decision `json:"decisions,omitempty"`
}

// Unlabeled verdicts for callers that need no explanation.
var (
	AlwaysYes      = Decision{Type: Yes}
	AlwaysNo       = Decision{Type: No}
	AlwaysThrottle = Decision{Type: Throttle}
)

// Single builds a labeled verdict.
func Single(t Type, label, format string, args ...interface{}) Decision {
	d := Decision{Type: t, Label: label}
	if format != "" {
		d.Explanation = fmt.Sprintf(format, args...)
	}
	return d
}

func (d Decision) String() string {
	if len(d.Decisions) > 0 {
		parts := make([]string, 0, len(d.Decisions))
		for _, sub := range d.Decisions {
			parts = append(parts, sub.String())
		}
		return fmt.Sprintf("%s(%s)", d.Type, strings.Join(parts, ", "))
	}
	if d.Label == "" {
		return d.Type.String()
	}
	if d.Explanation == "" {
		return fmt.Sprintf("%s(%s)", d.Type, d.Label)
	}
	return fmt.Sprintf("%s(%s): %s", d.Type, d.Label, d.Explanation)
}

// Multi accumulates verdicts. NO beats THROTTLE beats YES; an empty Multi
// is YES.
type Multi struct {
	decisions []Decision
}

// Add appends a verdict.
func (m *Multi) Add(d Decision) *Multi {
	m.decisions = append(m.decisions, d)
	return m
}

// Len is the number of verdicts added.
func (m *Multi) Len() int { return len(m.decisions) }

// Type folds the verdicts.
func (m *Multi) Type() Type {
	t := Yes
	for _, d := range m.decisions {
		if d.Type < t {
			t = d.Type
		}
	}
	return t
}

// Decision freezes the accumulated verdicts into a composite.
func (m *Multi) Decision() Decision {
	parts := make([]Decision, len(m.decisions))
	copy(parts, m.decisions)
	return Decision{Type: m.Type(), Decisions: parts}
}
