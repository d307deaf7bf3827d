package decider

import (
	"fmt"
	"strings"
)

// Type is the verdict of a decision. Lower values are more restrictive.
type Type int

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
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Decision is a verdict plus the decider that produced it and why. A
// decision produced in debug mode by the composite carries the decisions of
// every decider in Subs.
type Decision struct {
	Type        Type       `json:"type"`
	Label       string     `json:"label,omitempty"`
	Explanation string     `json:"explanation,omitempty"`
	Subs        []Decision `json:"decisions,omitempty"`
}

// Always is an unlabeled YES.
var Always = Decision{Type: Yes}

// NewDecision builds a labeled decision.
func NewDecision(t Type, label, format string, args ...interface{}) Decision {
	return Decision{Type: t, Label: label, Explanation: fmt.Sprintf(format, args...)}
}

func (d Decision) String() string {
	if len(d.Subs) > 0 {
		parts := make([]string, len(d.Subs))
		for i, s := range d.Subs {
			parts[i] = s.String()
		}
		return d.Type.String() + " [" + strings.Join(parts, ", ") + "]"
	}
	if d.Label == "" {
		return d.Type.String()
	}
	return fmt.Sprintf("%s(%s): %s", d.Type, d.Label, d.Explanation)
}
