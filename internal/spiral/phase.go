package spiral

import "fmt"

// Phase is one of the nine states of the spiral protocol.
type Phase uint8

const (
	Initialization Phase = iota
	FirstOrderObservation
	RecursiveIntegration
	CounterPerspectives
	ActionSynthesis
	Execution
	MetaReflection
	Integration
	CoherenceCheck
)

var phaseNames = [...]string{
	Initialization:        "Initialization",
	FirstOrderObservation: "First-Order Observation",
	RecursiveIntegration:  "Recursive Integration",
	CounterPerspectives:   "Counter-Perspectives",
	ActionSynthesis:       "Action Synthesis",
	Execution:             "Execution",
	MetaReflection:        "Meta-Reflection",
	Integration:           "Integration",
	CoherenceCheck:        "Coherence Check",
}

// Phases returns the protocol vocabulary in order.
func Phases() []Phase {
	out := make([]Phase, len(phaseNames))
	for i := range phaseNames {
		out[i] = Phase(i)
	}
	return out
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// Valid reports whether p is part of the vocabulary.
func (p Phase) Valid() bool {
	return int(p) < len(phaseNames)
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid phase %d", uint8(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePhase maps a phase name back to its value.
func ParsePhase(name string) (Phase, error) {
	for i, n := range phaseNames {
		if n == name {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", name)
}
