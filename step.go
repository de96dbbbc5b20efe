package unitigo

import (
	"fmt"
	"strings"
)

// Step names a pipeline phase. Phases run in ascending order.
type Step uint8

const (
	StepBucketing Step = iota
	StepCompaction
	StepResolution
	StepAssembly

	// stepDone marks a finished run in the manifest.
	stepDone
)

var stepNames = [...]string{"bucketing", "compaction", "resolution", "assembly", "done"}

func (s Step) String() string {
	if int(s) < len(stepNames) {
		return stepNames[s]
	}
	return fmt.Sprintf("step(%d)", uint8(s))
}

// ParseStep returns the step with the given name.
func ParseStep(name string) (Step, error) {
	for i, n := range stepNames[:stepDone] {
		if strings.EqualFold(name, n) {
			return Step(i), nil
		}
	}
	return 0, fmt.Errorf("unknown step %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Step) MarshalText() ([]byte, error) {
	if s > stepDone {
		return nil, fmt.Errorf("unknown step %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Step) UnmarshalText(b []byte) error {
	if string(b) == stepNames[stepDone] {
		*s = stepDone
		return nil
	}
	v, err := ParseStep(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
