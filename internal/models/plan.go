package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPlan marks a resolution plan that violates its structural invariants.
var ErrInvalidPlan = errors.New("invalid resolution plan")

// ResolutionStep is one remediation step. Command is optional.
type ResolutionStep struct {
	Number    int    `json:"step_number"`
	Procedure string `json:"procedure"`
	Command   string `json:"command,omitempty"`
}

// ResolutionPlan is the ordered remediation produced for an RCA.
type ResolutionPlan struct {
	IncidentID string           `json:"incident_id"`
	Steps      []ResolutionStep `json:"steps"`
	Confidence int              `json:"confidence"`
}

// Validate checks the plan without repairing it: steps must be numbered
// exactly 1..N in sequence order, carry procedure text, and the confidence
// must lie in [0, 100].
func (p ResolutionPlan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPlan)
	}
	for i, step := range p.Steps {
		if step.Number != i+1 {
			return fmt.Errorf("%w: step at position %d is numbered %d", ErrInvalidPlan, i+1, step.Number)
		}
		if strings.TrimSpace(step.Procedure) == "" {
			return fmt.Errorf("%w: step %d has no procedure", ErrInvalidPlan, step.Number)
		}
	}
	if p.Confidence < 0 || p.Confidence > 100 {
		return fmt.Errorf("%w: confidence %d outside [0, 100]", ErrInvalidPlan, p.Confidence)
	}
	return nil
}
