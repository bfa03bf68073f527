package domain

import (
	"fmt"
	"time"
)

// TargetDecision is the judge's answer for a hostname: which local target
// to route to and why. Workdir and CommandPattern are only meaningful for
// process decisions and seed the mapping's identifier.
type TargetDecision struct {
	Kind           Kind   `json:"type"`
	Target         string `json:"target"`
	Port           int    `json:"port"`
	Rationale      string `json:"reason"`
	Workdir        string `json:"workdir,omitempty"`
	CommandPattern string `json:"commandPattern,omitempty"`
}

// Validate checks the decision against the acceptance rules before it is
// turned into a mapping.
func (d *TargetDecision) Validate() error {
	if !d.Kind.Valid() {
		return fmt.Errorf("type must be %q or %q, got %q", KindProcess, KindContainer, d.Kind)
	}
	if d.Target == "" {
		return fmt.Errorf("target must be a non-empty string")
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", d.Port)
	}
	return nil
}

// Mapping converts a validated decision into a durable RouteMapping.
func (d *TargetDecision) Mapping(now func() time.Time) *RouteMapping {
	m := &RouteMapping{
		Kind:      d.Kind,
		Target:    d.Target,
		Port:      d.Port,
		CreatedAt: now().UTC().Format(time.RFC3339),
		Rationale: d.Rationale,
	}
	if d.Kind == KindProcess && d.Workdir != "" {
		m.Identifier = &ProcessIdentifier{
			Workdir:        d.Workdir,
			CommandPattern: d.CommandPattern,
		}
	}
	return m
}
