package domain

import (
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the two transport substrates a route can point at.
type Kind string

const (
	// KindProcess targets a process listening on a host-local TCP port.
	KindProcess Kind = "process"

	// KindContainer targets a container reachable via its network IP
	// or a published host port.
	KindContainer Kind = "container"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindProcess || k == KindContainer
}

// ProcessIdentifier is a stable descriptor for a process whose port may
// change across restarts. The workdir anchors the process to a project
// directory; CommandPattern optionally narrows multiple processes sharing
// that directory.
type ProcessIdentifier struct {
	Workdir        string `json:"workdir"`
	CommandPattern string `json:"commandPattern,omitempty"`
}

// RouteMapping is the durable record associating a hostname with a target.
//
// Exactly one mapping exists per hostname. Kind transitions happen only by
// full replacement. When Identifier is present, Port is advisory: the
// rebinder may override it with the process's current port.
type RouteMapping struct {
	// ─────────────────────────────
	// Target
	// ─────────────────────────────

	// Kind selects the transport substrate.
	Kind Kind `json:"type"`

	// Target is an opaque label for processes (usually "localhost" or a
	// workdir) and the container name for containers.
	Target string `json:"target"`

	// Port is the target port, 1..65535.
	Port int `json:"port"`

	// ─────────────────────────────
	// Provenance
	// ─────────────────────────────

	// CreatedAt is the creation timestamp, ISO-8601 UTC.
	CreatedAt string `json:"createdAt"`

	// Rationale is the judge's explanation, or "manual" for CRUD edits.
	Rationale string `json:"llmReason"`

	// Identifier enables dynamic port rebinding. Process mappings only.
	Identifier *ProcessIdentifier `json:"processIdentifier,omitempty"`
}

// Validate checks the mapping invariants.
func (m *RouteMapping) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("kind must be %q or %q, got %q", KindProcess, KindContainer, m.Kind)
	}
	if m.Target == "" {
		return fmt.Errorf("target must be a non-empty string")
	}
	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", m.Port)
	}
	if m.Identifier != nil && m.Kind != KindProcess {
		return fmt.Errorf("identifier is only valid for process mappings")
	}
	return nil
}

// Clone returns a deep copy of the mapping.
func (m *RouteMapping) Clone() *RouteMapping {
	cp := *m
	if m.Identifier != nil {
		id := *m.Identifier
		cp.Identifier = &id
	}
	return &cp
}

// StampCreated fills CreatedAt with the current time if absent.
func (m *RouteMapping) StampCreated(now func() time.Time) {
	if m.CreatedAt == "" {
		m.CreatedAt = now().UTC().Format(time.RFC3339)
	}
}

// Mappings is the full hostname -> mapping table.
type Mappings map[string]*RouteMapping

// CompositeKey builds the synthetic store key for a related-service
// resolution. Example: "app.proj.localhost:api".
func CompositeKey(originHost, serviceName string) string {
	return originHost + ":" + serviceName
}

// IsSyntheticKey reports whether a store key is a second-level composite
// key rather than a real hostname. Real hostnames never contain ":".
func IsSyntheticKey(key string) bool {
	return strings.Contains(key, ":")
}
