// Package algedonic owns the lifecycle of algedonic (pain/pleasure) signals:
// severity-driven destination policy, the escalation state machine and its
// timers, the shouldAllow guard, storm detection with aggregation, and the
// concurrent fan-out to the escalation path.
package algedonic

import (
	"slices"
	"time"

	"github.com/sneh-joshi/vsmbus/internal/types"
)

// Policy is the fixed routing decision for one severity.
type Policy struct {
	Severity    types.Severity   `json:"severity"`
	Path        []types.Endpoint `json:"path"`
	Bypass      bool             `json:"bypass_filters"`
	RequiresAck bool             `json:"requires_ack"`
	SLA         time.Duration    `json:"response_sla"` // 0 = best effort, no timer
}

var policies = map[types.Severity]Policy{
	types.SeverityCritical: {
		Severity:    types.SeverityCritical,
		Path:        []types.Endpoint{types.System5, types.OperationsTeam, types.ExecutiveTeam},
		Bypass:      true,
		RequiresAck: true,
		SLA:         30 * time.Second,
	},
	types.SeverityHigh: {
		Severity:    types.SeverityHigh,
		Path:        []types.Endpoint{types.System5, types.System3},
		Bypass:      true,
		RequiresAck: true,
		SLA:         5 * time.Minute,
	},
	types.SeverityMedium: {
		Severity: types.SeverityMedium,
		Path:     []types.Endpoint{types.System3, types.System5},
		SLA:      30 * time.Minute,
	},
	types.SeverityLow: {
		Severity: types.SeverityLow,
		Path:     []types.Endpoint{types.System3},
	},
}

// PolicyFor returns the policy for sev. The returned Path is a fresh slice.
// An invalid severity yields the zero Policy with an empty path.
func PolicyFor(sev types.Severity) Policy {
	p, ok := policies[sev]
	if !ok {
		return Policy{Severity: sev}
	}
	p.Path = slices.Clone(p.Path)
	return p
}

// Policies returns the whole table, most urgent first.
func Policies() []Policy {
	out := make([]Policy, 0, len(types.Severities))
	for _, s := range types.Severities {
		out = append(out, PolicyFor(s))
	}
	return out
}
