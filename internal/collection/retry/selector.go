package retry

import "github.com/vietddude/collector/internal/core/domain"

// Selector picks the policy a task is executed with.
type Selector interface {
	Select(task *domain.Task) Policy
}

// Set is the standard Selector: the task's own policy kind wins, probes use
// Quick, and everything else falls back to the configured default.
type Set struct {
	policies map[domain.PolicyKind]Policy
	fallback domain.PolicyKind
}

// NewSet builds the four named policies from cfg.
func NewSet(cfg Config) *Set {
	fallback := cfg.Default
	if fallback == "" {
		fallback = domain.PolicyStandard
	}
	return &Set{
		policies: map[domain.PolicyKind]Policy{
			domain.PolicyQuick:       Quick(cfg.Quick),
			domain.PolicyStandard:    Standard(cfg.Standard),
			domain.PolicyExponential: Exponential(cfg.Exponential),
			domain.PolicyLong:        Long(cfg.Long),
		},
		fallback: fallback,
	}
}

// Select implements Selector.
func (s *Set) Select(task *domain.Task) Policy {
	if p, ok := s.policies[task.Policy]; ok {
		return p
	}
	if task.QueryClass == domain.QueryClassProbe {
		return s.policies[domain.PolicyQuick]
	}
	if p, ok := s.policies[s.fallback]; ok {
		return p
	}
	return s.policies[domain.PolicyStandard]
}
