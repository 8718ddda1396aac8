// Package routing decides which executor type a job runs on. Decisions are
// deterministic for a fixed availability snapshot and rule list, and every
// decision carries a human-readable reason that is recorded on the job.
package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/yourorg/convoy/internal/domain"
)

// Availability is the registry view the engine routes against.
type Availability interface {
	IsAvailable(ctx context.Context, execType domain.ExecutorType) bool
}

// Rule maps jobs matching a structured predicate to an executor type.
type Rule struct {
	Name     string              `yaml:"name"`
	Executor domain.ExecutorType `yaml:"executor"`
	Reason   string              `yaml:"reason"`
	When     Predicate           `yaml:"when"`
}

// Decision is a successful routing outcome.
type Decision struct {
	ExecutorType domain.ExecutorType
	Reason       string
}

// ResourceExhaustedError reports that none of the attempted executor types
// had capacity. The job stays queued; this is back-pressure, not a failure.
type ResourceExhaustedError struct {
	Attempted []domain.ExecutorType
}

func (e *ResourceExhaustedError) Error() string {
	names := make([]string, len(e.Attempted))
	for i, t := range e.Attempted {
		names[i] = string(t)
	}
	return fmt.Sprintf("no executor available, attempted: %s", strings.Join(names, ", "))
}

type Engine struct {
	rules           []Rule
	defaultExecutor domain.ExecutorType
}

// NewEngine validates every rule predicate up front so a malformed rule file
// fails at startup, never mid-claim.
func NewEngine(rules []Rule, defaultExecutor domain.ExecutorType) (*Engine, error) {
	for i := range rules {
		if rules[i].Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if rules[i].Executor == "" {
			return nil, fmt.Errorf("rule %q: executor is required", rules[i].Name)
		}
		if err := rules[i].When.Validate(); err != nil {
			return nil, fmt.Errorf("rule %q: %w", rules[i].Name, err)
		}
	}
	return &Engine{rules: rules, defaultExecutor: defaultExecutor}, nil
}

// Route picks an executor type for the job.
//
// Order: the job's preferred executor if available, then the first matching
// rule whose executor type is available, then the configured default. When
// nothing is available the error names every type that was tried.
func (e *Engine) Route(ctx context.Context, job *domain.Job, avail Availability) (Decision, error) {
	var attempted []domain.ExecutorType

	if job.PreferredExecutor != "" {
		if avail.IsAvailable(ctx, job.PreferredExecutor) {
			return Decision{
				ExecutorType: job.PreferredExecutor,
				Reason:       "preferred executor",
			}, nil
		}
		attempted = append(attempted, job.PreferredExecutor)
	}

	for i := range e.rules {
		rule := &e.rules[i]
		ok, err := rule.When.Matches(job)
		if err != nil {
			return Decision{}, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		if !ok {
			continue
		}
		if avail.IsAvailable(ctx, rule.Executor) {
			reason := rule.Reason
			if reason == "" {
				reason = "rule: " + rule.Name
			}
			return Decision{ExecutorType: rule.Executor, Reason: reason}, nil
		}
		attempted = append(attempted, rule.Executor)
	}

	if e.defaultExecutor != "" {
		if avail.IsAvailable(ctx, e.defaultExecutor) {
			return Decision{
				ExecutorType: e.defaultExecutor,
				Reason:       "default executor",
			}, nil
		}
		attempted = append(attempted, e.defaultExecutor)
	}

	return Decision{}, &ResourceExhaustedError{Attempted: attempted}
}
