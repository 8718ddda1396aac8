package routing

import (
	"fmt"
	"strings"

	"github.com/yourorg/convoy/internal/domain"
)

// The rule language is deliberately closed: a fixed attribute set, a fixed
// operator set, and AND/OR composition. Nothing in a rule file is ever
// executed.

var numericAttrs = map[string]func(*domain.Job) int{
	"memory_mb":       func(j *domain.Job) int { return j.MemoryMB },
	"cpu_millis":      func(j *domain.Job) int { return j.CPUMillis },
	"timeout_seconds": func(j *domain.Job) int { return j.TimeoutSeconds },
	"retry_count":     func(j *domain.Job) int { return j.RetryCount },
}

var stringAttrs = map[string]func(*domain.Job) string{
	"image":    func(j *domain.Job) string { return j.Image },
	"category": func(j *domain.Job) string { return j.Category },
	"tier":     func(j *domain.Job) string { return j.Tier },
}

// Condition is one comparison: attribute, operator, literal.
type Condition struct {
	Attr  string `yaml:"attr"`
	Op    string `yaml:"op"`
	Value any    `yaml:"value"`
}

// Predicate is either a leaf Condition or an all/any combinator over
// sub-predicates. Exactly one of the three forms may be populated.
type Predicate struct {
	All       []Predicate `yaml:"all,omitempty"`
	Any       []Predicate `yaml:"any,omitempty"`
	Condition `yaml:",inline"`
}

// Validate rejects malformed predicates at config load so evaluation can
// never hit an unknown attribute or operator at claim time.
func (p *Predicate) Validate() error {
	forms := 0
	if len(p.All) > 0 {
		forms++
	}
	if len(p.Any) > 0 {
		forms++
	}
	if p.Attr != "" {
		forms++
	}
	if forms != 1 {
		return fmt.Errorf("predicate must be exactly one of all/any/condition")
	}

	for i := range p.All {
		if err := p.All[i].Validate(); err != nil {
			return err
		}
	}
	for i := range p.Any {
		if err := p.Any[i].Validate(); err != nil {
			return err
		}
	}
	if p.Attr == "" {
		return nil
	}

	_, isNum := numericAttrs[p.Attr]
	_, isStr := stringAttrs[p.Attr]
	if !isNum && !isStr {
		return fmt.Errorf("unknown attribute %q", p.Attr)
	}
	switch p.Op {
	case "eq", "ne", "in":
	case "gt", "gte", "lt", "lte":
		if !isNum {
			return fmt.Errorf("operator %q requires a numeric attribute, got %q", p.Op, p.Attr)
		}
	case "contains":
		if !isStr {
			return fmt.Errorf("operator %q requires a string attribute, got %q", p.Op, p.Attr)
		}
	default:
		return fmt.Errorf("unknown operator %q", p.Op)
	}
	return nil
}

// Matches evaluates the predicate against a job. Predicates are validated at
// load, so evaluation errors only come from literal/attribute type
// mismatches in the rule file.
func (p *Predicate) Matches(j *domain.Job) (bool, error) {
	switch {
	case len(p.All) > 0:
		for i := range p.All {
			ok, err := p.All[i].Matches(j)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(p.Any) > 0:
		for i := range p.Any {
			ok, err := p.Any[i].Matches(j)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return p.matchCondition(j)
	}
}

func (p *Predicate) matchCondition(j *domain.Job) (bool, error) {
	if get, ok := numericAttrs[p.Attr]; ok {
		return matchNumeric(get(j), p.Op, p.Value)
	}
	get := stringAttrs[p.Attr]
	return matchString(get(j), p.Op, p.Value)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected numeric literal, got %T", v)
	}
}

func matchNumeric(actual int, op string, literal any) (bool, error) {
	if op == "in" {
		list, ok := literal.([]any)
		if !ok {
			return false, fmt.Errorf("operator in requires a list literal")
		}
		for _, v := range list {
			n, err := toInt(v)
			if err != nil {
				return false, err
			}
			if actual == n {
				return true, nil
			}
		}
		return false, nil
	}

	want, err := toInt(literal)
	if err != nil {
		return false, err
	}
	switch op {
	case "eq":
		return actual == want, nil
	case "ne":
		return actual != want, nil
	case "gt":
		return actual > want, nil
	case "gte":
		return actual >= want, nil
	case "lt":
		return actual < want, nil
	case "lte":
		return actual <= want, nil
	}
	return false, fmt.Errorf("operator %q not valid for numeric attribute", op)
}

func matchString(actual, op string, literal any) (bool, error) {
	if op == "in" {
		list, ok := literal.([]any)
		if !ok {
			return false, fmt.Errorf("operator in requires a list literal")
		}
		for _, v := range list {
			s, ok := v.(string)
			if !ok {
				return false, fmt.Errorf("expected string literal, got %T", v)
			}
			if actual == s {
				return true, nil
			}
		}
		return false, nil
	}

	want, ok := literal.(string)
	if !ok {
		return false, fmt.Errorf("expected string literal, got %T", literal)
	}
	switch op {
	case "eq":
		return actual == want, nil
	case "ne":
		return actual != want, nil
	case "contains":
		return strings.Contains(actual, want), nil
	}
	return false, fmt.Errorf("operator %q not valid for string attribute", op)
}
