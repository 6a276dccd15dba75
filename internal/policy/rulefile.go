package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"inkstudio/internal/domain"
)

// ruleFile is the on-disk layout used by inkctl:
//
//	rules:
//	  - name: under-18
//	    scope: booking
//	    priority: 100
//	    action: BLOCK
//	    reason: clients must be 18 or older
//	    when: {"<": [{"var": "client.age"}, 18]}
type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	Name     string `yaml:"name"`
	Scope    string `yaml:"scope"`
	Priority int    `yaml:"priority"`
	Action   string `yaml:"action"`
	Reason   string `yaml:"reason"`
	Enabled  *bool  `yaml:"enabled"`
	When     any    `yaml:"when"`
}

func LoadRuleFile(path string) ([]domain.PolicyRule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rules, err := ParseRules(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// ParseRules decodes a YAML rule file. IDs are assigned by position so that
// ordering ties resolve the same way they would after an import.
func ParseRules(b []byte) ([]domain.PolicyRule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalid, err)
	}
	out := make([]domain.PolicyRule, 0, len(f.Rules))
	seen := map[string]bool{}
	for i, s := range f.Rules {
		if s.When == nil {
			return nil, fmt.Errorf("rule %d (%s): %w: when is required", i, s.Name, domain.ErrInvalid)
		}
		cond, err := json.Marshal(s.When)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w: %v", i, s.Name, domain.ErrInvalid, err)
		}
		r := domain.PolicyRule{
			ID:        int64(i + 1),
			Name:      strings.TrimSpace(s.Name),
			Scope:     strings.TrimSpace(s.Scope),
			Priority:  s.Priority,
			Condition: cond,
			Enabled:   s.Enabled == nil || *s.Enabled,
		}
		if s.Reason != "" {
			reason := s.Reason
			r.Reason = &reason
		}
		if r.Action, err = domain.ParseDecision(s.Action); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, s.Name, err)
		}
		if err := ValidateRule(r); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, s.Name, err)
		}
		// stored scopes are lowercase, so Booking/x and booking/x are one row
		key := strings.ToLower(r.Scope) + "/" + r.Name
		if seen[key] {
			return nil, fmt.Errorf("rule %d: %w: duplicate name %q in scope %q", i, domain.ErrInvalid, r.Name, r.Scope)
		}
		seen[key] = true
		out = append(out, r)
	}
	return out, nil
}

// ValidateRule checks the fields every stored rule must carry.
func ValidateRule(r domain.PolicyRule) error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", domain.ErrInvalid)
	}
	if r.Scope == "" {
		return fmt.Errorf("%w: scope is required", domain.ErrInvalid)
	}
	if _, err := domain.ParseDecision(string(r.Action)); err != nil {
		return err
	}
	_, err := Compile(r.Condition)
	return err
}
