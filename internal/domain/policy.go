package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Decision string

const (
	Allow  Decision = "ALLOW"
	Review Decision = "REVIEW"
	Block  Decision = "BLOCK"
)

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToUpper(strings.TrimSpace(s))); d {
	case Allow, Review, Block:
		return d, nil
	}
	return "", fmt.Errorf("%w: unknown decision %q", ErrInvalid, s)
}

// Deciding reports whether a matching rule with this action stops evaluation.
func (d Decision) Deciding() bool { return d == Block || d == Review }

type PolicyRule struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Scope     string          `json:"scope"`
	Priority  int             `json:"priority"`
	Action    Decision        `json:"action"`
	Condition json.RawMessage `json:"condition"`
	Reason    *string         `json:"reason,omitempty"`
	Enabled   bool            `json:"enabled"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type RuleError struct {
	RuleID int64  `json:"rule_id"`
	Error  string `json:"error"`
}

type PolicyResult struct {
	Decision Decision    `json:"decision"`
	RuleID   *int64      `json:"rule_id,omitempty"`
	RuleName *string     `json:"rule_name,omitempty"`
	Reason   *string     `json:"reason,omitempty"`
	Matched  []int64     `json:"matched"`
	Errors   []RuleError `json:"errors,omitempty"`
}

// PolicyDecisionRecord is the audit row written for every evaluation.
type PolicyDecisionRecord struct {
	Scope       string
	Decision    Decision
	RuleID      *int64
	ContextJSON []byte
	Subject     *string // conversation or booking reference, when known
}
