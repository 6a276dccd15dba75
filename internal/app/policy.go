package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"inkstudio/internal/adapters/observability"
	"inkstudio/internal/domain"
	"inkstudio/internal/policy"
)

type PolicyService struct {
	repo     domain.PolicyRepository
	cache    domain.Cache
	events   domain.EventPublisher
	cacheTTL time.Duration
}

func NewPolicyService(r domain.PolicyRepository, c domain.Cache, ev domain.EventPublisher, ttl time.Duration) *PolicyService {
	return &PolicyService{repo: r, cache: c, events: ev, cacheTTL: ttl}
}

type EvaluateInput struct {
	Scope   string
	Context map[string]any
	Subject *string
}

func normScope(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func rulesKey(scope string) string { return "policy:rules:" + scope }

// Evaluate runs the enabled rules of a scope against the context. Audit and
// event delivery are best-effort and never change the decision.
func (s *PolicyService) Evaluate(ctx context.Context, in EvaluateInput) (domain.PolicyResult, error) {
	scope := normScope(in.Scope)
	if scope == "" {
		return domain.PolicyResult{}, fmt.Errorf("%w: scope is required", domain.ErrInvalid)
	}
	rules, err := s.enabledRules(ctx, scope)
	if err != nil {
		return domain.PolicyResult{}, fmt.Errorf("load rules for %s: %w", scope, err)
	}
	res := policy.Evaluate(rules, in.Context)
	observability.ObservePolicy(scope, string(res.Decision))

	ev := log.Info()
	if res.Decision != domain.Allow {
		ev = log.Warn()
	}
	ev = ev.Str("scope", scope).Str("decision", string(res.Decision)).Int("rules", len(rules)).Int("errors", len(res.Errors))
	if res.RuleID != nil {
		ev = ev.Int64("rule_id", *res.RuleID)
	}
	ev.Msg("policy_evaluated")

	ctxJSON, err := json.Marshal(in.Context)
	if err != nil {
		ctxJSON = nil
	}
	if err := s.repo.LogDecision(ctx, domain.PolicyDecisionRecord{
		Scope: scope, Decision: res.Decision, RuleID: res.RuleID, ContextJSON: ctxJSON, Subject: in.Subject,
	}); err != nil {
		log.Warn().Err(err).Str("scope", scope).Msg("policy decision audit failed")
	}

	if res.Decision != domain.Allow && s.events != nil {
		if err := s.events.Publish(ctx, domain.EventPolicyDecided, domain.PolicyDecidedEvent{
			Scope:     scope,
			Decision:  res.Decision,
			RuleID:    res.RuleID,
			RuleName:  res.RuleName,
			Subject:   in.Subject,
			DecidedAt: time.Now().UTC(),
		}); err != nil {
			log.Warn().Err(err).Str("scope", scope).Msg("publish policy.decided failed")
		}
	}
	return res, nil
}

func (s *PolicyService) enabledRules(ctx context.Context, scope string) ([]domain.PolicyRule, error) {
	key := rulesKey(scope)
	var rules []domain.PolicyRule
	if s.cache != nil {
		if ok, _ := s.cache.Get(ctx, key, &rules); ok {
			return rules, nil
		}
	}
	rules, err := s.repo.ListRules(ctx, scope, true)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, rules, int(s.cacheTTL.Seconds())); err != nil {
			log.Debug().Err(err).Str("key", key).Msg("rule cache set failed")
		}
	}
	return rules, nil
}

func (s *PolicyService) invalidate(ctx context.Context, scopes ...string) {
	if s.cache == nil {
		return
	}
	for _, sc := range scopes {
		if err := s.cache.Del(ctx, rulesKey(sc)); err != nil {
			log.Warn().Err(err).Str("scope", sc).Msg("rule cache invalidation failed")
		}
	}
}

// ---- administration ----

func (s *PolicyService) ListRules(ctx context.Context, scope string) ([]domain.PolicyRule, error) {
	return s.repo.ListRules(ctx, normScope(scope), false)
}

func (s *PolicyService) GetRule(ctx context.Context, id int64) (domain.PolicyRule, error) {
	return s.repo.GetRule(ctx, id)
}

func prepare(r domain.PolicyRule) (domain.PolicyRule, error) {
	r.Name = strings.TrimSpace(r.Name)
	r.Scope = normScope(r.Scope)
	a, err := domain.ParseDecision(string(r.Action))
	if err != nil {
		return r, err
	}
	r.Action = a
	return r, policy.ValidateRule(r)
}

func (s *PolicyService) CreateRule(ctx context.Context, r domain.PolicyRule) (domain.PolicyRule, error) {
	r, err := prepare(r)
	if err != nil {
		return domain.PolicyRule{}, err
	}
	id, err := s.repo.CreateRule(ctx, r)
	if err != nil {
		return domain.PolicyRule{}, err
	}
	s.invalidate(ctx, r.Scope)
	log.Info().Int64("rule_id", id).Str("scope", r.Scope).Str("name", r.Name).Msg("policy rule created")
	return s.repo.GetRule(ctx, id)
}

func (s *PolicyService) UpdateRule(ctx context.Context, r domain.PolicyRule) (domain.PolicyRule, error) {
	old, err := s.repo.GetRule(ctx, r.ID)
	if err != nil {
		return domain.PolicyRule{}, err
	}
	r, err = prepare(r)
	if err != nil {
		return domain.PolicyRule{}, err
	}
	if err := s.repo.UpdateRule(ctx, r); err != nil {
		return domain.PolicyRule{}, err
	}
	// a rule moved between scopes must leave the old scope's cache too
	s.invalidate(ctx, old.Scope, r.Scope)
	return s.repo.GetRule(ctx, r.ID)
}

// UpsertRule creates or replaces the rule identified by scope and name.
func (s *PolicyService) UpsertRule(ctx context.Context, r domain.PolicyRule) error {
	r, err := prepare(r)
	if err != nil {
		return err
	}
	if err := s.repo.UpsertRuleByName(ctx, r); err != nil {
		return err
	}
	s.invalidate(ctx, r.Scope)
	return nil
}

func (s *PolicyService) DeleteRule(ctx context.Context, id int64) error {
	old, err := s.repo.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, old.Scope)
	log.Info().Int64("rule_id", id).Str("scope", old.Scope).Msg("policy rule deleted")
	return nil
}
