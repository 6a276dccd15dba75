package mysql

import (
	"context"
	"database/sql"
	"encoding/json"

	"inkstudio/internal/domain"
)

func ruleArgs(r domain.PolicyRule) []any {
	return []any{r.Name, r.Scope, r.Priority, string(r.Action), string(r.Condition), valStr(r.Reason), r.Enabled}
}

func (r *Repo) CreateRule(ctx context.Context, pr domain.PolicyRule) (int64, error) {
	res, err := r.db.ExecContext(ctx, insertRuleSQL, ruleArgs(pr)...)
	if err != nil {
		return 0, mapErr(err)
	}
	return res.LastInsertId()
}

func (r *Repo) UpdateRule(ctx context.Context, pr domain.PolicyRule) error {
	args := append(ruleArgs(pr), pr.ID)
	if _, err := r.db.ExecContext(ctx, updateRuleSQL, args...); err != nil {
		return mapErr(err)
	}
	// RowsAffected is 0 when nothing changed, so check existence separately.
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM policy_rules WHERE id = ?`, pr.ID).Scan(&one)
	return mapErr(err)
}

func (r *Repo) UpsertRuleByName(ctx context.Context, pr domain.PolicyRule) error {
	_, err := r.db.ExecContext(ctx, upsertRuleSQL, ruleArgs(pr)...)
	return mapErr(err)
}

func (r *Repo) DeleteRule(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, deleteRuleSQL, id)
	if err != nil {
		return mapErr(err)
	}
	return affectedOrNotFound(res)
}

func (r *Repo) LogDecision(ctx context.Context, d domain.PolicyDecisionRecord) error {
	_, err := r.db.ExecContext(ctx, insertDecisionSQL,
		d.Scope,
		string(d.Decision),
		valInt64(d.RuleID),
		valStr(d.Subject),
		valJSON(d.ContextJSON),
	)
	return mapErr(err)
}

func (r *Repo) GetRule(ctx context.Context, id int64) (domain.PolicyRule, error) {
	pr, err := scanRule(r.db.QueryRowContext(ctx, getRuleSQL, id))
	if err != nil {
		return domain.PolicyRule{}, mapErr(err)
	}
	return pr, nil
}

func (r *Repo) ListRules(ctx context.Context, scope string, onlyEnabled bool) ([]domain.PolicyRule, error) {
	enabledOnly := 0
	if onlyEnabled {
		enabledOnly = 1
	}
	rows, err := r.db.QueryContext(ctx, listRulesSQL, scope, scope, enabledOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.PolicyRule{}
	for rows.Next() {
		pr, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRule(s rowScanner) (domain.PolicyRule, error) {
	var (
		pr     domain.PolicyRule
		action string
		cond   []byte
		reason sql.NullString
	)
	if err := s.Scan(
		&pr.ID,
		&pr.Name,
		&pr.Scope,
		&pr.Priority,
		&action,
		&cond,
		&reason,
		&pr.Enabled,
		&pr.CreatedAt,
		&pr.UpdatedAt,
	); err != nil {
		return domain.PolicyRule{}, err
	}
	pr.Action = domain.Decision(action)
	pr.Condition = json.RawMessage(append([]byte(nil), cond...))
	pr.Reason = strPtr(reason)
	return pr, nil
}
