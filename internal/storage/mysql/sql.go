package mysql

// -----------------------------------------------------------------------------
// POLICY RULES
// -----------------------------------------------------------------------------

const ruleColumns = `id, name, scope, priority, action, cond_json, reason, enabled, created_at, updated_at`

const insertRuleSQL = `
INSERT INTO policy_rules
  (name, scope, priority, action, cond_json, reason, enabled)
VALUES
  (?, ?, ?, ?, ?, ?, ?)
`

const updateRuleSQL = `
UPDATE policy_rules SET
  name      = ?,
  scope     = ?,
  priority  = ?,
  action    = ?,
  cond_json = ?,
  reason    = ?,
  enabled   = ?
WHERE id = ?
`

// Import path: rules are identified by (scope, name).
const upsertRuleSQL = `
INSERT INTO policy_rules
  (name, scope, priority, action, cond_json, reason, enabled)
VALUES
  (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  priority  = VALUES(priority),
  action    = VALUES(action),
  cond_json = VALUES(cond_json),
  reason    = VALUES(reason),
  enabled   = VALUES(enabled)
`

const deleteRuleSQL = `DELETE FROM policy_rules WHERE id = ?`

const getRuleSQL = `SELECT ` + ruleColumns + ` FROM policy_rules WHERE id = ?`

// Evaluation order is applied by the engine; this ordering only keeps
// listings stable for the admin API.
const listRulesSQL = `
SELECT ` + ruleColumns + `
FROM policy_rules
WHERE (? = '' OR scope = ?)
  AND (? = 0 OR enabled = 1)
ORDER BY scope, priority DESC, id
`

const insertDecisionSQL = `
INSERT INTO policy_decisions (scope, decision, rule_id, subject, context)
VALUES (?, ?, ?, ?, ?)
`

// -----------------------------------------------------------------------------
// CONVERSATIONS
// -----------------------------------------------------------------------------

const insertConversationSQL = `
INSERT INTO conversations (id, channel, flagged, flag_note)
VALUES (?, ?, ?, ?)
`

const getConversationSQL = `
SELECT id, channel, flagged, flag_note, created_at
FROM conversations
WHERE id = ?
`

// Keeps the first note; later flags only confirm the state.
const flagConversationSQL = `
UPDATE conversations
SET flagged = 1, flag_note = COALESCE(flag_note, ?)
WHERE id = ?
`

const insertMessageSQL = `
INSERT INTO chat_messages (id, conversation_id, role, content, finish_reason)
VALUES (?, ?, ?, ?, ?)
`

// Latest N messages, returned oldest first.
const listMessagesSQL = `
SELECT id, conversation_id, role, content, finish_reason, created_at
FROM (
  SELECT seq, id, conversation_id, role, content, finish_reason, created_at
  FROM chat_messages
  WHERE conversation_id = ?
  ORDER BY seq DESC
  LIMIT ?
) latest
ORDER BY seq ASC
`
