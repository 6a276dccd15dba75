package httpserver_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	httpserver "inkstudio/internal/adapters/http_server"
	"inkstudio/internal/app"
	"inkstudio/internal/auth"
	"inkstudio/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const secret = "test-secret"

// ---- fakes ----

type fakePolicy struct {
	rules map[int64]domain.PolicyRule
	last  app.EvaluateInput
}

func (f *fakePolicy) Evaluate(ctx context.Context, in app.EvaluateInput) (domain.PolicyResult, error) {
	f.last = in
	if in.Scope == "" {
		return domain.PolicyResult{}, fmt.Errorf("%w: scope is required", domain.ErrInvalid)
	}
	id, name := int64(7), "minor"
	if age, _ := in.Context["age"].(float64); age < 18 {
		return domain.PolicyResult{Decision: domain.Block, RuleID: &id, RuleName: &name, Matched: []int64{}}, nil
	}
	return domain.PolicyResult{Decision: domain.Allow, Matched: []int64{}}, nil
}

func (f *fakePolicy) ListRules(ctx context.Context, scope string) ([]domain.PolicyRule, error) {
	out := []domain.PolicyRule{}
	for _, r := range f.rules {
		if scope == "" || r.Scope == scope {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakePolicy) GetRule(ctx context.Context, id int64) (domain.PolicyRule, error) {
	r, ok := f.rules[id]
	if !ok {
		return domain.PolicyRule{}, domain.ErrNotFound
	}
	return r, nil
}

func (f *fakePolicy) CreateRule(ctx context.Context, r domain.PolicyRule) (domain.PolicyRule, error) {
	if len(r.Condition) == 0 {
		return domain.PolicyRule{}, fmt.Errorf("%w: condition is required", domain.ErrInvalid)
	}
	r.ID = int64(len(f.rules) + 1)
	f.rules[r.ID] = r
	return r, nil
}

func (f *fakePolicy) UpdateRule(ctx context.Context, r domain.PolicyRule) (domain.PolicyRule, error) {
	if _, ok := f.rules[r.ID]; !ok {
		return domain.PolicyRule{}, domain.ErrNotFound
	}
	f.rules[r.ID] = r
	return r, nil
}

func (f *fakePolicy) DeleteRule(ctx context.Context, id int64) error {
	if _, ok := f.rules[id]; !ok {
		return domain.ErrNotFound
	}
	delete(f.rules, id)
	return nil
}

type fakeChat struct {
	stream  func(ctx context.Context, req app.ChatRequest, hooks app.StreamHooks) (app.ChatOutcome, error)
	history []domain.ChatMessage
}

func (f *fakeChat) Stream(ctx context.Context, req app.ChatRequest, hooks app.StreamHooks) (app.ChatOutcome, error) {
	return f.stream(ctx, req, hooks)
}

func (f *fakeChat) History(ctx context.Context, id string, limit int) ([]domain.ChatMessage, error) {
	if id != "c-1" {
		return nil, domain.ErrNotFound
	}
	if len(f.history) > limit {
		return f.history[len(f.history)-limit:], nil
	}
	return f.history, nil
}

func setup(t *testing.T, chat *fakeChat) (http.Handler, *fakePolicy) {
	t.Helper()
	fp := &fakePolicy{rules: map[int64]domain.PolicyRule{
		1: {ID: 1, Name: "minor", Scope: "booking", Action: domain.Block, Condition: []byte(`true`), Enabled: true},
	}}
	if chat == nil {
		chat = &fakeChat{}
	}
	s := httpserver.New()
	s.MountHandlers(&httpserver.Handlers{Policy: fp, Chat: chat, JWTSecret: secret, Heartbeat: 10 * time.Millisecond})
	return s.Mux(), fp
}

func do(h http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func bearer(t *testing.T, role string) string {
	t.Helper()
	tok, err := auth.Issue(secret, "ops@studio", role, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

// ---- tests ----

func TestHealthz(t *testing.T) {
	h, _ := setup(t, nil)
	rec := do(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestEvaluatePolicy(t *testing.T) {
	h, fp := setup(t, nil)

	rec := do(h, http.MethodPost, "/v1/policy/evaluate", `{"scope":"booking","context":{"age":16},"subject":"bk-9"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res domain.PolicyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, domain.Block, res.Decision)
	assert.Equal(t, int64(7), *res.RuleID)
	assert.Equal(t, "bk-9", *fp.last.Subject)

	rec = do(h, http.MethodPost, "/v1/policy/evaluate", `{"scope":"booking"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, fp.last.Context)

	rec = do(h, http.MethodPost, "/v1/policy/evaluate", `{"context":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	rec = do(h, http.MethodPost, "/v1/policy/evaluate", `{"scope":"booking","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/v1/policy/evaluate", `{"scope":"a"}{"scope":"b"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRules_Auth(t *testing.T) {
	h, _ := setup(t, nil)

	rec := do(h, http.MethodGet, "/v1/admin/policy/rules", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = do(h, http.MethodGet, "/v1/admin/policy/rules", "", "Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(h, http.MethodGet, "/v1/admin/policy/rules", "", "Authorization", bearer(t, "artist"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(h, http.MethodGet, "/v1/admin/policy/rules", "", "Authorization", bearer(t, auth.RoleAdmin))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRules_CRUD(t *testing.T) {
	h, fp := setup(t, nil)
	authz := bearer(t, auth.RoleAdmin)

	rec := do(h, http.MethodPost, "/v1/admin/policy/rules",
		`{"name":"deposit-high","scope":"deposit","priority":5,"action":"REVIEW","condition":{">":[{"var":"amount"},500]}}`,
		"Authorization", authz)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/v1/admin/policy/rules/2", rec.Header().Get("Location"))
	assert.True(t, fp.rules[2].Enabled, "enabled defaults to true")

	rec = do(h, http.MethodPost, "/v1/admin/policy/rules", `{"name":"x","scope":"y","action":"BLOCK"}`, "Authorization", authz)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodGet, "/v1/admin/policy/rules/2", "", "Authorization", authz)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec = do(h, http.MethodGet, "/v1/admin/policy/rules/2", "", "Authorization", authz, "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, rec.Code)

	rec = do(h, http.MethodPut, "/v1/admin/policy/rules/2",
		`{"name":"deposit-high","scope":"deposit","priority":9,"action":"BLOCK","condition":true,"enabled":false}`,
		"Authorization", authz)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 9, fp.rules[2].Priority)
	assert.False(t, fp.rules[2].Enabled)

	rec = do(h, http.MethodGet, "/v1/admin/policy/rules?scope=deposit", "", "Authorization", authz)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Items []domain.PolicyRule `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Items, 1)

	rec = do(h, http.MethodGet, "/v1/admin/policy/rules/abc", "", "Authorization", authz)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodDelete, "/v1/admin/policy/rules/2", "", "Authorization", authz)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(h, http.MethodDelete, "/v1/admin/policy/rules/2", "", "Authorization", authz)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRules_DisabledWithoutSecret(t *testing.T) {
	s := httpserver.New()
	s.MountHandlers(&httpserver.Handlers{Policy: &fakePolicy{}, Chat: &fakeChat{}})
	tok, err := auth.Issue(secret, "ops", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)
	rec := do(s.Mux(), http.MethodGet, "/v1/admin/policy/rules", "", "Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatStream_Success(t *testing.T) {
	chat := &fakeChat{stream: func(ctx context.Context, req app.ChatRequest, hooks app.StreamHooks) (app.ChatOutcome, error) {
		if err := hooks.Started(app.StreamInfo{ConversationID: "c-1", MessageID: "m-2"}); err != nil {
			return app.ChatOutcome{}, err
		}
		for _, d := range []string{"Walk-ins ", "welcome."} {
			if err := hooks.Delta(d); err != nil {
				return app.ChatOutcome{}, err
			}
		}
		return app.ChatOutcome{ConversationID: "c-1", MessageID: "m-2", FinishReason: "stop", Chars: 17}, nil
	}}
	h, _ := setup(t, chat)

	rec := do(h, http.MethodPost, "/v1/chat/stream", `{"message":"walk-ins?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: start\ndata: {\"conversation_id\":\"c-1\",\"message_id\":\"m-2\",\"flagged\":false}\n\n")
	assert.Contains(t, body, "data: {\"delta\":\"Walk-ins \"}\n\ndata: {\"delta\":\"welcome.\"}\n\n")
	assert.Contains(t, body, "event: done\ndata: {\"conversation_id\":\"c-1\",\"message_id\":\"m-2\",\"finish_reason\":\"stop\",\"chars\":17,\"flagged\":false}\n\n")
}

func TestChatStream_BlockedBeforeStart(t *testing.T) {
	chat := &fakeChat{stream: func(ctx context.Context, req app.ChatRequest, hooks app.StreamHooks) (app.ChatOutcome, error) {
		return app.ChatOutcome{ConversationID: "c-1"}, fmt.Errorf("%w: no face tattoos", domain.ErrBlocked)
	}}
	h, _ := setup(t, chat)

	rec := do(h, http.MethodPost, "/v1/chat/stream", `{"message":"face tattoo?"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "no face tattoos")
}

func TestChatStream_UpstreamFailureAfterStart(t *testing.T) {
	chat := &fakeChat{stream: func(ctx context.Context, req app.ChatRequest, hooks app.StreamHooks) (app.ChatOutcome, error) {
		_ = hooks.Started(app.StreamInfo{ConversationID: "c-1"})
		_ = hooks.Delta("par")
		return app.ChatOutcome{}, fmt.Errorf("%w: overloaded", domain.ErrUpstream)
	}}
	h, _ := setup(t, chat)

	rec := do(h, http.MethodPost, "/v1/chat/stream", `{"message":"hi"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: error\ndata: {\"type\":\"about:blank\",\"title\":\"Bad Gateway\",\"status\":502")
	assert.NotContains(t, rec.Body.String(), "event: done")
}

func TestChatStream_Heartbeat(t *testing.T) {
	chat := &fakeChat{stream: func(ctx context.Context, req app.ChatRequest, hooks app.StreamHooks) (app.ChatOutcome, error) {
		_ = hooks.Started(app.StreamInfo{ConversationID: "c-1"})
		select {
		case <-time.After(80 * time.Millisecond):
		case <-ctx.Done():
			return app.ChatOutcome{}, ctx.Err()
		}
		return app.ChatOutcome{ConversationID: "c-1", FinishReason: "stop"}, nil
	}}
	h, _ := setup(t, chat)

	rec := do(h, http.MethodPost, "/v1/chat/stream", `{"message":"hi"}`)
	assert.Contains(t, rec.Body.String(), ": ping\n\n")
	assert.Contains(t, rec.Body.String(), "event: done")
}

func TestChatStream_BadBody(t *testing.T) {
	h, _ := setup(t, &fakeChat{})
	rec := do(h, http.MethodPost, "/v1/chat/stream", `{"message":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMessages(t *testing.T) {
	chat := &fakeChat{history: []domain.ChatMessage{
		{ID: "1", ConversationID: "c-1", Role: domain.RoleUser, Content: "hi"},
		{ID: "2", ConversationID: "c-1", Role: domain.RoleAssistant, Content: "hello"},
	}}
	h, _ := setup(t, chat)

	rec := do(h, http.MethodGet, "/v1/conversations/c-1/messages?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Items []domain.ChatMessage `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "hello", page.Items[0].Content)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/v1/conversations/c-1/messages?limit=0", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/v1/conversations/nope/messages", "").Code)
}
