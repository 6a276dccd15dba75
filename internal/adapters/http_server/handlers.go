// internal/adapters/http_server/handlers.go
package httpserver

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"inkstudio/internal/app"
	"inkstudio/internal/domain"
	"inkstudio/internal/sse"
)

const (
	maxBody          = 1 << 20
	defaultHeartbeat = 15 * time.Second
)

type PolicyAPI interface {
	Evaluate(ctx context.Context, in app.EvaluateInput) (domain.PolicyResult, error)
	ListRules(ctx context.Context, scope string) ([]domain.PolicyRule, error)
	GetRule(ctx context.Context, id int64) (domain.PolicyRule, error)
	CreateRule(ctx context.Context, r domain.PolicyRule) (domain.PolicyRule, error)
	UpdateRule(ctx context.Context, r domain.PolicyRule) (domain.PolicyRule, error)
	DeleteRule(ctx context.Context, id int64) error
}

type ChatAPI interface {
	Stream(ctx context.Context, req app.ChatRequest, hooks app.StreamHooks) (app.ChatOutcome, error)
	History(ctx context.Context, conversationID string, limit int) ([]domain.ChatMessage, error)
}

type Handlers struct {
	Policy    PolicyAPI
	Chat      ChatAPI
	JWTSecret string
	Heartbeat time.Duration // keep-alive comment interval on event streams
}

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) MountHandlers(h *Handlers) {
	s.mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })

	s.mux.Group(func(r chi.Router) {
		r.Use(Timeout(requestTimeout))
		r.Post("/v1/policy/evaluate", h.evaluatePolicy)
		r.Get("/v1/conversations/{id}/messages", h.listMessages)

		r.Route("/v1/admin/policy/rules", func(r chi.Router) {
			r.Use(RequireAdmin(h.JWTSecret))
			r.Get("/", h.listRules)
			r.Post("/", h.createRule)
			r.Get("/{id}", h.getRule)
			r.Put("/{id}", h.updateRule)
			r.Delete("/{id}", h.deleteRule)
		})
	})

	s.mux.Post("/v1/chat/stream", h.chatStream)
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(problem{Type: "about:blank", Title: title, Status: status, Detail: detail}); err != nil {
		log.Error().Err(err).Msg("write JSON problem response failed")
	}
}

// problemFor maps domain errors onto HTTP problems. Detail of server-side
// failures is not echoed to clients.
func problemFor(err error) problem {
	switch {
	case errors.Is(err, domain.ErrInvalid):
		return problem{Title: "Invalid Request", Status: http.StatusBadRequest, Detail: err.Error()}
	case errors.Is(err, domain.ErrUnauthorized) && !errors.Is(err, domain.ErrUpstream):
		return problem{Title: "Unauthorized", Status: http.StatusUnauthorized, Detail: err.Error()}
	case errors.Is(err, domain.ErrBlocked):
		return problem{Title: "Blocked By Policy", Status: http.StatusForbidden, Detail: err.Error()}
	case errors.Is(err, domain.ErrNotFound):
		return problem{Title: "Not Found", Status: http.StatusNotFound, Detail: err.Error()}
	case errors.Is(err, domain.ErrUpstream):
		return problem{Title: "Bad Gateway", Status: http.StatusBadGateway, Detail: "upstream model unavailable"}
	}
	return problem{Title: "Internal Server Error", Status: http.StatusInternalServerError}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	p := problemFor(err)
	if p.Status >= 500 {
		log.Error().Err(err).Str("route", routeOf(r)).Msg("request failed")
	}
	writeProblem(w, p.Status, p.Title, p.Detail)
}

// calcETagAndBody marshals once and hashes once, returning both ETag and body.
func calcETagAndBody(v any) (string, []byte) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal object for ETag/body")
		return "", nil
	}
	sum := sha1.Sum(body)
	etag := `W/"` + hex.EncodeToString(sum[:]) + `"`
	return etag, body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write JSON response failed")
	}
}

// writeCached answers GETs with a weak ETag and honours If-None-Match.
func writeCached(w http.ResponseWriter, r *http.Request, v any) {
	etag, body := calcETagAndBody(v)
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Error().Err(err).Str("route", routeOf(r)).Msg("failed to write body")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return false
	}
	if _, err := dec.Token(); err != io.EOF {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", "body must contain a single JSON value")
		return false
	}
	return true
}

// ---- policy ----

type evaluateRequest struct {
	Scope   string         `json:"scope"`
	Context map[string]any `json:"context"`
	Subject *string        `json:"subject,omitempty"`
}

func (h *Handlers) evaluatePolicy(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}
	res, err := h.Policy.Evaluate(r.Context(), app.EvaluateInput{Scope: req.Scope, Context: req.Context, Subject: req.Subject})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type ruleRequest struct {
	Name      string          `json:"name"`
	Scope     string          `json:"scope"`
	Priority  int             `json:"priority"`
	Action    string          `json:"action"`
	Condition json.RawMessage `json:"condition"`
	Reason    *string         `json:"reason,omitempty"`
	Enabled   *bool           `json:"enabled,omitempty"`
}

func (q ruleRequest) rule(id int64) domain.PolicyRule {
	enabled := true
	if q.Enabled != nil {
		enabled = *q.Enabled
	}
	return domain.PolicyRule{
		ID: id, Name: q.Name, Scope: q.Scope, Priority: q.Priority,
		Action: domain.Decision(q.Action), Condition: q.Condition, Reason: q.Reason, Enabled: enabled,
	}
}

func ruleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id must be a positive number")
		return 0, false
	}
	return id, true
}

func (h *Handlers) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Policy.ListRules(r.Context(), r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCached(w, r, map[string]any{"items": rules})
}

func (h *Handlers) getRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	rule, err := h.Policy.GetRule(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCached(w, r, rule)
}

func (h *Handlers) createRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rule, err := h.Policy.CreateRule(r.Context(), req.rule(0))
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.Info().Str("admin", adminSubject(r)).Int64("rule_id", rule.ID).Msg("rule_created")
	w.Header().Set("Location", fmt.Sprintf("/v1/admin/policy/rules/%d", rule.ID))
	writeJSON(w, http.StatusCreated, rule)
}

func (h *Handlers) updateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	var req ruleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rule, err := h.Policy.UpdateRule(r.Context(), req.rule(id))
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.Info().Str("admin", adminSubject(r)).Int64("rule_id", id).Msg("rule_updated")
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handlers) deleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if err := h.Policy.DeleteRule(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	log.Info().Str("admin", adminSubject(r)).Int64("rule_id", id).Msg("rule_deleted")
	w.WriteHeader(http.StatusNoContent)
}

// ---- chat ----

type chatStreamRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Channel        string `json:"channel,omitempty"`
	Message        string `json:"message"`
}

type deltaEvent struct {
	Delta string `json:"delta"`
}

// chatStream relays one chat turn as server-sent events. Failures before the
// upstream stream opens are plain problem responses; later ones become an
// error event because the status line is already sent.
func (h *Handlers) chatStream(w http.ResponseWriter, r *http.Request) {
	var req chatStreamRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var sw *sse.Writer
	hooks := app.StreamHooks{
		Started: func(info app.StreamInfo) error {
			sw = sse.NewWriter(w)
			w.WriteHeader(http.StatusOK)
			if err := sw.Event("start", info); err != nil {
				return err
			}
			g.Go(func() error { return heartbeat(gctx, sw, h.heartbeat()) })
			return nil
		},
		Delta: func(text string) error { return sw.Event("", deltaEvent{Delta: text}) },
	}

	out, err := h.Chat.Stream(gctx, app.ChatRequest{
		ConversationID: req.ConversationID,
		Channel:        req.Channel,
		Message:        req.Message,
	}, hooks)
	cancel()
	if werr := g.Wait(); werr != nil {
		log.Debug().Err(werr).Msg("heartbeat stopped")
	}

	if sw == nil {
		if err == nil {
			err = errors.New("stream ended before it started")
		}
		writeError(w, r, err)
		return
	}
	if err != nil {
		if r.Context().Err() != nil {
			return // client is gone, nobody to tell
		}
		p := problemFor(err)
		p.Type = "about:blank"
		_ = sw.Event("error", p)
		return
	}
	_ = sw.Event("done", out)
}

func (h *Handlers) heartbeat() time.Duration {
	if h.Heartbeat > 0 {
		return h.Heartbeat
	}
	return defaultHeartbeat
}

func heartbeat(ctx context.Context, sw *sse.Writer, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := sw.Comment("ping"); err != nil {
				return err
			}
		}
	}
}

func (h *Handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if ls := r.URL.Query().Get("limit"); ls != "" {
		l, err := strconv.Atoi(ls)
		if err != nil || l <= 0 || l > 200 {
			writeProblem(w, http.StatusBadRequest, "Invalid limit", "limit must be an integer between 1 and 200")
			return
		}
		limit = l
	}
	msgs, err := h.Chat.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCached(w, r, map[string]any{"items": msgs})
}
