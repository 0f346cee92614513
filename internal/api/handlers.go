// Package api wires the HTTP surface: entitlement queries, billing
// callbacks, and the two model routes. Handlers translate requests into
// engine and billing calls; they hold no entitlement state of their own.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/entitled-gateway/internal/billing"
	"github.com/tjfontaine/entitled-gateway/internal/entitlement"
	"github.com/tjfontaine/entitled-gateway/internal/llm"
	"github.com/tjfontaine/entitled-gateway/internal/server"
)

// LLMClient is the upstream model surface the handlers call.
type LLMClient interface {
	Configured() bool
	Complete(ctx context.Context, message string) (string, error)
	AnalyzeImage(ctx context.Context, prompt, imageB64 string) (string, error)
}

// Handler holds the collaborators for the HTTP routes.
type Handler struct {
	engine        *entitlement.Engine
	processor     billing.Processor
	llm           LLMClient
	webhookSecret string
	logger        *slog.Logger
}

func NewHandler(engine *entitlement.Engine, processor billing.Processor, llmClient LLMClient, webhookSecret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:        engine,
		processor:     processor,
		llm:           llmClient,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

// Routes registers all routes on the router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/entitlement/check", h.CheckEntitlement)
	r.Post("/subscription/activate", h.ActivateSubscription)
	r.Post("/billing/webhook", h.Webhook)
	r.Post("/_admin/grant", h.AdminGrant)
	r.Post("/chat", h.Chat)
	r.Post("/analyze_screen", h.AnalyzeScreen)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type checkResponse struct {
	Allowed   bool   `json:"allowed"`
	Remaining int    `json:"remaining"`
	Reason    string `json:"reason,omitempty"`
}

// CheckEntitlement is the access gate over HTTP: an allow consumes one use,
// same as the gated route itself. A "not entitled" miss triggers a live
// subscription lookup so a user whose webhook was lost still resolves
// correctly.
func (h *Handler) CheckEntitlement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	email := r.Header.Get("X-User-Email")
	if email == "" {
		writeError(w, http.StatusUnauthorized, "Login required")
		return
	}

	decision, err := h.checkWithRefresh(ctx, email)
	if err != nil {
		if errors.Is(err, entitlement.ErrMissingIdentity) {
			writeError(w, http.StatusUnauthorized, "Login required")
			return
		}
		server.AddError(ctx, err)
		writeError(w, http.StatusInternalServerError, "entitlement check failed")
		return
	}

	resp := checkResponse{
		Allowed:   decision.Allowed,
		Remaining: decision.Remaining,
		Reason:    decision.Reason,
	}
	if !decision.Allowed {
		writeJSON(w, http.StatusForbidden, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// checkWithRefresh runs the metered gate check, retrying once after a live
// subscription lookup when the record says "not entitled". A failed lookup
// leaves the denial in place.
func (h *Handler) checkWithRefresh(ctx context.Context, email string) (entitlement.Decision, error) {
	decision, err := h.engine.Check(ctx, email)
	if err != nil {
		return entitlement.Decision{}, err
	}
	if decision.Allowed || decision.Reason != entitlement.ReasonNotEntitled {
		return decision, nil
	}

	rec := h.refreshFromProcessor(ctx, email, entitlement.Record{})
	if !rec.Plan.Entitled() {
		return decision, nil
	}
	return h.engine.Check(ctx, email)
}

// refreshFromProcessor consults the live subscription list and feeds the
// answer back through the engine. Lookup failures leave the record as-is.
func (h *Handler) refreshFromProcessor(ctx context.Context, email string, cur entitlement.Record) entitlement.Record {
	if h.processor == nil {
		return cur
	}

	active, err := h.processor.HasActiveSubscription(ctx, email)
	if err != nil {
		h.logger.Warn("live subscription lookup failed",
			slog.String("email", email),
			slog.String("error", err.Error()),
		)
		return cur
	}

	rec, _, err := h.engine.ApplyLiveQuery(ctx, email, active)
	if err != nil {
		server.AddError(ctx, err)
		return cur
	}
	return rec
}

type activateRequest struct {
	SessionID string `json:"sessionId"`
	Email     string `json:"email"`
}

// ActivateSubscription validates a completed checkout session and applies a
// provisional unlock. The session is fetched from the processor; client
// claims about payment state are never trusted.
func (h *Handler) ActivateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "Missing sessionId or email")
		return
	}

	if h.processor == nil {
		writeError(w, http.StatusInternalServerError, "Stripe not configured")
		return
	}

	checkout, err := h.processor.CheckoutSession(ctx, req.SessionID)
	if err != nil {
		server.AddError(ctx, err)
		writeError(w, http.StatusBadGateway, "checkout session lookup failed")
		return
	}
	if !checkout.Paid {
		writeError(w, http.StatusForbidden, "checkout session not paid")
		return
	}

	email := req.Email
	if checkout.Email != "" {
		email = checkout.Email
	}

	if _, _, err := h.engine.ApplyCheckout(ctx, email); err != nil {
		server.AddError(ctx, err)
		writeError(w, http.StatusInternalServerError, "activation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// Webhook receives processor events. Signature failures are rejected;
// verified events the policy declines are acknowledged anyway so the sender
// does not retry them forever.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, billing.WebhookBodyLimit))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read payload")
		return
	}

	event, err := billing.VerifyEvent(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	server.AddLogField(ctx, "event_id", event.ID)
	server.AddLogField(ctx, "event_type", string(event.Type))

	sub, relevant, err := billing.NormalizeEvent(event)
	if err != nil {
		h.logger.Warn("webhook event parse failed",
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "malformed event")
		return
	}
	if !relevant {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if sub.Email == "" {
		h.logger.Warn("webhook event missing email", slog.String("event_id", event.ID))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if _, _, err := h.engine.ApplyWebhook(ctx, sub.Email, sub.Status, sub.At); err != nil {
		server.AddError(ctx, err)
		writeError(w, http.StatusInternalServerError, "failed to apply event")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

type grantRequest struct {
	Email string `json:"email"`
	Plan  string `json:"plan"`
}

// AdminGrant applies an operator override. Defaults to the paid plan when no
// plan is named.
func (h *Handler) AdminGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "Missing email")
		return
	}

	var err error
	switch req.Plan {
	case "", "plus":
		_, err = h.engine.GrantPlus(ctx, req.Email)
	case "trial":
		_, err = h.engine.GrantTrial(ctx, req.Email)
	default:
		writeError(w, http.StatusBadRequest, "unknown plan")
		return
	}
	if err != nil {
		server.AddError(ctx, err)
		writeError(w, http.StatusInternalServerError, "grant failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	Message string `json:"message"`
}

type replyResponse struct {
	Reply string `json:"reply"`
}

// Chat is the free assistant route. No entitlement gate.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.llm.Configured() {
		writeError(w, http.StatusInternalServerError, "OpenAI not configured")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "No message provided")
		return
	}

	server.AddLogField(ctx, "prompt_tokens", strconv.Itoa(llm.EstimateTokens(req.Message)))

	reply, err := h.llm.Complete(ctx, req.Message)
	if err != nil {
		server.AddError(ctx, err)
		writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}

	writeJSON(w, http.StatusOK, replyResponse{Reply: reply})
}

type analyzeRequest struct {
	Prompt string `json:"prompt"`
	Image  string `json:"image"`
}

// AnalyzeScreen is the metered route. The gate check and the decrement
// happen in one store update, before the upstream call; a denied request
// never reaches the model and never consumes a use.
func (h *Handler) AnalyzeScreen(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.llm.Configured() {
		writeError(w, http.StatusInternalServerError, "OpenAI not configured")
		return
	}

	email := r.Header.Get("X-User-Email")
	if email == "" {
		writeError(w, http.StatusUnauthorized, "Login required")
		return
	}

	decision, err := h.checkWithRefresh(ctx, email)
	if err != nil {
		if errors.Is(err, entitlement.ErrMissingIdentity) {
			writeError(w, http.StatusUnauthorized, "Login required")
			return
		}
		server.AddError(ctx, err)
		writeError(w, http.StatusInternalServerError, "entitlement check failed")
		return
	}
	if !decision.Allowed {
		writeJSON(w, http.StatusForbidden, checkResponse{
			Remaining: decision.Remaining,
			Reason:    decision.Reason,
		})
		return
	}

	server.AddLogField(ctx, "uses_remaining", strconv.Itoa(decision.Remaining))

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" || req.Image == "" {
		writeError(w, http.StatusBadRequest, "Missing prompt or image")
		return
	}

	reply, err := h.llm.AnalyzeImage(ctx, req.Prompt, req.Image)
	if err != nil {
		server.AddError(ctx, err)
		writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}

	writeJSON(w, http.StatusOK, replyResponse{Reply: reply})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
