package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentauth/core/pkg/authorize"
	"github.com/agentauth/core/pkg/config"
	"github.com/agentauth/core/pkg/consent"
	"github.com/agentauth/core/pkg/limits"
	"github.com/agentauth/core/pkg/money"
	"github.com/agentauth/core/pkg/observability"
	"github.com/agentauth/core/pkg/signing"
	"github.com/agentauth/core/pkg/verify"
)

// Handler provides the HTTP handlers of the engine.
type Handler struct {
	consents  *consent.Service
	evaluator *authorize.Evaluator
	verifier  *verify.Service
	limits    limits.Store
	signer    signing.Signer
	logger    *slog.Logger
	obs       *observability.Provider
	profiles  map[string]*config.LimitProfile
}

// NewHandler wires the HTTP surface.
func NewHandler(consents *consent.Service, evaluator *authorize.Evaluator, verifier *verify.Service, lim limits.Store, signer signing.Signer) *Handler {
	return &Handler{
		consents:  consents,
		evaluator: evaluator,
		verifier:  verifier,
		limits:    lim,
		signer:    signer,
		logger:    slog.Default(),
	}
}

// WithObservability attaches the telemetry provider. Decisions and
// evaluation latency are recorded on the authorize and verify paths.
func (h *Handler) WithObservability(p *observability.Provider) *Handler {
	h.obs = p
	return h
}

// WithProfiles makes the named limit presets applyable through
// PUT /v1/limits.
func (h *Handler) WithProfiles(profiles map[string]*config.LimitProfile) *Handler {
	h.profiles = profiles
	return h
}

// track opens a span over one engine operation when telemetry is
// configured.
func (h *Handler) track(ctx context.Context, name string) (context.Context, func(error)) {
	if h.obs == nil {
		return ctx, func(error) {}
	}
	return h.obs.TrackOperation(ctx, name)
}

// RegisterRoutes registers all engine routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/consents", h.handleCreateConsent)
	mux.HandleFunc("GET /v1/consents", h.handleListConsents)
	mux.HandleFunc("GET /v1/consents/{id}", h.handleGetConsent)
	mux.HandleFunc("DELETE /v1/consents/{id}", h.handleRevokeConsent)

	mux.HandleFunc("POST /v1/authorize", h.handleAuthorize)
	mux.HandleFunc("POST /v1/verify", h.handleVerify)

	mux.HandleFunc("GET /v1/limits", h.handleGetLimits)
	mux.HandleFunc("PUT /v1/limits", h.handlePutLimits)
	mux.HandleFunc("GET /v1/usage", h.handleGetUsage)

	mux.HandleFunc("GET /v1/rules/merchants", h.handleListMerchantRules)
	mux.HandleFunc("POST /v1/rules/merchants", h.handleAddMerchantRule)
	mux.HandleFunc("DELETE /v1/rules/merchants/{id}", h.handleDeleteMerchantRule)
	mux.HandleFunc("GET /v1/rules/categories", h.handleListCategoryRules)
	mux.HandleFunc("POST /v1/rules/categories", h.handleAddCategoryRule)
	mux.HandleFunc("DELETE /v1/rules/categories/{id}", h.handleDeleteCategoryRule)

	mux.HandleFunc("GET /v1/keys/public", h.handlePublicKey)
	mux.HandleFunc("GET /health", h.handleHealth)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// amountPayload is the wire form of a monetary value. Amount accepts a
// JSON number or string and is parsed as an exact decimal; floats never
// touch the arithmetic.
type amountPayload struct {
	Amount   json.Number `json:"amount"`
	Currency string      `json:"currency"`
}

func (p amountPayload) parse() (money.Amount, error) {
	return money.Parse(p.Amount.String(), p.Currency)
}

// --- consents ---

type createConsentRequest struct {
	UserID string `json:"user_id"`
	Intent struct {
		Description string `json:"description"`
	} `json:"intent"`
	Constraints struct {
		MaxAmount         json.Number `json:"max_amount"`
		Currency          string      `json:"currency"`
		AllowedMerchants  []string    `json:"allowed_merchants,omitempty"`
		AllowedCategories []string    `json:"allowed_categories,omitempty"`
	} `json:"constraints"`
	Options struct {
		ExpiresInSeconds int64  `json:"expires_in_seconds"`
		AgentID          string `json:"agent_id,omitempty"`
	} `json:"options"`
}

func (h *Handler) handleCreateConsent(w http.ResponseWriter, r *http.Request) {
	var req createConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	maxAmount, err := money.Parse(req.Constraints.MaxAmount.String(), req.Constraints.Currency)
	if err != nil {
		WriteBadRequest(w, "Invalid max_amount: "+err.Error())
		return
	}

	res, err := h.consents.Create(r.Context(), consent.CreateParams{
		PrincipalID:       req.UserID,
		AgentID:           req.Options.AgentID,
		Intent:            req.Intent.Description,
		MaxAmount:         maxAmount,
		AllowedMerchants:  req.Constraints.AllowedMerchants,
		AllowedCategories: req.Constraints.AllowedCategories,
		TTL:               time.Duration(req.Options.ExpiresInSeconds) * time.Second,
	})
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleListConsents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	list, err := h.consents.List(r.Context(), limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"consents": list})
}

func (h *Handler) handleGetConsent(w http.ResponseWriter, r *http.Request) {
	c, err := h.consents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, consent.ErrNotFound) {
			WriteNotFound(w, "Consent not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"consent": c,
		"status":  c.Status(time.Now().UTC()),
	})
}

func (h *Handler) handleRevokeConsent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.consents.Revoke(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"consent_id": id, "status": consent.StatusRevoked})
	case errors.Is(err, consent.ErrNotFound):
		WriteNotFound(w, "Consent not found")
	case errors.Is(err, consent.ErrRevoked):
		// Revoking twice is fine; the consent is in the requested state.
		writeJSON(w, http.StatusOK, map[string]any{"consent_id": id, "status": consent.StatusRevoked})
	default:
		WriteInternal(w, err)
	}
}

// --- authorize ---

type authorizeRequest struct {
	DelegationToken string `json:"delegation_token"`
	Action          string `json:"action,omitempty"`
	Transaction     struct {
		amountPayload
		MerchantID string `json:"merchant_id"`
		Category   string `json:"category,omitempty"`
	} `json:"transaction"`
	DryRun bool `json:"dry_run,omitempty"`
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.DelegationToken == "" {
		WriteBadRequest(w, "delegation_token is required")
		return
	}

	amount, err := req.Transaction.parse()
	if err != nil {
		WriteBadRequest(w, "Invalid transaction amount: "+err.Error())
		return
	}
	txn := authorize.Transaction{
		Amount:     amount,
		MerchantID: req.Transaction.MerchantID,
		Category:   req.Transaction.Category,
		Action:     req.Action,
	}

	ctx, done := h.track(r.Context(), "authorize")
	var res *authorize.Result
	if req.DryRun {
		res, err = h.evaluator.Preview(ctx, req.DelegationToken, txn)
	} else {
		res, err = h.evaluator.Authorize(ctx, req.DelegationToken, txn)
	}
	done(err)
	if err != nil {
		if errors.Is(err, authorize.ErrTransient) {
			WriteServiceUnavailable(w, "Authorization could not be completed, retry the request")
			return
		}
		WriteInternal(w, err)
		return
	}
	if h.obs != nil {
		h.obs.RecordDecision(ctx, string(res.Decision), string(res.Reason))
	}

	// A DENY is a completed evaluation, not an HTTP error.
	writeJSON(w, http.StatusOK, res)
}

// --- verify ---

type verifyRequest struct {
	AuthorizationCode string `json:"authorization_code"`
	Transaction       struct {
		amountPayload
		MerchantID string `json:"merchant_id"`
	} `json:"transaction"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.AuthorizationCode == "" {
		WriteBadRequest(w, "authorization_code is required")
		return
	}

	amount, err := req.Transaction.parse()
	if err != nil {
		WriteBadRequest(w, "Invalid transaction amount: "+err.Error())
		return
	}

	ctx, done := h.track(r.Context(), "verify")
	res, err := h.verifier.Verify(ctx, verify.Request{
		AuthorizationCode: req.AuthorizationCode,
		Amount:            amount,
		MerchantID:        req.Transaction.MerchantID,
	})
	done(err)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if h.obs != nil {
		outcome := "verified"
		if !res.Valid {
			outcome = "rejected"
		}
		h.obs.RecordDecision(ctx, outcome, string(res.Reason))
	}

	writeJSON(w, http.StatusOK, res)
}

// --- limits and usage ---

func principalParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	principalID := r.URL.Query().Get("principal_id")
	if principalID == "" {
		WriteBadRequest(w, "principal_id query parameter is required")
		return "", false
	}
	return principalID, true
}

func (h *Handler) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	principalID, ok := principalParam(w, r)
	if !ok {
		return
	}
	l, err := h.limits.Limits(r.Context(), principalID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type putLimitsRequest struct {
	PrincipalID          string `json:"principal_id"`
	Profile              string `json:"profile,omitempty"`
	DailyLimit           int64  `json:"daily_limit"`
	MonthlyLimit         int64  `json:"monthly_limit"`
	PerTransactionLimit  int64  `json:"per_transaction_limit"`
	RequireApprovalAbove *int64 `json:"require_approval_above,omitempty"`
	IsActive             *bool  `json:"is_active,omitempty"`
}

func (h *Handler) handlePutLimits(w http.ResponseWriter, r *http.Request) {
	var req putLimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.PrincipalID == "" {
		WriteBadRequest(w, "principal_id is required")
		return
	}
	if req.Profile != "" {
		h.applyProfile(w, r, req.PrincipalID, req.Profile)
		return
	}
	if req.DailyLimit <= 0 || req.MonthlyLimit <= 0 || req.PerTransactionLimit <= 0 {
		WriteBadRequest(w, "limits must be positive")
		return
	}
	if req.DailyLimit > req.MonthlyLimit {
		WriteBadRequest(w, "daily_limit must not exceed monthly_limit")
		return
	}

	l := &limits.SpendingLimits{
		PrincipalID:          req.PrincipalID,
		DailyLimit:           req.DailyLimit,
		MonthlyLimit:         req.MonthlyLimit,
		PerTransactionLimit:  req.PerTransactionLimit,
		RequireApprovalAbove: req.RequireApprovalAbove,
		IsActive:             true,
		UpdatedAt:            time.Now().UTC(),
	}
	if req.IsActive != nil {
		l.IsActive = *req.IsActive
	}
	if err := h.limits.SetLimits(r.Context(), l); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// applyProfile seeds a principal's limits and rules from a named preset.
func (h *Handler) applyProfile(w http.ResponseWriter, r *http.Request, principalID, code string) {
	p, ok := h.profiles[strings.ToLower(code)]
	if !ok {
		WriteBadRequest(w, "unknown limit profile: "+code)
		return
	}

	l := &limits.SpendingLimits{
		PrincipalID:          principalID,
		DailyLimit:           p.DailyLimit,
		MonthlyLimit:         p.MonthlyLimit,
		PerTransactionLimit:  p.PerTransactionLimit,
		RequireApprovalAbove: p.RequireApprovalAbove,
		IsActive:             true,
		UpdatedAt:            time.Now().UTC(),
	}
	if err := h.limits.SetLimits(r.Context(), l); err != nil {
		WriteInternal(w, err)
		return
	}

	for _, pr := range p.MerchantRules {
		action, _ := ruleAction(pr.Action)
		rule := &limits.MerchantRule{
			ID:          uuid.New().String(),
			PrincipalID: principalID,
			Pattern:     pr.Pattern,
			Action:      action,
			Description: pr.Description,
			IsActive:    true,
			CreatedAt:   time.Now().UTC(),
		}
		if err := h.limits.AddMerchantRule(r.Context(), rule); err != nil {
			WriteInternal(w, err)
			return
		}
	}
	for _, pr := range p.CategoryRules {
		action, _ := ruleAction(pr.Action)
		rule := &limits.CategoryRule{
			ID:          uuid.New().String(),
			PrincipalID: principalID,
			Category:    strings.ToLower(pr.Pattern),
			Action:      action,
			IsActive:    true,
			CreatedAt:   time.Now().UTC(),
		}
		if err := h.limits.AddCategoryRule(r.Context(), rule); err != nil {
			WriteInternal(w, err)
			return
		}
	}

	h.logger.Info("limit profile applied", "principal_id", principalID, "profile", p.Code)
	writeJSON(w, http.StatusOK, l)
}

func (h *Handler) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	principalID, ok := principalParam(w, r)
	if !ok {
		return
	}
	usage, err := h.limits.Usage(r.Context(), principalID, limits.PeriodFor(time.Now().UTC()))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// --- rules ---

type ruleRequest struct {
	PrincipalID string `json:"principal_id"`
	Pattern     string `json:"pattern,omitempty"`
	Category    string `json:"category,omitempty"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

func ruleAction(s string) (limits.RuleAction, bool) {
	switch strings.ToLower(s) {
	case "allow":
		return limits.ActionAllow, true
	case "block":
		return limits.ActionBlock, true
	}
	return "", false
}

func (h *Handler) handleListMerchantRules(w http.ResponseWriter, r *http.Request) {
	principalID, ok := principalParam(w, r)
	if !ok {
		return
	}
	rules, err := h.limits.MerchantRules(r.Context(), principalID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (h *Handler) handleAddMerchantRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	action, ok := ruleAction(req.Action)
	if !ok {
		WriteBadRequest(w, "action must be allow or block")
		return
	}
	if req.PrincipalID == "" || req.Pattern == "" {
		WriteBadRequest(w, "principal_id and pattern are required")
		return
	}

	rule := &limits.MerchantRule{
		ID:          uuid.New().String(),
		PrincipalID: req.PrincipalID,
		Pattern:     req.Pattern,
		Action:      action,
		Description: req.Description,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.limits.AddMerchantRule(r.Context(), rule); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *Handler) handleDeleteMerchantRule(w http.ResponseWriter, r *http.Request) {
	principalID, ok := principalParam(w, r)
	if !ok {
		return
	}
	err := h.limits.DeleteMerchantRule(r.Context(), principalID, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, limits.ErrRuleNotFound) {
			WriteNotFound(w, "Rule not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListCategoryRules(w http.ResponseWriter, r *http.Request) {
	principalID, ok := principalParam(w, r)
	if !ok {
		return
	}
	rules, err := h.limits.CategoryRules(r.Context(), principalID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (h *Handler) handleAddCategoryRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	action, ok := ruleAction(req.Action)
	if !ok {
		WriteBadRequest(w, "action must be allow or block")
		return
	}
	if req.PrincipalID == "" || req.Category == "" {
		WriteBadRequest(w, "principal_id and category are required")
		return
	}

	rule := &limits.CategoryRule{
		ID:          uuid.New().String(),
		PrincipalID: req.PrincipalID,
		Category:    strings.ToLower(req.Category),
		Action:      action,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.limits.AddCategoryRule(r.Context(), rule); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *Handler) handleDeleteCategoryRule(w http.ResponseWriter, r *http.Request) {
	principalID, ok := principalParam(w, r)
	if !ok {
		return
	}
	err := h.limits.DeleteCategoryRule(r.Context(), principalID, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, limits.ErrRuleNotFound) {
			WriteNotFound(w, "Rule not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- keys and health ---

func (h *Handler) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"key_id":     h.signer.KeyID(),
		"algorithm":  "Ed25519",
		"public_key": h.signer.PublicKey(),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
