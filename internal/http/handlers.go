package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wallet/internal/core"
	"wallet/internal/log"
	"wallet/internal/services"
)

type transactionResponse struct {
	ID       int64      `json:"id"`
	IsIncome bool       `json:"is_income"`
	Amount   core.Money `json:"amount"`
	Category string     `json:"category"`
	Date     string     `json:"date"`
	Message  string     `json:"message"`
}

type profileResponse struct {
	ID       int64      `json:"id"`
	Username string     `json:"username"`
	Balance  core.Money `json:"balance"`
}

type mutationResponse struct {
	Transaction *transactionResponse `json:"transaction,omitempty"`
	Profile     profileResponse      `json:"profile"`
}

type categoryResponse struct {
	Name   string     `json:"name"`
	Amount core.Money `json:"amount"`
}

type summaryResponse struct {
	From       string           `json:"from"`
	To         string           `json:"to"`
	Income     core.Money       `json:"income"`
	Expense    core.Money       `json:"expense"`
	Net        core.Money       `json:"net"`
	TopIncome  categoryResponse `json:"top_income"`
	TopExpense categoryResponse `json:"top_expense"`
	Balance    core.Money       `json:"balance"`
}

func toTransactionResponse(t core.Transaction) transactionResponse {
	return transactionResponse{
		ID:       t.ID,
		IsIncome: t.IsIncome,
		Amount:   t.Amount,
		Category: t.Category,
		Date:     t.Date.String(),
		Message:  t.Message,
	}
}

func toProfileResponse(p core.Profile) profileResponse {
	return profileResponse{ID: p.ID, Username: p.Username, Balance: p.Balance}
}

func toCategoryResponse(c core.CategoryAmount) categoryResponse {
	return categoryResponse{Name: c.Name, Amount: c.Amount}
}

// respondError writes the error response for err. Server-side failures
// are logged; client mistakes only at debug.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code, _ := statusFor(err)
	logger := log.FromContext(r.Context())
	if code >= http.StatusInternalServerError {
		log.NewStructuredLogger(logger).LogError(r.Context(), "Request failed", err, log.ComponentHTTP, op, nil)
	} else {
		logger.DebugContext(r.Context(), "Request rejected",
			log.FieldOperation, op,
			log.FieldStatusCode, code,
			log.FieldError, err)
	}
	ServiceError(err).Write(w)
}

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Body(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
	}).Write(w)
}

// handleReady performs readiness check with dependency verification
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	httpStatus := http.StatusOK
	checks := map[string]any{
		"rate_limiter": map[string]any{
			"active_clients": s.rateLimiter.ActiveClients(),
			"status":         "ok",
		},
	}

	switch {
	case s.ready == nil:
		checks["store"] = "ok"
	default:
		if err := s.ready(ctx); err != nil {
			s.logger.WarnContext(ctx, "Readiness check failed", log.FieldError, err)
			checks["store"] = "failed"
			status = "not_ready"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["store"] = "ok"
		}
	}

	NewJSONResponse().Status(httpStatus).Body(map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	}).Write(w)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request, user string) {
	p, err := s.ledger.Profile(r.Context(), user)
	if err != nil {
		s.respondError(w, r, log.OpLookup, err)
		return
	}
	NewJSONResponse().Body(toProfileResponse(p)).Write(w)
}

func (s *Server) handleOpenProfile(w http.ResponseWriter, r *http.Request, user string) {
	p, created, err := s.ledger.OpenProfile(r.Context(), user)
	if err != nil {
		s.respondError(w, r, log.OpOpen, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	NewJSONResponse().Status(status).Body(toProfileResponse(p)).Write(w)
}

// handleListTransactions returns the caller's transactions newest first.
// An optional limit caps the number returned.
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request, user string) {
	limit := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondError(w, r, log.OpReport, fmt.Errorf("%w: limit must be a positive integer", errMalformed))
			return
		}
		limit = n
	}

	p, err := s.ledger.Profile(r.Context(), user)
	if err != nil {
		s.respondError(w, r, log.OpReport, err)
		return
	}
	ts, err := s.reports.RecentTransactions(r.Context(), p)
	if err != nil {
		s.respondError(w, r, log.OpReport, err)
		return
	}
	if limit > 0 && len(ts) > limit {
		ts = ts[:limit]
	}

	out := make([]transactionResponse, 0, len(ts))
	for _, t := range ts {
		out = append(out, toTransactionResponse(t))
	}
	NewJSONResponse().Body(map[string]any{"transactions": out}).Write(w)
}

func (s *Server) handleAddTransaction(w http.ResponseWriter, r *http.Request, user string) {
	var req addTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, log.OpAdd, err)
		return
	}
	t, err := req.Transaction()
	if err != nil {
		s.respondError(w, r, log.OpAdd, err)
		return
	}

	saved, p, err := s.ledger.Add(r.Context(), core.Profile{Username: user}, t)
	if err != nil {
		s.respondError(w, r, log.OpAdd, err)
		return
	}
	s.invalidateSummaries(user)

	tr := toTransactionResponse(saved)
	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", "/transactions/"+strconv.FormatInt(saved.ID, 10)).
		Body(mutationResponse{Transaction: &tr, Profile: toProfileResponse(p)}).
		Write(w)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request, user string) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, r, log.OpLookup, err)
		return
	}
	p, err := s.ledger.Profile(r.Context(), user)
	if err != nil {
		s.respondError(w, r, log.OpLookup, err)
		return
	}
	t, err := s.ledger.LookupOwned(r.Context(), id, p)
	if err != nil {
		s.respondError(w, r, log.OpLookup, err)
		return
	}
	NewJSONResponse().Body(toTransactionResponse(t)).Write(w)
}

func (s *Server) handleAmendTransaction(w http.ResponseWriter, r *http.Request, user string) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, r, log.OpAmend, err)
		return
	}
	var req amendTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, log.OpAmend, err)
		return
	}

	saved, p, err := s.ledger.Amend(r.Context(), services.AmendRequest{
		Owner:         user,
		TransactionID: id,
		Message:       sanitizeInput(req.Message),
		Category:      sanitizeInput(req.Category),
		Amount:        req.Amount,
		Date:          req.Date,
	})
	if err != nil {
		s.respondError(w, r, log.OpAmend, err)
		return
	}
	s.invalidateSummaries(user)

	tr := toTransactionResponse(saved)
	NewJSONResponse().Body(mutationResponse{Transaction: &tr, Profile: toProfileResponse(p)}).Write(w)
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request, user string) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, r, log.OpDelete, err)
		return
	}
	p, err := s.ledger.Delete(r.Context(), id, user)
	if err != nil {
		s.respondError(w, r, log.OpDelete, err)
		return
	}
	s.invalidateSummaries(user)
	NewJSONResponse().Body(mutationResponse{Profile: toProfileResponse(p)}).Write(w)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, user string) {
	window, err := ParseDateWindow(r.URL.Query(), s.now(), true)
	if err != nil {
		s.respondError(w, r, log.OpReport, err)
		return
	}
	key := summaryKey(user, window)
	if s.summaries != nil {
		if cached, ok := s.summaries.Get(key); ok {
			NewJSONResponse().Header("X-Cache", "HIT").Body(cached).Write(w)
			return
		}
	}
	gen := s.summaryGeneration(user)

	p, err := s.ledger.Profile(r.Context(), user)
	if err != nil {
		s.respondError(w, r, log.OpReport, err)
		return
	}
	sum, err := s.reports.Summary(r.Context(), p, window.From, window.To)
	if err != nil {
		s.respondError(w, r, log.OpReport, err)
		return
	}

	resp := summaryResponse{
		From:       sum.From.String(),
		To:         sum.To.String(),
		Income:     sum.Income,
		Expense:    sum.Expense,
		Net:        sum.Net,
		TopIncome:  toCategoryResponse(sum.TopIncome),
		TopExpense: toCategoryResponse(sum.TopExpense),
		Balance:    sum.Balance,
	}
	s.cacheSummary(user, key, gen, resp)
	NewJSONResponse().Header("X-Cache", "MISS").Body(resp).Write(w)
}

func (s *Server) handleMaxCategory(w http.ResponseWriter, r *http.Request, user string) {
	income, err := parseDirection(r.URL.Query())
	if err != nil {
		s.respondError(w, r, log.OpReport, err)
		return
	}
	window, err := ParseDateWindow(r.URL.Query(), s.now(), false)
	if err != nil {
		s.respondError(w, r, log.OpReport, err)
		return
	}
	p, err := s.ledger.Profile(r.Context(), user)
	if err != nil {
		s.respondError(w, r, log.OpReport, err)
		return
	}
	best, err := s.reports.MaxCategoryBetween(r.Context(), p, income, window.From, window.To)
	if err != nil {
		s.respondError(w, r, log.OpReport, err)
		return
	}
	NewJSONResponse().Body(toCategoryResponse(best)).Write(w)
}
