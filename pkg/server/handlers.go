package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"gatewise/turnstile/pkg/admission/quota"
	"gatewise/turnstile/pkg/admission/ratelimit"
	"gatewise/turnstile/pkg/config"
)

const maxRequestBody = 1 << 20 // 1 MiB

type admitRequest struct {
	Identifier      string `json:"identifier"`
	ProjectedTokens int64  `json:"projected_tokens"`
}

type recordUsageRequest struct {
	Identifier string  `json:"identifier"`
	Tokens     int64   `json:"tokens"`
	CostUSD    float64 `json:"cost_usd"`
	Requests   int64   `json:"requests"`
}

type resetRequest struct {
	Identifier string `json:"identifier"`
	Target     string `json:"target"` // "quota" or "rate_limit"
	Period     string `json:"period"` // "daily" or "monthly", quota only
}

type rateLimitView struct {
	Limit             int64     `json:"limit"`
	Remaining         int64     `json:"remaining"`
	ResetAt           time.Time `json:"reset_at"`
	RetryAfterSeconds int64     `json:"retry_after_seconds,omitempty"`
}

type periodView struct {
	PeriodKey       string    `json:"period_key"`
	UsedTokens      int64     `json:"used_tokens"`
	LimitTokens     int64     `json:"limit_tokens"`
	RemainingTokens int64     `json:"remaining_tokens"`
	CostUSD         float64   `json:"cost_usd"`
	Requests        int64     `json:"requests"`
	ResetAt         time.Time `json:"reset_at"`
}

type admitResponse struct {
	Allowed   bool           `json:"allowed"`
	Reason    string         `json:"reason,omitempty"`
	Degraded  bool           `json:"degraded,omitempty"`
	RateLimit *rateLimitView `json:"rate_limit,omitempty"`
	Daily     *periodView    `json:"daily,omitempty"`
	Monthly   *periodView    `json:"monthly,omitempty"`
}

type stateResponse struct {
	State   string      `json:"state"`
	Daily   *periodView `json:"daily,omitempty"`
	Monthly *periodView `json:"monthly,omitempty"`
}

type usagePeriodView struct {
	PeriodType string    `json:"period_type"`
	PeriodKey  string    `json:"period_key"`
	Tokens     int64     `json:"tokens"`
	CostUSD    float64   `json:"cost_usd"`
	Requests   int64     `json:"requests"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	gate, ok := s.gateFor(w, r)
	if !ok {
		return
	}

	var req admitRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Identifier == "" {
		writeError(w, http.StatusBadRequest, "identifier is required")
		return
	}
	if req.ProjectedTokens < 0 {
		writeError(w, http.StatusBadRequest, "projected_tokens cannot be negative")
		return
	}

	d := gate.Admit(r.Context(), req.Identifier, req.ProjectedTokens)

	resp := admitResponse{
		Allowed:   d.Allowed,
		Reason:    d.Reason,
		Degraded:  d.Degraded,
		RateLimit: rateLimitViewOf(d.RateLimit),
	}
	if d.Quota != nil {
		resp.Daily = periodViewOf(d.Quota.Daily)
		resp.Monthly = periodViewOf(d.Quota.Monthly)
	}

	if !d.Allowed && d.RateLimit != nil && d.RateLimit.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(d.RateLimit.RetryAfter.Seconds()), 10))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	gate, ok := s.gateFor(w, r)
	if !ok {
		return
	}

	var req recordUsageRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Identifier == "" {
		writeError(w, http.StatusBadRequest, "identifier is required")
		return
	}
	if req.Tokens < 0 || req.Requests < 0 || req.CostUSD < 0 {
		writeError(w, http.StatusBadRequest, "usage amounts cannot be negative")
		return
	}

	used := quota.Usage{
		Tokens:     req.Tokens,
		CostMicros: config.USDToMicros(req.CostUSD),
		Requests:   req.Requests,
	}
	if used.Requests == 0 {
		used.Requests = 1
	}

	if err := gate.Commit(r.Context(), req.Identifier, used); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("usage commit failed: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.gateFor(w, r); !ok {
		return
	}
	if s.db == nil {
		writeError(w, http.StatusNotFound, "durable usage store is disabled")
		return
	}

	periods, err := s.db.ListPeriods(r.Context(), r.PathValue("scope"), r.PathValue("identifier"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("usage lookup failed: %v", err))
		return
	}

	views := make([]usagePeriodView, 0, len(periods))
	for _, p := range periods {
		views = append(views, usagePeriodView{
			PeriodType: p.PeriodType,
			PeriodKey:  p.PeriodKey,
			Tokens:     p.Tokens,
			CostUSD:    config.MicrosToUSD(p.CostMicros),
			Requests:   p.Requests,
			UpdatedAt:  p.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	gate, ok := s.gateFor(w, r)
	if !ok {
		return
	}

	var req resetRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Identifier == "" {
		writeError(w, http.StatusBadRequest, "identifier is required")
		return
	}

	var err error
	switch req.Target {
	case "rate_limit":
		err = gate.ResetRateLimit(r.Context(), req.Identifier)
	case "quota", "":
		period := quota.Period(req.Period)
		if req.Period == "" {
			period = quota.PeriodDaily
		}
		if !period.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown period %q", req.Period))
			return
		}
		err = gate.ResetQuota(r.Context(), req.Identifier, period)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown reset target %q", req.Target))
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("reset failed: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	gate, ok := s.gateFor(w, r)
	if !ok {
		return
	}

	state, snap, err := gate.State(r.Context(), r.PathValue("identifier"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, stateResponse{
		State:   string(state),
		Daily:   periodViewOf(snap.Daily),
		Monthly: periodViewOf(snap.Monthly),
	})
}

func rateLimitViewOf(res *ratelimit.Result) *rateLimitView {
	if res == nil {
		return nil
	}
	return &rateLimitView{
		Limit:             res.Limit,
		Remaining:         res.Remaining,
		ResetAt:           res.ResetAt,
		RetryAfterSeconds: int64(res.RetryAfter.Seconds()),
	}
}

func periodViewOf(status *quota.PeriodStatus) *periodView {
	if status == nil {
		return nil
	}
	return &periodView{
		PeriodKey:       status.PeriodKey,
		UsedTokens:      status.UsedTokens,
		LimitTokens:     status.LimitTokens,
		RemainingTokens: status.RemainingTokens,
		CostUSD:         config.MicrosToUSD(status.CostMicros),
		Requests:        status.Requests,
		ResetAt:         status.ResetAt,
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
