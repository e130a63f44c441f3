package api

import (
	"net/http"
	"strconv"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/models"
	"github.com/foxzi/cadence/internal/ratelimit"
	"github.com/foxzi/cadence/internal/sandbox"
)

// SandboxListResponse is the response for GET /api/v1/sandbox/messages
type SandboxListResponse struct {
	Messages []sandbox.Message `json:"messages"`
	Total    int               `json:"total"`
}

// handleSandboxMessages handles GET /api/v1/sandbox/messages
func (s *Server) handleSandboxMessages(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sandbox == nil {
		s.sendError(w, http.StatusServiceUnavailable, "sandbox mode is not enabled")
		return
	}

	q := r.URL.Query()
	filter := sandbox.ListFilter{
		OwnerID:    ownerID(r),
		SequenceID: q.Get("sequenceId"),
		Channel:    q.Get("channel"),
		Limit:      100,
	}

	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = l
			if filter.Limit > 1000 {
				filter.Limit = 1000
			}
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	messages, err := s.opts.Sandbox.List(r.Context(), filter)
	if err != nil {
		s.sendErr(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, SandboxListResponse{Messages: messages, Total: len(messages)})
}

// handleSandboxStats handles GET /api/v1/sandbox/stats
func (s *Server) handleSandboxStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sandbox == nil {
		s.sendError(w, http.StatusServiceUnavailable, "sandbox mode is not enabled")
		return
	}

	stats, err := s.opts.Sandbox.Stats(r.Context(), ownerID(r))
	if err != nil {
		s.sendErr(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// RateLimitsResponse is the response for GET /api/v1/ratelimits
type RateLimitsResponse struct {
	Enabled  bool               `json:"enabled"`
	Channels []*ratelimit.Stats `json:"channels,omitempty"`
}

// handleRateLimits handles GET /api/v1/ratelimits[?channel=]
func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	if s.opts.Limits == nil {
		s.sendJSON(w, http.StatusOK, RateLimitsResponse{Enabled: false})
		return
	}

	channels := []string{models.StepEmail, models.StepSMS, models.StepCall}
	if ch := r.URL.Query().Get("channel"); ch != "" {
		switch ch {
		case models.StepEmail, models.StepSMS, models.StepCall:
			channels = []string{ch}
		default:
			s.sendErr(w, apperr.Invalid("channel", "must be email, sms, or call"))
			return
		}
	}

	resp := RateLimitsResponse{Enabled: true}
	for _, ch := range channels {
		stats, err := s.opts.Limits.GetStats(r.Context(), ownerID(r), ch)
		if err != nil {
			s.sendErr(w, err)
			return
		}
		resp.Channels = append(resp.Channels, stats)
	}
	s.sendJSON(w, http.StatusOK, resp)
}
