package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
	maxBodyBytes     = 4 << 20
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error  string              `json:"error"`
	Fields []apperr.FieldError `json:"fields,omitempty"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.opts.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// LeadInput is one lead of POST /leads
type LeadInput struct {
	Email        string            `json:"email" validate:"required_without=Phone,omitempty,email,max=254"`
	Phone        string            `json:"phone" validate:"required_without=Email,omitempty,e164"`
	FirstName    string            `json:"firstName" validate:"max=100"`
	LastName     string            `json:"lastName" validate:"max=100"`
	Company      string            `json:"company" validate:"max=200"`
	CustomFields map[string]string `json:"customFields"`
}

// CreateLeadsRequest is the request body for POST /leads
type CreateLeadsRequest struct {
	CampaignID string      `json:"campaignId"`
	Leads      []LeadInput `json:"leads" validate:"required,min=1,max=1000,dive"`
}

// LeadListResponse is the response for GET /leads
type LeadListResponse struct {
	Leads []models.Lead `json:"leads"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
	Total int           `json:"total"`
}

// handleCreateLeads handles POST /api/v1/leads
func (s *Server) handleCreateLeads(w http.ResponseWriter, r *http.Request) {
	var req CreateLeadsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := check(&req); err != nil {
		s.sendErr(w, err)
		return
	}

	owner := ownerID(r)
	leads := make([]models.Lead, 0, len(req.Leads))
	for _, in := range req.Leads {
		leads = append(leads, models.Lead{
			OwnerID:      owner,
			CampaignID:   req.CampaignID,
			Email:        strings.ToLower(strings.TrimSpace(in.Email)),
			Phone:        in.Phone,
			FirstName:    in.FirstName,
			LastName:     in.LastName,
			Company:      in.Company,
			CustomFields: in.CustomFields,
		})
	}

	if err := s.opts.Leads.CreateBatch(r.Context(), leads); err != nil {
		s.sendErr(w, err)
		return
	}

	s.logger.Info("leads imported", "user_id", owner, "count", len(leads), "campaign_id", req.CampaignID)
	s.sendJSON(w, http.StatusCreated, map[string]any{"created": len(leads), "leads": leads})
}

// handleListLeads handles GET /api/v1/leads
func (s *Server) handleListLeads(w http.ResponseWriter, r *http.Request) {
	page, limit, err := pagination(r)
	if err != nil {
		s.sendErr(w, err)
		return
	}

	leads, total, err := s.opts.Leads.List(r.Context(), models.LeadFilter{
		OwnerID:    ownerID(r),
		CampaignID: r.URL.Query().Get("campaignId"),
		Limit:      limit,
		Offset:     (page - 1) * limit,
	})
	if err != nil {
		s.sendErr(w, err)
		return
	}
	if leads == nil {
		leads = []models.Lead{}
	}

	s.sendJSON(w, http.StatusOK, LeadListResponse{Leads: leads, Page: page, Limit: limit, Total: total})
}

// pagination parses page and limit query parameters
func pagination(r *http.Request) (page, limit int, err error) {
	page, limit = 1, defaultPageLimit
	verr := &apperr.ValidationError{}

	if v := r.URL.Query().Get("page"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n < 1 {
			verr.Add("page", "must be a positive integer")
		} else {
			page = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n < 1 || n > maxPageLimit {
			verr.Add("limit", "must be between 1 and %d", maxPageLimit)
		} else {
			limit = n
		}
	}

	return page, limit, verr.OrNil()
}

// check runs struct validation and converts the result to a ValidationError
func check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return fmt.Errorf("failed to validate: %w", err)
	}
	verr := &apperr.ValidationError{}
	for _, fe := range ves {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		verr.Add(field, "failed %s validation", fe.Tag())
	}
	return verr
}

// decode reads a JSON body, answering 400 itself on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.sendErr(w, apperr.Invalid("body", "invalid JSON: %v", err))
		return false
	}
	return true
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendError sends an error response with a plain message
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

// sendErr maps err to its status code. Internal errors are logged and
// reported without detail.
func (s *Server) sendErr(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		if status == http.StatusInternalServerError {
			s.sendError(w, status, "internal error")
			return
		}
	}

	resp := ErrorResponse{Error: err.Error()}
	var verr *apperr.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Fields
	}
	s.sendJSON(w, status, resp)
}
