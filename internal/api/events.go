package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/cadence/internal/apperr"
	"github.com/foxzi/cadence/internal/ingest"
	"github.com/foxzi/cadence/internal/models"
)

// Smallest transparent GIF
var pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// WebhookResponse lists what happened to each event of a provider callback
type WebhookResponse struct {
	Results   []*ingest.Result `json:"results"`
	Unmatched int              `json:"unmatched"`
}

// handleEvent handles POST /api/v1/events
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.Event
	if !s.decode(w, r, &ev) {
		return
	}

	result, err := s.opts.Ingestor.Ingest(r.Context(), &ev)
	if err != nil {
		s.sendErr(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

// handleEmailWebhook handles POST /api/v1/webhooks/email
func (s *Server) handleEmailWebhook(w http.ResponseWriter, r *http.Request) {
	var hook ingest.EmailWebhook
	if !s.decode(w, r, &hook) {
		return
	}

	ev, ok, err := hook.Event()
	if err != nil {
		s.sendErr(w, err)
		return
	}
	var events []*models.Event
	if ok {
		events = append(events, ev)
	}
	s.ingestAll(w, r, events)
}

// handleVapiWebhook handles POST /api/v1/webhooks/vapi
func (s *Server) handleVapiWebhook(w http.ResponseWriter, r *http.Request) {
	var hook ingest.VapiWebhook
	if !s.decode(w, r, &hook) {
		return
	}

	events, err := hook.Events()
	if err != nil {
		s.sendErr(w, err)
		return
	}
	s.ingestAll(w, r, events)
}

// ingestAll applies provider events. Events for unknown messages are
// counted, not failed, so the provider does not redeliver them.
func (s *Server) ingestAll(w http.ResponseWriter, r *http.Request, events []*models.Event) {
	resp := WebhookResponse{Results: []*ingest.Result{}}
	for _, ev := range events {
		result, err := s.opts.Ingestor.Ingest(r.Context(), ev)
		if apperr.IsNotFound(err) {
			resp.Unmatched++
			s.logger.Debug("webhook event unmatched", "event_id", ev.ID, "external_id", ev.ExternalID)
			continue
		}
		if err != nil {
			s.sendErr(w, err)
			return
		}
		resp.Results = append(resp.Results, result)
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleTrackOpen handles GET /t/open/{messageId}. The pixel is served even
// when the message is unknown.
func (s *Server) handleTrackOpen(w http.ResponseWriter, r *http.Request) {
	s.track(r.Context(), models.EventOpen, chi.URLParam(r, "messageId"))

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, max-age=0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixel)
}

// handleTrackClick handles GET /t/click/{messageId}?u=<target>
func (s *Server) handleTrackClick(w http.ResponseWriter, r *http.Request) {
	target, err := url.Parse(r.URL.Query().Get("u"))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		s.sendErr(w, apperr.Invalid("u", "must be an absolute http(s) URL"))
		return
	}

	s.track(r.Context(), models.EventClick, chi.URLParam(r, "messageId"))
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// track records an open or click. Repeats share one event id per message
// and are deduplicated by the ingestor.
func (s *Server) track(ctx context.Context, eventType, messageID string) {
	if messageID == "" {
		return
	}
	_, err := s.opts.Ingestor.Ingest(ctx, &models.Event{
		ID:         eventType + ":" + messageID,
		Type:       eventType,
		ExternalID: messageID,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil && !apperr.IsNotFound(err) {
		s.logger.Warn("failed to record tracking event", "type", eventType, "message_id", messageID, "error", err)
	}
}
