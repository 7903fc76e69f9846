package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"your.org/secretaria-backend/internal/calendar"
	ilog "your.org/secretaria-backend/internal/log"
	"your.org/secretaria-backend/internal/store"
	"your.org/secretaria-backend/internal/webhook"
	"your.org/secretaria-backend/internal/whatsapp"
)

type webhookEventRequest struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// handleWebhookEvent persists an inbound callback and republishes it
// for asynchronous processing.  Ingestion never drives the lifecycle
// state machine directly.
func (s *Server) handleWebhookEvent(source string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req webhookEventRequest
		if err := decodeJSON(r, &req); err != nil {
			writeFail(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Event == "" || len(req.Data) == 0 {
			writeFail(w, http.StatusBadRequest, "event and data are required")
			return
		}
		ev := &store.WebhookEvent{
			ID:        uuid.NewString(),
			Type:      source,
			EventName: req.Event,
			Payload:   req.Data,
			Processed: false,
		}
		if err := s.store.InsertWebhookEvent(r.Context(), ev); err != nil {
			ilog.Errorf("persist %s webhook event: %v", source, err)
			writeFail(w, http.StatusInternalServerError, "failed to record event")
			return
		}
		// The store holds the durable copy; a broker hiccup only
		// delays downstream consumers.
		if err := s.publisher.Publish(ev); err != nil {
			ilog.Errorf("publish %s webhook event: %v", source, err)
		}
		writeSuccess(w, "event received")
	}
}

type webhookActionRequest struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// handleWebhookAction executes an automation action synchronously and
// records it as a processed event.
func (s *Server) handleWebhookAction(w http.ResponseWriter, r *http.Request) {
	var req webhookActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Action == "" || len(req.Data) == 0 {
		writeFail(w, http.StatusBadRequest, "action and data are required")
		return
	}
	if err := s.dispatcher.Dispatch(r.Context(), req.Action, req.Data); err != nil {
		switch {
		case errors.Is(err, webhook.ErrUnknownAction):
			writeFail(w, http.StatusBadRequest, "unknown action")
		case errors.Is(err, whatsapp.ErrNotConnected):
			writeNotConnected(w, "WhatsApp is not connected")
		case errors.Is(err, calendar.ErrNotConnected):
			writeNotConnected(w, "Google Calendar is not connected")
		default:
			ilog.Errorf("webhook action %s: %v", req.Action, err)
			writeFail(w, http.StatusInternalServerError, "failed to process action")
		}
		return
	}
	ev := &store.WebhookEvent{
		ID:        uuid.NewString(),
		Type:      "n8n",
		EventName: req.Action,
		Payload:   req.Data,
		Processed: true,
	}
	if err := s.store.InsertWebhookEvent(r.Context(), ev); err != nil {
		ilog.Errorf("persist n8n action event: %v", err)
	}
	writeSuccess(w, "action processed successfully")
}
