package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"your.org/secretaria-backend/internal/calendar"
	ilog "your.org/secretaria-backend/internal/log"
)

func (s *Server) handleCalendarAuthURL(w http.ResponseWriter, r *http.Request) {
	if !s.calendar.Configured() {
		writeFail(w, http.StatusInternalServerError, "google calendar integration not configured")
		return
	}
	user, _ := userFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"authUrl": s.calendar.AuthURL(user.ID),
	})
}

type authCallbackRequest struct {
	Code string `json:"code"`
	// State carries the user id that initiated the consent flow.
	State string `json:"state"`
}

func (s *Server) handleCalendarAuthCallback(w http.ResponseWriter, r *http.Request) {
	var req authCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Code == "" || req.State == "" {
		writeFail(w, http.StatusBadRequest, "code and state are required")
		return
	}
	if err := s.calendar.HandleAuthCode(r.Context(), req.Code, req.State); err != nil {
		ilog.WithUser(req.State).Error("auth callback: %v", err)
		writeFail(w, http.StatusInternalServerError, "failed to complete google authorization")
		return
	}
	writeSuccess(w, "Google Calendar connected successfully")
}

func (s *Server) handleCalendarStatus(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	status, rec, err := s.calendar.Status(r.Context(), user.ID)
	if err != nil {
		ilog.WithUser(user.ID).Error("calendar status: %v", err)
		writeFail(w, http.StatusInternalServerError, "failed to check integration status")
		return
	}
	resp := map[string]any{"success": true, "status": status}
	if rec != nil {
		resp["connected_at"] = rec.CreatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCalendarDisconnect(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	if err := s.calendar.Disconnect(r.Context(), user.ID); err != nil {
		if errors.Is(err, calendar.ErrNotConnected) {
			writeNotConnected(w, "Google Calendar is not connected")
			return
		}
		ilog.WithUser(user.ID).Error("calendar disconnect: %v", err)
		writeFail(w, http.StatusInternalServerError, "failed to disconnect")
		return
	}
	writeSuccess(w, "Google Calendar disconnected successfully")
}

func (s *Server) handleCalendarListEvents(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	q := r.URL.Query()
	opts := calendar.ListOptions{
		TimeMin: q.Get("timeMin"),
		TimeMax: q.Get("timeMax"),
	}
	if raw := q.Get("maxResults"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeFail(w, http.StatusBadRequest, "maxResults must be a positive integer")
			return
		}
		opts.MaxResults = n
	}
	events, err := s.calendar.ListEvents(r.Context(), user.ID, opts)
	if err != nil {
		s.writeCalendarError(w, user.ID, "list events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "events": events})
}

func (s *Server) handleCalendarCreateEvent(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	var ev calendar.Event
	if err := decodeJSON(r, &ev); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ev.Summary == "" || ev.Start == nil || ev.End == nil {
		writeFail(w, http.StatusBadRequest, "summary, start and end are required")
		return
	}
	created, err := s.calendar.CreateEvent(r.Context(), user.ID, &ev)
	if err != nil {
		s.writeCalendarError(w, user.ID, "create event", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "event": created})
}

func (s *Server) handleCalendarGetEvent(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	ev, err := s.calendar.GetEvent(r.Context(), user.ID, mux.Vars(r)["eventId"])
	if err != nil {
		s.writeCalendarError(w, user.ID, "get event", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "event": ev})
}

func (s *Server) handleCalendarUpdateEvent(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	var ev calendar.Event
	if err := decodeJSON(r, &ev); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	updated, err := s.calendar.UpdateEvent(r.Context(), user.ID, mux.Vars(r)["eventId"], &ev)
	if err != nil {
		s.writeCalendarError(w, user.ID, "update event", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "event": updated})
}

func (s *Server) handleCalendarDeleteEvent(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	if err := s.calendar.DeleteEvent(r.Context(), user.ID, mux.Vars(r)["eventId"]); err != nil {
		s.writeCalendarError(w, user.ID, "delete event", err)
		return
	}
	writeSuccess(w, "event deleted successfully")
}

func (s *Server) writeCalendarError(w http.ResponseWriter, userID, op string, err error) {
	if errors.Is(err, calendar.ErrNotConnected) {
		writeNotConnected(w, "Google Calendar is not connected")
		return
	}
	ilog.WithUser(userID).Error("calendar %s: %v", op, err)
	writeFail(w, http.StatusInternalServerError, "failed to "+op)
}
