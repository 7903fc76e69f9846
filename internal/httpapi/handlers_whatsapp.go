package httpapi

import (
	"errors"
	"net/http"
	"strings"

	ilog "your.org/secretaria-backend/internal/log"
	"your.org/secretaria-backend/internal/whatsapp"
)

// handleWhatsAppConnect kicks off the session bootstrap for the
// caller.  It returns as soon as the record exists and the poll task
// is running; the client polls /qrcode and /status afterwards.
func (s *Server) handleWhatsAppConnect(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	if err := s.manager.Connect(r.Context(), user.ID); err != nil {
		ilog.WithUser(user.ID).Error("connect: %v", err)
		writeFail(w, http.StatusInternalServerError, "failed to start WhatsApp connection")
		return
	}
	writeSuccess(w, "Connection started. Awaiting QR code.")
}

func (s *Server) handleWhatsAppQRCode(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	qr, err := s.manager.QRCode(r.Context(), user.ID)
	if err != nil {
		if errors.Is(err, whatsapp.ErrQRNotAvailable) {
			writeFail(w, http.StatusNotFound, "QR code not available")
			return
		}
		ilog.WithUser(user.ID).Error("qrcode: %v", err)
		writeFail(w, http.StatusInternalServerError, "failed to fetch QR code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "qrCode": qr})
}

func (s *Server) handleWhatsAppStatus(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	status, err := s.manager.CheckConnection(r.Context(), user.ID)
	if err != nil {
		ilog.WithUser(user.ID).Error("status: %v", err)
		writeFail(w, http.StatusInternalServerError, "failed to check connection status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": status})
}

type sendMessageRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

func (s *Server) handleWhatsAppSend(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Phone) == "" || strings.TrimSpace(req.Message) == "" {
		writeFail(w, http.StatusBadRequest, "phone and message are required")
		return
	}
	ack, err := s.manager.SendMessage(r.Context(), user.ID, req.Phone, req.Message)
	if err != nil {
		if errors.Is(err, whatsapp.ErrNotConnected) {
			writeNotConnected(w, "WhatsApp is not connected")
			return
		}
		ilog.WithUser(user.ID).Error("send: %v", err)
		writeFail(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": ack})
}

func (s *Server) handleWhatsAppDisconnect(w http.ResponseWriter, r *http.Request) {
	user, _ := userFromContext(r.Context())
	if err := s.manager.Disconnect(r.Context(), user.ID); err != nil {
		if errors.Is(err, whatsapp.ErrNotConnected) {
			writeNotConnected(w, "WhatsApp is not connected")
			return
		}
		ilog.WithUser(user.ID).Error("disconnect: %v", err)
		writeFail(w, http.StatusInternalServerError, "failed to disconnect")
		return
	}
	writeSuccess(w, "WhatsApp disconnected successfully")
}
