package httpapi

import (
	"context"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"your.org/secretaria-backend/internal/auth"
	"your.org/secretaria-backend/internal/calendar"
	"your.org/secretaria-backend/internal/config"
	"your.org/secretaria-backend/internal/store"
	"your.org/secretaria-backend/internal/webhook"
	"your.org/secretaria-backend/internal/whatsapp"
)

// Server encapsulates the HTTP API surface exposed by the backend.  It
// holds references to the configuration, the external-service clients
// and the lifecycle manager.  When Start is called the server begins
// listening on cfg.HTTPAddr.  Shutdown gracefully stops the listener.
type Server struct {
	cfg        *config.Config
	auth       *auth.Client
	store      store.Store
	manager    *whatsapp.Manager
	calendar   *calendar.Client
	publisher  *webhook.Publisher
	dispatcher *webhook.Dispatcher
	httpSrv    *http.Server
	ready      bool
}

// NewServer constructs a new HTTP server.  It wires up all routes
// using Gorilla mux.  The server will report itself as ready once
// Start has been invoked.
func NewServer(cfg *config.Config, authClient *auth.Client, st store.Store,
	manager *whatsapp.Manager, cal *calendar.Client,
	pub *webhook.Publisher, disp *webhook.Dispatcher) *Server {
	s := &Server{
		cfg:        cfg,
		auth:       authClient,
		store:      st,
		manager:    manager,
		calendar:   cal,
		publisher:  pub,
		dispatcher: disp,
	}
	router := mux.NewRouter()

	// Authentication
	router.HandleFunc("/api/auth/register", s.handleRegister).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/logout", s.requireAuth(s.handleLogout)).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/verify", s.requireAuth(s.handleVerify)).Methods(http.MethodGet)
	router.HandleFunc("/api/auth/profile", s.requireAuth(s.handleUpdateProfile)).Methods(http.MethodPut)

	// WhatsApp session lifecycle
	router.HandleFunc("/api/whatsapp/connect", s.requireAuth(s.handleWhatsAppConnect)).Methods(http.MethodPost)
	router.HandleFunc("/api/whatsapp/qrcode", s.requireAuth(s.handleWhatsAppQRCode)).Methods(http.MethodGet)
	router.HandleFunc("/api/whatsapp/status", s.requireAuth(s.handleWhatsAppStatus)).Methods(http.MethodGet)
	router.HandleFunc("/api/whatsapp/send", s.requireAuth(s.handleWhatsAppSend)).Methods(http.MethodPost)
	router.HandleFunc("/api/whatsapp/disconnect", s.requireAuth(s.handleWhatsAppDisconnect)).Methods(http.MethodPost)

	// Google Calendar
	router.HandleFunc("/api/google/auth-url", s.requireAuth(s.handleCalendarAuthURL)).Methods(http.MethodGet)
	router.HandleFunc("/api/google/auth-callback", s.handleCalendarAuthCallback).Methods(http.MethodPost)
	router.HandleFunc("/api/google/status", s.requireAuth(s.handleCalendarStatus)).Methods(http.MethodGet)
	router.HandleFunc("/api/google/disconnect", s.requireAuth(s.handleCalendarDisconnect)).Methods(http.MethodPost)
	router.HandleFunc("/api/google/events", s.requireAuth(s.handleCalendarListEvents)).Methods(http.MethodGet)
	router.HandleFunc("/api/google/events", s.requireAuth(s.handleCalendarCreateEvent)).Methods(http.MethodPost)
	router.HandleFunc("/api/google/events/{eventId}", s.requireAuth(s.handleCalendarGetEvent)).Methods(http.MethodGet)
	router.HandleFunc("/api/google/events/{eventId}", s.requireAuth(s.handleCalendarUpdateEvent)).Methods(http.MethodPut)
	router.HandleFunc("/api/google/events/{eventId}", s.requireAuth(s.handleCalendarDeleteEvent)).Methods(http.MethodDelete)

	// Inbound webhooks
	router.HandleFunc("/api/webhooks/whatsapp", s.requireWebhookSecret(s.handleWebhookEvent("whatsapp"))).Methods(http.MethodPost)
	router.HandleFunc("/api/webhooks/google-calendar", s.requireWebhookSecret(s.handleWebhookEvent("google_calendar"))).Methods(http.MethodPost)
	router.HandleFunc("/api/webhooks/n8n", s.requireWebhookSecret(s.handleWebhookAction)).Methods(http.MethodPost)

	// Health and readiness probes
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFail(w, http.StatusNotFound, "route not found")
	})

	s.httpSrv = &http.Server{Addr: cfg.HTTPAddr, Handler: recoverPanics(logRequests(router))}
	return s
}

// Handler exposes the composed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving HTTP requests.  It sets the readiness flag
// which causes the readyz endpoint to return HTTP 200.  If the
// underlying http.Server exits with an error other than
// http.ErrServerClosed it will be returned to the caller.
func (s *Server) Start() error {
	s.ready = true
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.  After shutdown the
// readyz endpoint will return HTTP 503.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready = false
	return s.httpSrv.Shutdown(ctx)
}

// handleHealth always returns HTTP 200 OK.  It can be used by
// Kubernetes or other orchestrators to determine if the process is
// alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleReady returns HTTP 200 once the service has started,
// otherwise 503 Service Unavailable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ready")
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}
