// Package httpapi exposes the gateway over HTTP: message reads and sends
// for registered inboxes, inbox mapping management, and a health endpoint.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/tidemail/bridge/consts"
	"github.com/tidemail/bridge/pool"
	"github.com/tidemail/bridge/registry"
	"github.com/tidemail/bridge/server/imapgw"
	"github.com/tidemail/bridge/server/smtpgw"
	"github.com/tidemail/bridge/sessionstore"
	"github.com/tidemail/bridge/transform"
)

// Server is the HTTP API server.
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string

	registry registry.Registry
	store    sessionstore.Store
	imap     *imapgw.Handler
	smtp     *smtpgw.Handler
	imapPool *pool.Pool
	smtpPool *pool.Pool

	server *http.Server
}

// ServerOptions holds configuration options for the HTTP API server.
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string

	Registry registry.Registry
	Store    sessionstore.Store
	IMAP     *imapgw.Handler
	SMTP     *smtpgw.Handler
	IMAPPool *pool.Pool
	SMTPPool *pool.Pool
}

// New creates a new HTTP API server.
func New(options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
		}
	}
	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
		registry:     options.Registry,
		store:        options.Store,
		imap:         options.IMAP,
		smtp:         options.SMTP,
		imapPool:     options.IMAPPool,
		smtpPool:     options.SMTPPool,
	}, nil
}

// Start runs the server until ctx is cancelled, reporting fatal errors on
// errChan.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	log.Printf("Starting %s API server on %s", protocol, options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Println("Shutting down HTTP API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down HTTP API server: %v", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// setupRoutes configures all HTTP routes and middleware. Health stays
// outside the authenticated subrouter so probes work without the API key.
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/inboxes", s.handleCreateInbox).Methods("POST")
	v1.HandleFunc("/inboxes/{inbox_id}", s.handleGetInbox).Methods("GET")
	v1.HandleFunc("/inboxes/{inbox_id}", s.handleDeleteInbox).Methods("DELETE")
	v1.HandleFunc("/inboxes/{inbox_id}/messages", s.handleListMessages).Methods("GET")
	v1.HandleFunc("/inboxes/{inbox_id}/messages", s.handleSendMessage).Methods("POST")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Printf("HTTP API: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
		log.Printf("HTTP API: %s %s completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("HTTP API: Error encoding JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeMappedError translates gateway errors to HTTP statuses without
// leaking upstream details.
func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consts.ErrInboxNotFound):
		s.writeError(w, http.StatusNotFound, "Inbox not found")
	case errors.Is(err, consts.ErrStoreUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "Session store unavailable")
	case errors.Is(err, consts.ErrConnectFailed), errors.Is(err, consts.ErrSessionFailed):
		s.writeError(w, http.StatusBadGateway, "Upstream mail server error")
	case errors.Is(err, consts.ErrMalformedMessage):
		s.writeError(w, http.StatusBadRequest, "Invalid message")
	default:
		log.Printf("HTTP API: internal error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// Request/Response types

// recipientList accepts either a JSON string or an array of strings, so
// single-recipient clients can send `"to": "a@example.com"`.
type recipientList []string

func (r *recipientList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*r = recipientList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*r = recipientList(many)
	return nil
}

type SendMessageRequest struct {
	To       recipientList `json:"to"`
	Subject  string        `json:"subject"`
	Body     string        `json:"body"`
	HTMLBody string        `json:"html_body"`
}

type SendMessageResponse struct {
	Status    string         `json:"status"`
	MessageID string         `json:"message_id"`
	Timing    *smtpgw.Timing `json:"timing,omitempty"`
}

type ListMessagesResponse struct {
	Data   []*transform.Record `json:"data"`
	Count  int                 `json:"count"`
	Source string              `json:"source"`
	Timing *imapgw.Timing      `json:"timing,omitempty"`
}

type CreateInboxRequest struct {
	InboxID  string `json:"inbox_id"`
	Email    string `json:"email"`
	IMAPHost string `json:"imap_host"`
	IMAPPort int    `json:"imap_port"`
	SMTPHost string `json:"smtp_host"`
	SMTPPort int    `json:"smtp_port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type HealthResponse struct {
	Status         string         `json:"status"`
	StoreConnected bool           `json:"store_connected"`
	IMAPPool       pool.PoolStats `json:"imap_pool"`
	SMTPPool       pool.PoolStats `json:"smtp_pool"`
}

// Handlers

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	inboxID := mux.Vars(r)["inbox_id"]
	folder := r.URL.Query().Get("folder")

	limit := consts.DefaultFetchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, timing, err := s.imap.FetchMessages(r.Context(), inboxID, folder, limit)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	resp := ListMessagesResponse{Data: records, Count: len(records), Source: "legacy"}
	if r.URL.Query().Get("timing") == "true" {
		resp.Timing = timing
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	inboxID := mux.Vars(r)["inbox_id"]

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.To) == 0 {
		s.writeError(w, http.StatusBadRequest, "At least one recipient is required")
		return
	}

	messageID, timing, err := s.smtp.Send(r.Context(), inboxID, req.To, req.Subject, req.Body, req.HTMLBody)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	resp := SendMessageResponse{Status: "sent", MessageID: messageID}
	if r.URL.Query().Get("timing") == "true" {
		resp.Timing = timing
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateInbox(w http.ResponseWriter, r *http.Request) {
	var req CreateInboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	if req.IMAPHost == "" || req.SMTPHost == "" {
		s.writeError(w, http.StatusBadRequest, "imap_host and smtp_host are required")
		return
	}
	if req.IMAPPort == 0 {
		req.IMAPPort = 993
	}
	if req.SMTPPort == 0 {
		req.SMTPPort = 587
	}
	if req.InboxID == "" {
		req.InboxID = uuid.NewString()
	}
	if req.Username == "" {
		req.Username = req.Email
	}

	mapping := &registry.Mapping{
		InboxID:   req.InboxID,
		Email:     req.Email,
		IMAPHost:  req.IMAPHost,
		IMAPPort:  req.IMAPPort,
		SMTPHost:  req.SMTPHost,
		SMTPPort:  req.SMTPPort,
		Username:  req.Username,
		Password:  req.Password,
		CreatedAt: time.Now().UTC(),
		Status:    "active",
	}
	if err := s.registry.Create(r.Context(), mapping); err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, mapping)
}

func (s *Server) handleGetInbox(w http.ResponseWriter, r *http.Request) {
	mapping, err := s.registry.Get(r.Context(), mux.Vars(r)["inbox_id"])
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, mapping)
}

func (s *Server) handleDeleteInbox(w http.ResponseWriter, r *http.Request) {
	inboxID := mux.Vars(r)["inbox_id"]

	mapping, err := s.registry.Get(r.Context(), inboxID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if err := s.registry.Delete(r.Context(), inboxID); err != nil {
		s.writeMappedError(w, err)
		return
	}

	// Tear down any warm sessions for the removed account.
	if s.imapPool != nil {
		if err := s.imapPool.Remove(r.Context(), mapping.Email); err != nil {
			log.Printf("HTTP API: failed to remove IMAP session for deleted inbox %s: %v", inboxID, err)
		}
	}
	if s.smtpPool != nil {
		if err := s.smtpPool.Remove(r.Context(), mapping.Email); err != nil {
			log.Printf("HTTP API: failed to remove SMTP session for deleted inbox %s: %v", inboxID, err)
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "inbox_id": inboxID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", StoreConnected: true}
	if s.imap != nil {
		resp.IMAPPool = s.imap.Stats()
	}
	if s.smtp != nil {
		resp.SMTPPool = s.smtp.Stats()
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.StoreConnected = false
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
