package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.io/infrasutra/marketchat/internal/auth"
	"github.io/infrasutra/marketchat/internal/config"
	"github.io/infrasutra/marketchat/internal/conversation"
	"github.io/infrasutra/marketchat/internal/identity"
	"github.io/infrasutra/marketchat/internal/messaging"
	"github.io/infrasutra/marketchat/internal/metrics"
	"github.io/infrasutra/marketchat/internal/pagination"
	"github.io/infrasutra/marketchat/internal/store"
	"github.io/infrasutra/marketchat/internal/view"
)

type Server struct {
	cfg     config.Config
	service *messaging.Service
	store   *store.Store
	auth    *auth.Manager
	limiter *sendLimiter
	metrics *metrics.Metrics
	logger  *zap.Logger
	mux     *http.ServeMux
	now     func() time.Time
}

func NewServer(cfg config.Config, service *messaging.Service, st *store.Store, authManager *auth.Manager, m *metrics.Metrics, logger *zap.Logger) *Server {
	server := &Server{
		cfg:     cfg,
		service: service,
		store:   st,
		auth:    authManager,
		limiter: newSendLimiter(cfg.SendRatePerMin),
		metrics: m,
		logger:  logger.Named("api"),
		now:     time.Now,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", server.handleLogin)
	mux.HandleFunc("/api/logout", server.handleLogout)
	mux.HandleFunc("/api/me", server.handleMe)
	mux.HandleFunc("/api/messages", server.handleSend)
	mux.HandleFunc("/api/conversations", server.handleConversations)
	mux.HandleFunc("/api/conversations/", server.handleConversation)
	mux.HandleFunc("/api/seed", server.handleSeed)
	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/ready", server.handleReady)
	mux.Handle("/metrics", m.Handler())
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.metrics.HTTPRequestsTotal.WithLabelValues(routeLabel(r.URL.Path), strconv.Itoa(rec.status)).Inc()
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Email string `json:"email"`
		Name  string `json:"name"`
		Phone string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	email, err := identity.NormalizeEmail(payload.Email)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	now := s.now()
	user := identity.User{Email: email, Name: strings.TrimSpace(payload.Name), Phone: strings.TrimSpace(payload.Phone)}
	if err := s.store.UpsertUser(r.Context(), user, now); err != nil {
		s.writeError(w, r, err)
		return
	}
	stored, err := s.store.GetUser(r.Context(), email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	user.Name = identity.DisplayName(stored.Name, email)
	user.Phone = stored.Phone

	token, err := s.auth.Issue(user, now)
	if err != nil {
		http.Error(w, "unable to create session", http.StatusInternalServerError)
		return
	}
	s.setSessionCookie(w, token, now)
	s.respondJSON(w, http.StatusOK, userResponse(user))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := s.identity(r).CurrentUser()
	if !ok {
		s.writeError(w, r, &messaging.PreconditionError{Op: "me"})
		return
	}
	s.respondJSON(w, http.StatusOK, userResponse(user))
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := s.identity(r).CurrentUser()
	if !ok {
		s.writeError(w, r, &messaging.PreconditionError{Op: "send message"})
		return
	}

	var payload sendRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if !s.limiter.Allow(user.Email, s.now()) {
		s.metrics.SendsRateLimited.Inc()
		s.logger.Warn("send rate limit exceeded", zap.String("sender", user.Email))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	msg, err := s.service.SendMessage(r.Context(), messaging.SendRequest{
		SenderEmail:   user.Email,
		SenderName:    user.Name,
		ReceiverEmail: payload.To,
		ProductID:     payload.ProductID,
		ProductTitle:  payload.ProductTitle,
		Text:          payload.Text,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, toMessage(msg, user.Email, s.now()))
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := s.identity(r).CurrentUser()
	if !ok {
		s.writeError(w, r, &messaging.PreconditionError{Op: "conversations for"})
		return
	}
	if s.cfg.SeedSampleData {
		if _, err := s.service.SeedSampleData(r.Context(), user.Email); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	convs, err := s.service.ConversationsFor(r.Context(), user.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	params := pagination.GetPaginationParams(r.URL.Query())
	page, hasMore := pagination.Window(convs, params)

	now := s.now()
	response := struct {
		Conversations []conversationResponse `json:"conversations"`
		UnreadTotal   int                    `json:"unreadTotal"`
		Page          int32                  `json:"page"`
		HasMore       bool                   `json:"hasMore"`
	}{
		Conversations: make([]conversationResponse, 0, len(page)),
		UnreadTotal:   conversation.UnreadTotal(convs),
		Page:          params.Page,
		HasMore:       hasMore,
	}
	for _, c := range page {
		response.Conversations = append(response.Conversations, toConversation(c, now))
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := s.identity(r).CurrentUser()
	if !ok {
		s.writeError(w, r, &messaging.PreconditionError{Op: "conversation"})
		return
	}

	// Split the escaped path so an escaped "/" or "%" in the email survives
	// and the segment is decoded exactly once.
	path := strings.TrimPrefix(r.URL.EscapedPath(), "/api/conversations/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	other, err := url.PathUnescape(parts[0])
	if err != nil {
		http.Error(w, "invalid counterpart", http.StatusBadRequest)
		return
	}

	switch parts[1] {
	case "messages":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleThread(w, r, user, other)
	case "read":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleMarkRead(w, r, user, other)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request, user identity.User, other string) {
	query := r.URL.Query()
	var (
		msgs []store.Message
		err  error
	)
	if markRead, _ := strconv.ParseBool(query.Get("markRead")); markRead {
		msgs, err = s.service.OpenThread(r.Context(), user.Email, other)
	} else {
		msgs, err = s.service.MessagesBetween(r.Context(), user.Email, other)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	params := pagination.GetPaginationParams(query, pagination.WithDefaultSort("oldest"), pagination.WithDefaultLimit(pagination.MaxLimit))
	if !params.Ascending() {
		msgs = slices.Clone(msgs)
		slices.Reverse(msgs)
	}
	page, hasMore := pagination.Window(msgs, params)

	now := s.now()
	response := struct {
		Messages []messageResponse `json:"messages"`
		Page     int32             `json:"page"`
		HasMore  bool              `json:"hasMore"`
	}{
		Messages: make([]messageResponse, 0, len(page)),
		Page:     params.Page,
		HasMore:  hasMore,
	}
	for _, msg := range page {
		response.Messages = append(response.Messages, toMessage(msg, user.Email, now))
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, user identity.User, other string) {
	changed, err := s.service.MarkRead(r.Context(), user.Email, other)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int64{"marked": changed})
}

func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, ok := s.identity(r).CurrentUser()
	if !ok {
		s.writeError(w, r, &messaging.PreconditionError{Op: "seed sample data"})
		return
	}
	seeded, err := s.service.SeedSampleData(r.Context(), user.Email)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"seeded": seeded})
}

// identity resolves the session cookie into the request's identity provider.
func (s *Server) identity(r *http.Request) identity.Provider {
	cookie, err := r.Cookie(s.auth.CookieName())
	if err != nil {
		return identity.Static{}
	}
	user, err := s.auth.Parse(cookie.Value, s.now())
	if err != nil {
		s.logger.Debug("reject session", zap.Error(err))
		return identity.Static{}
	}
	return identity.Static{User: user, OK: true}
}

func (s *Server) setSessionCookie(w http.ResponseWriter, value string, now time.Time) {
	maxAge := int(s.auth.MaxAge().Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  now.Add(s.auth.MaxAge()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// writeError maps the engine error classes onto status codes. Storage
// failures are logged and never reported as success.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, messaging.ErrNoIdentity):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, store.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.respondText(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/conversations/"):
		if strings.HasSuffix(path, "/read") {
			return "/api/conversations/:email/read"
		}
		return "/api/conversations/:email/messages"
	case strings.HasPrefix(path, "/api/"), path == "/health", path == "/ready", path == "/metrics":
		return path
	default:
		return "other"
	}
}

type sendRequest struct {
	To           string `json:"to"`
	ProductID    string `json:"productId"`
	ProductTitle string `json:"productTitle"`
	Text         string `json:"text"`
}

type userPayload struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type conversationResponse struct {
	OtherUserEmail  string               `json:"otherUserEmail"`
	OtherUserName   string               `json:"otherUserName"`
	ProductID       string               `json:"productId,omitempty"`
	ProductTitle    string               `json:"productTitle,omitempty"`
	LastMessage     string               `json:"lastMessage"`
	LastMessageTime string               `json:"lastMessageTime"`
	UnreadCount     int                  `json:"unreadCount"`
	Display         view.ConversationRow `json:"display"`
}

type messageResponse struct {
	ID           string      `json:"id"`
	Seq          int64       `json:"seq"`
	From         string      `json:"from"`
	FromName     string      `json:"fromName"`
	To           string      `json:"to"`
	ProductID    string      `json:"productId,omitempty"`
	ProductTitle string      `json:"productTitle,omitempty"`
	Text         string      `json:"text"`
	CreatedAt    string      `json:"createdAt"`
	Read         bool        `json:"read"`
	Display      view.Bubble `json:"display"`
}

func userResponse(user identity.User) userPayload {
	return userPayload{Email: user.Email, Name: user.Name, Phone: user.Phone}
}

func toConversation(c conversation.Conversation, now time.Time) conversationResponse {
	return conversationResponse{
		OtherUserEmail:  c.OtherUserEmail,
		OtherUserName:   c.OtherUserName,
		ProductID:       c.ProductID,
		ProductTitle:    c.ProductTitle,
		LastMessage:     c.LastMessage,
		LastMessageTime: c.LastMessageTime.UTC().Format(time.RFC3339Nano),
		UnreadCount:     c.UnreadCount,
		Display:         view.Conversation(c, now),
	}
}

func toMessage(msg store.Message, viewer string, now time.Time) messageResponse {
	return messageResponse{
		ID:           msg.ID,
		Seq:          msg.Seq,
		From:         msg.SenderEmail,
		FromName:     msg.SenderName,
		To:           msg.ReceiverEmail,
		ProductID:    msg.ProductID,
		ProductTitle: msg.ProductTitle,
		Text:         msg.Text,
		CreatedAt:    msg.Timestamp.UTC().Format(time.RFC3339Nano),
		Read:         msg.Read,
		Display:      view.Message(msg, viewer, now),
	}
}
