package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"loom/api/internal/identity"
	"loom/api/internal/metrics"
	"loom/api/internal/middleware"
	"loom/api/internal/realtime"
	"loom/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	bridge     *realtime.Bridge
	limiter    *middleware.LimiterStore
	corsOrigin string
	log        zerolog.Logger
}

func NewHTTPServer(service *Service, bridge *realtime.Bridge, limiter *middleware.LimiterStore, corsOrigin string, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		bridge:     bridge,
		limiter:    limiter,
		corsOrigin: corsOrigin,
		log:        log,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", http.HandlerFunc(s.handle))
	return s.withMiddleware(mux)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	// Webhook deliveries authenticate by signature, not session.
	if r.Method == http.MethodPost && r.URL.Path == "/api/webhooks/identity" {
		s.handleIdentityWebhook(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if isMutation(r.Method) && !s.limiter.Allow(session.UserID) {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/users/me" {
		user, err := s.service.GetUser(r.Context(), session.UserID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, userJSON(user))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/users" {
		if handle := strings.TrimSpace(r.URL.Query().Get("username")); handle != "" {
			user, err := s.service.SearchByUsername(r.Context(), handle)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, userJSON(user))
			return
		}
		users, err := s.service.ListUsers(r.Context())
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(users))
		for _, user := range users {
			items = append(items, userJSON(user))
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": items})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/realtime/subscribe" {
		channel := strings.TrimSpace(r.URL.Query().Get("channel"))
		if channel == "" {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "channel is required", nil)
			return
		}
		if err := s.service.CanSubscribe(r.Context(), session, channel); err != nil {
			s.respondError(w, r, err)
			return
		}
		if s.bridge == nil {
			writeError(w, http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE", "Realtime delivery not configured", nil)
			return
		}
		s.bridge.ServeChannel(w, r, channel)
		return
	}

	if r.URL.Path == "/api/threads" {
		switch r.Method {
		case http.MethodGet:
			threads, err := s.service.ListThreads(r.Context(), session)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			items := make([]map[string]any, 0, len(threads))
			for _, thread := range threads {
				items = append(items, threadJSON(thread))
			}
			writeJSON(w, http.StatusOK, map[string]any{"threads": items})
			return
		case http.MethodPost:
			var body struct {
				Name           *string  `json:"name"`
				ParticipantIDs []string `json:"participantIds"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			thread, err := s.service.CreateThread(r.Context(), session, body.Name, body.ParticipantIDs)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, threadJSON(thread))
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "users" && r.Method == http.MethodGet {
		user, err := s.service.GetUser(r.Context(), parts[2])
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, userJSON(user))
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "threads" && r.Method == http.MethodGet {
		thread, err := s.service.GetThread(r.Context(), parts[2], session)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, threadJSON(thread))
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "threads" && parts[3] == "participants" && r.Method == http.MethodPost {
		var body struct {
			UserID string `json:"userId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		participant, err := s.service.AddParticipant(r.Context(), parts[2], session, body.UserID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, participantJSON(participant))
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "threads" && parts[3] == "messages" {
		threadID := parts[2]
		switch r.Method {
		case http.MethodGet:
			limit, err := queryInt(r, "limit")
			if err != nil {
				writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			page, err := s.service.ListMessages(r.Context(), threadID, session, limit, strings.TrimSpace(r.URL.Query().Get("cursor")))
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			messages := make([]map[string]any, 0, len(page.Messages))
			for _, msg := range page.Messages {
				messages = append(messages, messageJSON(msg))
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"messages":   messages,
				"nextCursor": page.NextCursor,
				"hasMore":    page.HasMore,
			})
			return
		case http.MethodPost:
			var body struct {
				Content string `json:"content"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			msg, err := s.service.SendMessage(r.Context(), threadID, session, body.Content)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, messageJSON(msg))
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 5 && parts[0] == "api" && parts[1] == "threads" && parts[3] == "messages" && parts[4] == "latest" && r.Method == http.MethodGet {
		limit, err := queryInt(r, "limit")
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		messages, err := s.service.LatestMessages(r.Context(), parts[2], session, limit)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(messages))
		for _, msg := range messages {
			items = append(items, messageJSON(msg))
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": items})
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "messages" {
		messageID := parts[2]
		switch r.Method {
		case http.MethodPatch:
			var body struct {
				Content string `json:"content"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			editedAt, err := s.service.EditMessage(r.Context(), messageID, session, body.Content)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "editedAt": editedAt})
			return
		case http.MethodDelete:
			if err := s.service.DeleteMessage(r.Context(), messageID, session); err != nil {
				s.respondError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"pubsub":   map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingPublisher(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["pubsub"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleIdentityWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read body", nil)
		return
	}

	event, err := identity.VerifyWebhook([]byte(s.service.cfg.WebhookSecret), r.Header.Get("X-Signature"), body)
	if err != nil {
		if errors.Is(err, identity.ErrBadSignature) {
			writeError(w, http.StatusUnauthorized, "BAD_SIGNATURE", "Missing or invalid signature", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	if err := s.service.HandleIdentityEvent(r.Context(), event); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, identity.ErrExpiredToken) || errors.Is(err, identity.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// respondError maps an error to its HTTP form. Internal failures log
// full detail with the request id and leak only a generic message.
func (s *HTTPServer) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).
			Str("request_id", requestIDFrom(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		duration := time.Since(started)
		statusLabel := strconv.Itoa(writer.status)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, statusLabel).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, statusLabel).Observe(duration.Seconds())

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Dur("duration", duration).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade pass through the status recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodPut:
		return true
	}
	return false
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, identity.ErrInvalidToken) || errors.Is(err, identity.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// JSON shapes returned to clients.

func userJSON(user store.User) map[string]any {
	return map[string]any{
		"id":        user.ID,
		"username":  user.Username,
		"firstName": user.FirstName,
		"lastName":  user.LastName,
		"email":     user.Email,
		"createdAt": user.CreatedAt,
	}
}

func participantJSON(p store.Participant) map[string]any {
	return map[string]any{
		"userId":    p.UserID,
		"username":  p.Username,
		"firstName": p.FirstName,
		"lastName":  p.LastName,
		"joinedAt":  p.JoinedAt,
	}
}

func threadJSON(thread store.ThreadWithParticipants) map[string]any {
	participants := make([]map[string]any, 0, len(thread.Participants))
	for _, p := range thread.Participants {
		participants = append(participants, participantJSON(p))
	}
	return map[string]any{
		"id":            thread.ID,
		"name":          thread.Name,
		"createdAt":     thread.CreatedAt,
		"lastMessageAt": thread.LastMessageAt,
		"participants":  participants,
	}
}

func messageJSON(msg store.MessageWithSender) map[string]any {
	return map[string]any{
		"id":        msg.ID,
		"threadId":  msg.ThreadID,
		"senderId":  msg.SenderID,
		"content":   msg.Content,
		"createdAt": msg.CreatedAt,
		"updatedAt": msg.UpdatedAt,
		"editedAt":  msg.EditedAt,
		"sender": map[string]any{
			"id":        msg.SenderID,
			"username":  msg.SenderUsername,
			"firstName": msg.SenderFirstName,
			"lastName":  msg.SenderLastName,
		},
	}
}
