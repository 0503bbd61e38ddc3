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

	"go.uber.org/zap"

	"pinboard/api/internal/auth"
	"pinboard/api/internal/store"
)

// Authenticator resolves the verified email of the caller.
type Authenticator func(r *http.Request) (string, error)

type HTTPServer struct {
	service       *Service
	authenticate  Authenticator
	subscriptions http.Handler
	corsOrigin    string
	logger        *zap.Logger
}

func NewHTTPServer(service *Service, authenticate Authenticator, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, authenticate: authenticate, corsOrigin: corsOrigin, logger: logger}
}

// WithSubscriptions mounts the websocket handler on /api/subscriptions.
func (s *HTTPServer) WithSubscriptions(handler http.Handler) *HTTPServer {
	s.subscriptions = handler
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
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
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// The websocket handler authenticates on its own, query token included.
	if r.URL.Path == "/api/subscriptions" && s.subscriptions != nil {
		s.subscriptions.ServeHTTP(w, r)
		return
	}

	email, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	withUser(r, email)

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "me":
		s.handleMe(w, r, email, parts[2:])
		return
	case "users":
		s.handleUsers(w, r, parts[2:])
		return
	case "pinboards":
		s.handlePinboards(w, r, email, parts[2:])
		return
	case "items":
		s.handleItems(w, r, email, parts[2:])
		return
	}

	if r.Method == http.MethodGet && len(parts) == 2 && parts[1] == "group-pinboards" {
		payload, err := s.service.GetGroupPinboardIDs(r.Context(), email)
		s.respond(w, http.StatusOK, map[string]any{"groupPinboards": payload}, err)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "item-counts" {
		var body struct {
			PinboardIDs []string `json:"pinboardIds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.GetItemCounts(r.Context(), email, body.PinboardIDs)
		s.respond(w, http.StatusOK, map[string]any{"itemCounts": payload}, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request, email string, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		user, err := s.service.GetMyUser(r.Context(), email)
		s.respond(w, http.StatusOK, user, err)
		return
	}
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case rest[0] == "unread" && r.Method == http.MethodGet:
		items, err := s.service.ListMyUnreadMentions(r.Context(), email)
		s.respond(w, http.StatusOK, map[string]any{"items": items}, err)

	case rest[0] == "web-push-subscription" && r.Method == http.MethodPut:
		var body struct {
			Subscription *store.WebPushSubscription `json:"webPushSubscription"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.SetWebPushSubscription(r.Context(), email, body.Subscription)
		s.respond(w, http.StatusOK, user, err)

	case rest[0] == "opened-pinboards" && r.Method == http.MethodPost:
		var body struct {
			PinboardIDs []string `json:"ids"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.AddManuallyOpenedPinboardIDs(r.Context(), email, body.PinboardIDs)
		s.respond(w, http.StatusOK, user, err)

	case rest[0] == "opened-pinboards" && r.Method == http.MethodDelete:
		var body struct {
			PinboardID string `json:"pinboardIdToClose"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.RemoveManuallyOpenedPinboardID(r.Context(), email, body.PinboardID)
		s.respond(w, http.StatusOK, user, err)

	case rest[0] == "tour-steps" && r.Method == http.MethodPost:
		var body struct {
			TourStepID string `json:"tourStepId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.VisitTourStep(r.Context(), email, body.TourStepID)
		s.respond(w, http.StatusOK, user, err)

	case rest[0] == "feature-flags" && r.Method == http.MethodPost:
		var body struct {
			FlagID  string `json:"flagId"`
			Enabled bool   `json:"enabled"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.ChangeFeatureFlag(r.Context(), email, body.FlagID, body.Enabled)
		s.respond(w, http.StatusOK, user, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, rest []string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	query := r.URL.Query()
	switch {
	case len(rest) == 0:
		var emails []string
		for _, value := range query["email"] {
			emails = append(emails, strings.Split(value, ",")...)
		}
		users, err := s.service.GetUsers(r.Context(), emails)
		s.respond(w, http.StatusOK, map[string]any{"users": users}, err)
	case len(rest) == 1 && rest[0] == "search":
		limit, _ := strconv.Atoi(query.Get("limit"))
		users, err := s.service.SearchMentionableUsers(r.Context(), query.Get("prefix"), limit)
		s.respond(w, http.StatusOK, map[string]any{"users": users}, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handlePinboards(w http.ResponseWriter, r *http.Request, email string, rest []string) {
	if len(rest) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	pinboardID := rest[0]

	switch {
	case rest[1] == "items" && r.Method == http.MethodGet:
		items, err := s.service.ListItems(r.Context(), email, pinboardID)
		s.respond(w, http.StatusOK, map[string]any{"items": items}, err)

	case rest[1] == "items" && r.Method == http.MethodPost:
		var input CreateItemInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		input.PinboardID = pinboardID
		created, err := s.service.CreateItem(r.Context(), email, input)
		s.respond(w, http.StatusCreated, created, err)

	case rest[1] == "seen" && r.Method == http.MethodGet:
		records, err := s.service.ListLastItemSeenByUsers(r.Context(), pinboardID)
		s.respond(w, http.StatusOK, map[string]any{"lastItemSeenByUsers": records}, err)

	case rest[1] == "seen" && r.Method == http.MethodPost:
		var body struct {
			ItemID int64 `json:"itemID"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		record, err := s.service.SeenItem(r.Context(), email, pinboardID, body.ItemID)
		s.respond(w, http.StatusOK, record, err)

	case rest[1] == "archive" && r.Method == http.MethodPost:
		result, err := s.service.ArchivePinboard(r.Context(), pinboardID)
		s.respond(w, http.StatusOK, result, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleItems(w http.ResponseWriter, r *http.Request, email string, rest []string) {
	if len(rest) == 0 || len(rest) > 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	itemID, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil || itemID <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_ITEM_ID", "Item id must be a positive integer", nil)
		return
	}

	switch {
	case len(rest) == 1 && r.Method == http.MethodPut:
		var input EditItemInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		edited, err := s.service.EditItem(r.Context(), email, itemID, input)
		s.respond(w, http.StatusOK, edited, err)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		deleted, err := s.service.DeleteItem(r.Context(), email, itemID)
		s.respond(w, http.StatusOK, deleted, err)

	case len(rest) == 2 && rest[1] == "claim" && r.Method == http.MethodPost:
		result, err := s.service.ClaimItem(r.Context(), email, itemID)
		s.respond(w, http.StatusOK, result, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// respond writes payload with status, or the mapped error.
func (s *HTTPServer) respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("request failed", zap.String("code", code), zap.Error(err))
		}
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	email, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	return email, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		info := &requestInfo{id: requestID}
		ctx := context.WithValue(r.Context(), requestInfoKey{}, info)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
			zap.String("user", info.user),
		)
	})
}

type requestInfoKey struct{}

type requestInfo struct {
	id   string
	user string
}

// withUser records the authenticated caller for the access log.
func withUser(r *http.Request, email string) {
	if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
		info.user = email
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
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
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Access-Control-Allow-Credentials", "true")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrAlreadyClaimed) {
		return http.StatusConflict, "ALREADY_CLAIMED", "Item was already claimed", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
