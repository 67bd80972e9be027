package api

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/voteflow/auth-service/internal/app"
	"github.com/voteflow/auth-service/internal/domain"
	"github.com/voteflow/auth-service/internal/store"
)

// UserHandlers exposes the user-management operations over HTTP.
type UserHandlers struct {
	service      *app.UserService
	loginLimiter app.LoginRateLimiter
	loginLimit   int
}

// NewUserHandlers creates the handler set. loginLimit is the number of
// login attempts allowed per subject per minute.
func NewUserHandlers(service *app.UserService, limiter app.LoginRateLimiter, loginLimit int) *UserHandlers {
	return &UserHandlers{service: service, loginLimiter: limiter, loginLimit: loginLimit}
}

// FindUsersHandler handles POST /users/find. Admin only. The body carries
// the filter; skip and limit come from query parameters.
func (h *UserHandlers) FindUsersHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.UserQueryRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 0)

	users, err := h.service.FindUsers(r.Context(), req.Filter, skip, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.UserQueryResponse{Users: users})
}

// MeHandler handles GET /users/me. Any authenticated scope. The target is
// always the caller's own token identity.
func (h *UserHandlers) MeHandler(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	user, err := h.service.GetCurrentUser(r.Context(), identity.Username)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// CreateUserHandler handles PUT /users. Admin only. Responds 201 with the
// created user and its one-time generated password.
func (h *UserHandlers) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := h.service.CreateUser(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ResetPasswordHandler handles POST /users/reset_password. Admin only.
func (h *UserHandlers) ResetPasswordHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.ResetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := h.service.ResetPassword(r.Context(), req.Username, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// LoginHandler handles POST /login. Accepts a JSON body or an OAuth2-style
// password form. Throttled per username and client address.
func (h *UserHandlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	username, password, ok := readLoginRequest(r)
	if !ok {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	subject := strings.ToLower(strings.TrimSpace(username)) + "|" + clientIP(r)
	allowed, retryAfter, err := h.loginLimiter.Allow(r.Context(), subject, h.loginLimit, time.Minute)
	if err != nil {
		log.Printf("Login rate limiter error: %v", err)
	}
	if !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		http.Error(w, "Too many login attempts", http.StatusTooManyRequests)
		return
	}

	resp, err := h.service.Login(r.Context(), username, password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func readLoginRequest(r *http.Request) (username, password string, ok bool) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return "", "", false
		}
		return r.PostFormValue("username"), r.PostFormValue("password"), true
	}
	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", "", false
	}
	return req.Username, req.Password, true
}

// writeServiceError maps service and store errors onto the HTTP error
// taxonomy. Messages are fixed strings so no password or hash material
// can leak through an error response.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidRequest):
		http.Error(w, "Bad request", http.StatusBadRequest)
	case errors.Is(err, app.ErrInactiveUser):
		http.Error(w, "Inactive user", http.StatusBadRequest)
	case errors.Is(err, app.ErrInvalidCredentials):
		http.Error(w, "Incorrect username or password", http.StatusUnauthorized)
	case errors.Is(err, store.ErrUserExists), errors.Is(err, store.ErrCredentialExists):
		http.Error(w, "User already exists", http.StatusConflict)
	case errors.Is(err, store.ErrCredentialNotFound), errors.Is(err, store.ErrUserNotFound):
		http.Error(w, "User not found", http.StatusNotFound)
	case errors.Is(err, store.ErrUnavailable):
		w.Header().Set("Retry-After", "5")
		http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
	default:
		log.Printf("Unhandled service error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
