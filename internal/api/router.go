package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/voteflow/auth-service/internal/auth"
	"github.com/voteflow/auth-service/internal/domain"
)

// Routes builds the HTTP router: a public health check and login, then
// the user-management endpoints behind the bearer middleware and scope
// guards.
func Routes(h *UserHandlers, tokens *auth.TokenIssuer, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Auth service is healthy"))
	})

	r.Post("/login", h.LoginHandler)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuthMiddleware(tokens))

		r.Group(func(r chi.Router) {
			r.Use(RequireScopes(domain.ScopeAdmin))
			r.Post("/users/find", h.FindUsersHandler)
			r.Put("/users", h.CreateUserHandler)
			r.Post("/users/reset_password", h.ResetPasswordHandler)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireScopes(domain.AllScopes...))
			r.Get("/users/me", h.MeHandler)
		})
	})

	return r
}
