package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/planforge/planforge/internal/auth"
	"github.com/planforge/planforge/internal/planning"
)

type ctxKey int

const claimsKey ctxKey = 0

func claimsFrom(ctx context.Context) (auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(auth.Claims)
	return c, ok
}

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		respondError(w, http.StatusBadRequest, "invalid_email", "a valid email is required")
		return
	}
	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrWeakPassword) {
			respondError(w, http.StatusBadRequest, "weak_password", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "hash_failed", "could not hash password")
		return
	}

	user := planning.User{
		ID:             uuid.NewString(),
		Email:          email,
		HashedPassword: hashed,
		Role:           planning.RoleUser,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, planning.ErrConflict) {
			respondError(w, http.StatusConflict, "email_taken", "email is already registered")
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", "could not create user")
		return
	}

	token, err := s.tokens.Mint(user.ID, string(user.Role))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token_error", "could not mint token")
		return
	}
	respondJSON(w, http.StatusCreated, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	user, err := s.store.GetUserByEmail(r.Context(), email)
	if err != nil {
		// The same reply for an unknown email and a wrong password, so the
		// endpoint does not leak which emails exist.
		respondError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
		return
	}
	if !auth.CheckPassword(user.HashedPassword, req.Password) {
		respondError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
		return
	}

	token, err := s.tokens.Mint(user.ID, string(user.Role))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token_error", "could not mint token")
		return
	}
	respondJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

// requireAuth verifies the bearer token and stores the claims in the request
// context for downstream handlers.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			respondError(w, http.StatusUnauthorized, "missing_token", "bearer token required")
			return
		}
		claims, err := s.tokens.Verify(strings.TrimSpace(token))
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) {
				respondError(w, http.StatusUnauthorized, "token_expired", "token expired")
				return
			}
			respondError(w, http.StatusUnauthorized, "invalid_token", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}
