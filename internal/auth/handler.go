package auth

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	Authority *Authority
}

func NewHandler(a *Authority) *Handler {
	return &Handler{Authority: a}
}

// Mount registers the Token Authority routes. None of them require a token.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/authenticate", h.Authenticate)
	r.Post("/authorize", h.Authorize)
	r.Post("/register", h.Register)
}

func (h *Handler) Authenticate(w http.ResponseWriter, r *http.Request) {
	var req Credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	token, err := h.Authority.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, ErrUnauthenticated) {
			log.Printf("authenticate %q: %v", req.Username, err)
		}
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{Token: token})
}

func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := h.Authority.Authorize(r.Context(), req.Token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, id)
}

// Register creates a user with the plain "user" role. Roles cannot be
// self-assigned.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req Credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	u, err := h.Authority.Register(r.Context(), req.Username, req.Password, []string{"user"})
	switch {
	case errors.Is(err, ErrInvalidUser):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrUserExists):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		log.Printf("register %q: %v", req.Username, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, Identity{Username: u.Username, Roles: u.Roles})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
