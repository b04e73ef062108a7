package room

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	myMiddleware "roomchat/internal/middleware"
)

type Handler struct {
	dir *Directory
}

func NewHandler(dir *Directory) *Handler {
	return &Handler{dir: dir}
}

type CreateRequest struct {
	Name string `json:"name"`
}

func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rm, err := h.dir.Create(req.Name)
	switch {
	case errors.Is(err, ErrInvalidName):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrAlreadyExists):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if id, ok := myMiddleware.IdentityFrom(r.Context()); ok {
		log.Printf("room %q created by %s", rm.Name, id.Username)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(rm)
}

// ListRooms streams the directory snapshot as newline-delimited JSON, one
// room per line, flushing after each.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.dir.List()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for _, rm := range rooms {
		if r.Context().Err() != nil {
			return
		}
		if err := enc.Encode(rm); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
