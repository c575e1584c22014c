// Package httpapi exposes the bridge's status and request history over
// HTTP for operators and the status CLI subcommand.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jxucoder/archbridge/internal/history"
	"github.com/jxucoder/archbridge/internal/session"
)

const defaultHistoryLimit = 50

// Handler provides the HTTP API for the bridge.
type Handler struct {
	state   *session.State
	history *history.Store
	router  chi.Router
}

// New creates a new HTTP API handler. The history store may be nil, in
// which case the request endpoints report 404.
func New(state *session.State, hist *history.Store) *Handler {
	h := &Handler{state: state, history: hist}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.Get("/chats/{chatID}", h.handleChatStatus)
		r.Get("/requests", h.handleRequests)
	})

	return r
}

type statusResponse struct {
	session.Status
	UptimeSeconds float64                `json:"uptime_seconds"`
	RequestCounts map[history.Status]int `json:"request_counts,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := h.state.Snapshot(time.Now())
	resp := statusResponse{
		Status:        snapshot,
		UptimeSeconds: snapshot.Uptime.Seconds(),
	}
	if h.history != nil {
		counts, err := h.history.CountByStatus()
		if err != nil {
			log.Printf("httpapi: counting request history: %v", err)
		} else {
			resp.RequestCounts = counts
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleChatStatus(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(chi.URLParam(r, "chatID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "chat id must be an integer")
		return
	}
	status, ok := h.state.ChatSnapshot(chatID, time.Now())
	if !ok {
		writeError(w, http.StatusNotFound, "no session for chat")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleRequests(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "request history not enabled")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	var records []*history.Record
	var err error
	if raw := r.URL.Query().Get("chat_id"); raw != "" {
		chatID, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "chat_id must be an integer")
			return
		}
		records, err = h.history.RecentForChat(chatID, limit)
	} else {
		records, err = h.history.Recent(limit)
	}
	if err != nil {
		log.Printf("httpapi: listing request history: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list requests")
		return
	}
	if records == nil {
		records = []*history.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
