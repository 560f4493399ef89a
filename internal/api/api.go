// Package api serves the REST surface next to the WebSocket endpoint:
// server stats, display profiles, and the contacts list with live presence.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/vibe/chat-app/internal/chat"
	"github.com/vibe/chat-app/internal/profile"
)

const requestTimeout = 5 * time.Second

// StatsSource reports live connection counts and per-identity presence.
type StatsSource interface {
	Stats() chat.Stats
	IsOnline(identity string) bool
}

// ProfileStore reads and writes display profiles.
type ProfileStore interface {
	Get(ctx context.Context, identity string) (*profile.Profile, error)
	Set(ctx context.Context, identity, name string) error
}

// ContactSource lists and saves contacts.
type ContactSource interface {
	Save(ctx context.Context, owner, contact string) (bool, error)
	List(ctx context.Context, owner string) ([]string, error)
}

// Handler is the REST handler. Profiles and contacts may be nil when their
// backing stores are not configured; the endpoints then return 503.
type Handler struct {
	stats    StatsSource
	profiles ProfileStore
	contacts ContactSource
	mux      *http.ServeMux
}

// New builds the handler and its route table.
func New(stats StatsSource, profiles ProfileStore, contacts ContactSource) *Handler {
	h := &Handler{
		stats:    stats,
		profiles: profiles,
		contacts: contacts,
		mux:      http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /api/stats", h.handleStats)
	h.mux.HandleFunc("GET /api/profile/{identity}", h.handleGetProfile)
	h.mux.HandleFunc("POST /api/profile", h.handleSetProfile)
	h.mux.HandleFunc("GET /api/contacts/{identity}", h.handleListContacts)
	h.mux.HandleFunc("POST /api/contacts/save", h.handleSaveContact)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Stats())
}

func (h *Handler) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	if h.profiles == nil {
		writeError(w, http.StatusServiceUnavailable, "profile storage is not configured")
		return
	}

	identity := r.PathValue("identity")
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	p, err := h.profiles.Get(ctx, identity)
	if err != nil {
		log.Printf("[api] get profile %s: %v", identity, err)
		writeError(w, http.StatusInternalServerError, "profile lookup failed")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "no profile for this identity")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleSetProfile(w http.ResponseWriter, r *http.Request) {
	if h.profiles == nil {
		writeError(w, http.StatusServiceUnavailable, "profile storage is not configured")
		return
	}

	var req struct {
		Identity string `json:"identity"`
		Name     string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Identity == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "identity and name are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := h.profiles.Set(ctx, req.Identity, req.Name); err != nil {
		log.Printf("[api] set profile %s: %v", req.Identity, err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "profile_saved"})
}

// ContactEntry is one row of the contacts listing: the saved identity, its
// display name, and whether it is connected right now.
type ContactEntry struct {
	ContactID string `json:"contact_id"`
	Name      string `json:"name"`
	Online    bool   `json:"online"`
}

func (h *Handler) handleListContacts(w http.ResponseWriter, r *http.Request) {
	if h.contacts == nil {
		writeError(w, http.StatusServiceUnavailable, "contact storage is not configured")
		return
	}

	identity := r.PathValue("identity")
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	ids, err := h.contacts.List(ctx, identity)
	if err != nil {
		log.Printf("[api] list contacts %s: %v", identity, err)
		writeError(w, http.StatusInternalServerError, "contact lookup failed")
		return
	}

	entries := make([]ContactEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, ContactEntry{
			ContactID: id,
			Name:      h.displayName(ctx, id),
			Online:    h.stats.IsOnline(id),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": entries})
}

func (h *Handler) handleSaveContact(w http.ResponseWriter, r *http.Request) {
	if h.contacts == nil {
		writeError(w, http.StatusServiceUnavailable, "contact storage is not configured")
		return
	}

	var req struct {
		Owner   string `json:"owner_id"`
		Contact string `json:"contact_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Owner == "" || req.Contact == "" {
		writeError(w, http.StatusBadRequest, "owner_id and contact_id are required")
		return
	}
	if req.Owner == req.Contact {
		writeError(w, http.StatusBadRequest, "cannot save yourself as a contact")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	saved, err := h.contacts.Save(ctx, req.Owner, req.Contact)
	if err != nil {
		log.Printf("[api] save contact %s -> %s: %v", req.Owner, req.Contact, err)
		writeError(w, http.StatusInternalServerError, "contact save failed")
		return
	}

	status := "contact_exists"
	if saved {
		status = "contact_saved"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (h *Handler) displayName(ctx context.Context, identity string) string {
	if h.profiles == nil {
		return "User " + identity
	}
	p, err := h.profiles.Get(ctx, identity)
	if err != nil || p == nil || p.Name == "" {
		return "User " + identity
	}
	return p.Name
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		log.Printf("[api] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
