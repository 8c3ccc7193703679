package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"deck-sync-service/internal/store"
	"deck-sync-service/internal/sync"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	if err := h.session.Login(r.Context(), req.Email, req.Password); err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"email": h.session.Email(),
		"tier":  h.session.Tier().String(),
	})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Logout(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *Handler) SessionInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"logged_in":   h.session.LoggedIn(),
		"email":       h.session.Email(),
		"tier":        h.session.Tier().String(),
		"full_access": h.session.Tier().FullAccess(),
	})
}

func (h *Handler) ListDecks(w http.ResponseWriter, r *http.Request) {
	decks, err := h.client.ListDecks(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"decks": decks, "total_count": len(decks)})
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if !h.session.Tier().FullAccess() {
		respondError(w, http.StatusForbidden, "subscription required")
		return
	}

	var req struct {
		DeckID string `json:"deck_id"`
		Full   bool   `json:"full"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	// The run outlives the request; only manager shutdown cancels it.
	runCtx := context.WithoutCancel(r.Context())

	if req.DeckID == "" {
		go h.syncManager.SyncAll(runCtx)
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
		return
	}

	go func(deckID string, full bool) {
		_, _ = h.syncManager.SyncDeck(runCtx, deckID, full)
	}(req.DeckID, req.Full)
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "started", "deck_id": req.DeckID})
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"running": h.syncManager.Running(),
		"decks":   h.syncManager.DeckStates(),
	})
}

func (h *Handler) GetSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	history, err := h.store.ListSyncHistory(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	deckID := r.URL.Query().Get("deck_id")
	if deckID == "" {
		respondError(w, http.StatusBadRequest, "deck_id is required")
		return
	}
	resolved := r.URL.Query().Get("resolved") == "true"
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	conflicts, err := h.store.ListConflicts(r.Context(), deckID, resolved, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Resolution string `json:"resolution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.syncManager.ResolveConflict(r.Context(), id, req.Resolution); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "conflict not found")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "resolved", "resolution": req.Resolution})
}

func (h *Handler) GetProtectedFields(w http.ResponseWriter, r *http.Request) {
	deckID := chi.URLParam(r, "deckID")

	fields, err := h.store.GetProtectedFields(r.Context(), deckID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if fields == nil {
		fields = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"deck_id": deckID, "fields": fields})
}

func (h *Handler) SaveProtectedFields(w http.ResponseWriter, r *http.Request) {
	deckID := chi.URLParam(r, "deckID")

	var req struct {
		Fields []string `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.store.SaveProtectedFields(r.Context(), deckID, req.Fields); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deck_id": deckID, "fields": req.Fields})
}

// GetProtectedFieldDefaults proxies the server's recommended protected
// fields for a deck. They take effect only once saved locally.
func (h *Handler) GetProtectedFieldDefaults(w http.ResponseWriter, r *http.Request) {
	deckID := chi.URLParam(r, "deckID")

	fields, err := h.client.FetchProtectedFields(r.Context(), deckID)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if fields == nil {
		fields = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"deck_id": deckID, "fields": fields})
}

func (h *Handler) SubmitSuggestions(w http.ResponseWriter, r *http.Request) {
	deckID := chi.URLParam(r, "deckID")

	accepted, err := h.syncManager.SubmitSuggestions(r.Context(), deckID)
	if err != nil {
		if errors.Is(err, sync.ErrBatchTooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deck_id": deckID, "accepted": accepted})
}

func (h *Handler) UploadProgress(w http.ResponseWriter, r *http.Request) {
	synced, err := sync.UploadProgress(r.Context(), h.store, h.client)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"synced": synced})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
