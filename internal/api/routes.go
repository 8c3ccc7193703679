package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"deck-sync-service/internal/config"
	"deck-sync-service/internal/remote"
	"deck-sync-service/internal/session"
	"deck-sync-service/internal/store"
	"deck-sync-service/internal/sync"
)

type Handler struct {
	cfg         config.ServerConfig
	syncManager *sync.Manager
	store       store.Store
	session     *session.Session
	client      *remote.Client
}

func NewHandler(cfg config.ServerConfig, manager *sync.Manager, st store.Store, sess *session.Session, client *remote.Client) *Handler {
	return &Handler{
		cfg:         cfg,
		syncManager: manager,
		store:       st,
		session:     sess,
		client:      client,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(h.corsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.authMiddleware)

		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)
		r.Get("/session", h.SessionInfo)

		r.Get("/decks", h.ListDecks)

		r.Post("/sync/trigger", h.TriggerSync)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Get("/sync/history", h.GetSyncHistory)

		r.Get("/conflicts", h.ListConflicts)
		r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

		r.Get("/decks/{deckID}/protected-fields", h.GetProtectedFields)
		r.Put("/decks/{deckID}/protected-fields", h.SaveProtectedFields)
		r.Get("/decks/{deckID}/protected-fields/defaults", h.GetProtectedFieldDefaults)

		r.Post("/decks/{deckID}/suggestions", h.SubmitSuggestions)
		r.Post("/progress/upload", h.UploadProgress)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The header takes a single origin, so echo the request's origin
		// when it is on the allow-list.
		if len(h.cfg.CorsOrigins) == 0 {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin := r.Header.Get("Origin"); origin != "" && h.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) originAllowed(origin string) bool {
	for _, o := range h.cfg.CorsOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// authMiddleware checks the admin bearer token from config. When no token
// is configured the API is open (local-only deployments).
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AuthToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
