package sync

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deck-sync-service/internal/config"
	"deck-sync-service/internal/logger"
	"deck-sync-service/internal/store"
)

// Backend is everything the manager needs from the remote deck service.
type Backend interface {
	FeedSource
	SuggestionSink
	ProgressSink
	AcknowledgeResolution(ctx context.Context, deckID, cardGUID, field string, changeID int64, resolution string) error
}

// Manager owns reconciliation runs. At most one run per deck is active at a
// time; a second request for the same deck fails with ErrSyncInProgress.
type Manager struct {
	cfg     *config.Config
	store   store.Store
	backend Backend
	engine  *Engine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]bool
	states  map[string]State
}

func NewManager(cfg *config.Config, st store.Store, backend Backend) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:     cfg,
		store:   st,
		backend: backend,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]bool),
		states:  make(map[string]State),
	}

	m.engine = NewEngine(st, backend, cfg.Sync.PageSize, cfg.Sync.ConflictPolicy)
	m.engine.SetStateFunc(m.setDeckState)

	return m
}

func (m *Manager) setDeckState(deckID string, s State) {
	m.mu.Lock()
	m.states[deckID] = s
	m.mu.Unlock()
}

// SyncDeck runs one reconciliation for a deck and blocks until it finishes.
// The mode is incremental unless full is requested or the deck has never
// synced. Shutdown aborts the run at the next page boundary.
func (m *Manager) SyncDeck(ctx context.Context, deckID string, full bool) (*Result, error) {
	m.mu.Lock()
	if m.running[deckID] {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSyncInProgress, deckID)
	}
	m.running[deckID] = true
	m.mu.Unlock()
	m.wg.Add(1)

	defer func() {
		m.mu.Lock()
		delete(m.running, deckID)
		m.mu.Unlock()
		m.wg.Done()
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	stop := context.AfterFunc(m.ctx, cancelRun)
	defer stop()

	if !full {
		if _, err := m.store.GetCursor(runCtx, deckID); err == store.ErrNotFound {
			full = true
		}
	}

	mode := "incremental"
	if full {
		mode = "full"
	}

	hist := &store.SyncHistory{
		ID:        uuid.New().String(),
		DeckID:    deckID,
		Mode:      mode,
		StartedAt: time.Now().UTC(),
		Status:    "running",
	}
	if err := m.store.CreateSyncHistory(runCtx, hist); err != nil {
		logger.Log.Warn("Failed to record sync history", zap.Error(err))
	}

	logger.Log.Info("Starting deck sync",
		zap.String("deckID", deckID), zap.String("mode", mode))

	var result *Result
	var err error
	if full {
		result, err = m.engine.SyncFull(runCtx, deckID)
	} else {
		result, err = m.engine.SyncIncremental(runCtx, deckID)
	}

	hist.CompletedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	hist.PagesFetched = result.Pages
	hist.ChangesApplied = result.Applied
	hist.ChangesSkipped = result.Skipped
	hist.Conflicts = result.Conflicts
	if err != nil {
		hist.Status = "failed"
		hist.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
	} else {
		hist.Status = "completed"
	}
	if uerr := m.store.UpdateSyncHistory(context.WithoutCancel(runCtx), hist); uerr != nil {
		logger.Log.Warn("Failed to update sync history", zap.Error(uerr))
	}

	if err != nil {
		logger.Log.Error("Deck sync failed",
			zap.String("deckID", deckID),
			zap.Bool("retryable", IsRetryable(err)),
			zap.Error(err))
		return result, err
	}

	logger.Log.Info("Deck sync finished",
		zap.String("deckID", deckID),
		zap.String("mode", result.Mode),
		zap.Int("pages", result.Pages),
		zap.Int("applied", result.Applied),
		zap.Int("skipped", result.Skipped),
		zap.Int("conflicts", result.Conflicts),
		zap.Int("removed", result.Removed))
	return result, nil
}

// SyncAll reconciles every tracked deck serially, then uploads study
// progress if enabled. Per-deck failures are logged and do not stop the
// pass; the failed deck resumes from its committed cursor next time.
func (m *Manager) SyncAll(ctx context.Context) {
	deckIDs, err := m.store.ListDeckIDs(ctx)
	if err != nil {
		logger.Log.Error("Failed to list decks for sync", zap.Error(err))
		return
	}

	for _, id := range deckIDs {
		if m.ctx.Err() != nil || ctx.Err() != nil {
			return
		}
		if _, err := m.SyncDeck(ctx, id, false); err != nil {
			continue
		}
	}

	if m.cfg.Sync.UploadProgress {
		if _, err := UploadProgress(ctx, m.store, m.backend); err != nil {
			logger.Log.Warn("Progress upload failed", zap.Error(err))
		}
	}
}

// SubmitSuggestions pushes one deck's pending edits upstream.
func (m *Manager) SubmitSuggestions(ctx context.Context, deckID string) (int, error) {
	return SubmitSuggestions(ctx, m.store, m.backend, deckID, m.cfg.Sync.SuggestionBatchLimit)
}

// DeckStates reports the last observed phase per deck.
func (m *Manager) DeckStates() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]State, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out
}

// Running reports whether any deck sync is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running) > 0
}

// Stop aborts active runs at their next page boundary and waits for them.
func (m *Manager) Stop() {
	logger.Log.Info("Stopping sync manager")
	m.cancel()
	m.wg.Wait()
}
