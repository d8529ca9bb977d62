package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"plinko-rewards-backend/internal/models"
)

// ErrSessionExpired is returned when neither the server nor the local clock
// can keep the resumed session alive.
var ErrSessionExpired = errors.New("session expired")

// SessionServer is the lifecycle surface of the authoritative server.
type SessionServer interface {
	StartSession(ctx context.Context, playerID string) (*models.SessionInfo, error)
	SyncSession(ctx context.Context, playerID, sessionID string, clientWalletBalance float64) (*models.SessionInfo, error)
}

// SessionManager orchestrates session start/resume/expiry and feeds the
// pipeline its session identity and game seed. A bookmark is persisted so
// an in-progress session survives a process restart.
type SessionManager struct {
	server   SessionServer
	store    KeyValueStore
	pipeline *RewardBatchManager
	duration time.Duration

	playerID string
	info     *models.SessionInfo
	elapsed  float64
}

func NewSessionManager(server SessionServer, store KeyValueStore, pipeline *RewardBatchManager, duration time.Duration) *SessionManager {
	return &SessionManager{
		server:   server,
		store:    store,
		pipeline: pipeline,
		duration: duration,
	}
}

// StartSession opens a fresh server session and resets the pipeline.
func (sm *SessionManager) StartSession(ctx context.Context, playerID string) error {
	info, err := sm.server.StartSession(ctx, playerID)
	if err != nil {
		return fmt.Errorf("failed to start session: %v", err)
	}

	sm.adopt(playerID, info)
	sm.pipeline.InitializeSession(playerID, info.SessionID, info.GameSeed, info.WalletBalance)
	return sm.saveBookmark(ctx)
}

// ResumeSession reconciles a bookmarked session with the server. If the
// sync call fails, the locally computed remaining time decides whether the
// run continues offline-optimistic or ends with ErrSessionExpired.
func (sm *SessionManager) ResumeSession(ctx context.Context, playerID string, clientWalletBalance float64) error {
	bookmark, err := sm.loadBookmark(ctx, playerID)
	if err != nil {
		// No bookmark to resume from.
		return sm.StartSession(ctx, playerID)
	}

	info, err := sm.server.SyncSession(ctx, playerID, bookmark.SessionID, clientWalletBalance)
	if err != nil {
		log.Printf("Session sync failed for %s, falling back to local clock: %v", playerID, err)

		started := time.Unix(0, bookmark.SessionStartTimeTicks)
		remaining := sm.duration - time.Since(started)
		if remaining <= 0 {
			return ErrSessionExpired
		}

		sm.playerID = playerID
		sm.info = &models.SessionInfo{
			SessionID:        bookmark.SessionID,
			StartedAt:        started,
			ExpiresAt:        started.Add(sm.duration),
			RemainingSeconds: remaining.Seconds(),
			WalletBalance:    clientWalletBalance,
			Resumed:          true,
		}
		sm.elapsed = sm.duration.Seconds() - remaining.Seconds()
		sm.pipeline.InitializeSession(playerID, bookmark.SessionID, "", clientWalletBalance)
		return nil
	}

	sm.adopt(playerID, info)
	sm.pipeline.InitializeSession(playerID, info.SessionID, info.GameSeed, info.WalletBalance)
	return sm.saveBookmark(ctx)
}

// Tick advances the local session clock and drives the pipeline.
func (sm *SessionManager) Tick(deltaTime float64) {
	sm.elapsed += deltaTime
	sm.pipeline.Tick(deltaTime)
}

func (sm *SessionManager) Remaining() time.Duration {
	remaining := sm.duration - time.Duration(sm.elapsed*float64(time.Second))
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (sm *SessionManager) Expired() bool {
	return sm.Remaining() <= 0
}

func (sm *SessionManager) Info() *models.SessionInfo {
	return sm.info
}

// EndSession flushes the pipeline so no reward is lost, then drops the
// bookmark.
func (sm *SessionManager) EndSession(ctx context.Context) error {
	if err := sm.pipeline.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush pipeline: %v", err)
	}
	if sm.playerID != "" {
		return sm.store.Delete(ctx, fmt.Sprintf(KeySessionBookmark, sm.playerID))
	}
	return nil
}

func (sm *SessionManager) adopt(playerID string, info *models.SessionInfo) {
	sm.playerID = playerID
	sm.info = info
	sm.elapsed = sm.duration.Seconds() - info.RemainingSeconds
	if sm.elapsed < 0 {
		sm.elapsed = 0
	}
}

func (sm *SessionManager) saveBookmark(ctx context.Context) error {
	bookmark := models.SessionBookmark{
		SessionStartTimeTicks: sm.info.StartedAt.UnixNano(),
		SessionID:             sm.info.SessionID,
	}

	data, err := json.Marshal(bookmark)
	if err != nil {
		return fmt.Errorf("failed to marshal session bookmark: %v", err)
	}
	return sm.store.Set(ctx, fmt.Sprintf(KeySessionBookmark, sm.playerID), string(data))
}

func (sm *SessionManager) loadBookmark(ctx context.Context, playerID string) (*models.SessionBookmark, error) {
	data, err := sm.store.Get(ctx, fmt.Sprintf(KeySessionBookmark, playerID))
	if err != nil {
		return nil, err
	}

	var bookmark models.SessionBookmark
	if err := json.Unmarshal([]byte(data), &bookmark); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session bookmark: %v", err)
	}
	return &bookmark, nil
}
