package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"plinko-rewards-backend/internal/levels"
	"plinko-rewards-backend/internal/models"
)

// ServerConfig tunes the simulated trust boundary.
type ServerConfig struct {
	LatencyMin          time.Duration
	LatencyMax          time.Duration
	ErrorRate           float64 // probability a request fails transiently
	SessionDuration     time.Duration
	RewardTolerance     float64 // relative deviation allowed vs expected reward
	MinRewardTolerance  float64 // absolute floor for the tolerance
	MaxValidatedIndices int     // dedup set cap; cleared wholesale on overflow
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		LatencyMin:          50 * time.Millisecond,
		LatencyMax:          200 * time.Millisecond,
		ErrorRate:           0.05,
		SessionDuration:     30 * time.Minute,
		RewardTolerance:     0.01,
		MinRewardTolerance:  1.0,
		MaxValidatedIndices: 500,
	}
}

// ServerService is the authoritative side of the trust boundary. It owns the
// per-player ledger, recomputes every claimed reward from the reward table,
// and defers the final say on fully math-valid batches to the anti-cheat
// engine. Network latency and transient failures are simulated, not real.
type ServerService struct {
	cfg       ServerConfig
	store     KeyValueStore
	anticheat *AntiCheatValidator
	table     *levels.Table

	mu      sync.Mutex
	players map[string]*models.ServerPlayerState
}

func NewServerService(cfg ServerConfig, store KeyValueStore, anticheat *AntiCheatValidator, table *levels.Table) (*ServerService, error) {
	s := &ServerService{
		cfg:       cfg,
		store:     store,
		anticheat: anticheat,
		table:     table,
		players:   make(map[string]*models.ServerPlayerState),
	}

	if err := s.loadLedger(); err != nil {
		return nil, fmt.Errorf("failed to load player ledger: %v", err)
	}
	return s, nil
}

// errTransient marks a simulated request-level failure.
var errTransient = errors.New("simulated network failure")

// simulateNetwork sleeps for a uniform random latency and rolls the
// configured failure probability. Returns ctx.Err() if the caller cancels
// mid-flight, errTransient on a simulated request failure.
func (s *ServerService) simulateNetwork(ctx context.Context) error {
	delay := s.cfg.LatencyMin
	if spread := s.cfg.LatencyMax - s.cfg.LatencyMin; spread > 0 {
		delay += time.Duration(rand.Int63n(int64(spread)))
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if s.cfg.ErrorRate > 0 && rand.Float64() < s.cfg.ErrorRate {
		return errTransient
	}
	return nil
}

// StartSession opens a fresh session for the player, creating the ledger on
// first contact.
func (s *ServerService) StartSession(ctx context.Context, playerID string) (*models.SessionInfo, error) {
	if err := s.simulateNetwork(ctx); err != nil {
		return nil, err
	}

	seed, err := models.GenerateGameSeed()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.players[playerID]
	if !ok {
		state = &models.ServerPlayerState{PlayerID: playerID}
		s.players[playerID] = state
	}

	if state.CurrentSessionID != "" {
		s.anticheat.ClearSession(playerID, state.CurrentSessionID)
	}

	now := time.Now()
	state.ResetSession(models.GenerateSessionID(), seed, now)

	if err := s.persistLedger(ctx); err != nil {
		return nil, err
	}

	return &models.SessionInfo{
		SessionID:        state.CurrentSessionID,
		GameSeed:         state.CurrentGameSeed,
		StartedAt:        now,
		ExpiresAt:        now.Add(s.cfg.SessionDuration),
		RemainingSeconds: s.cfg.SessionDuration.Seconds(),
		WalletBalance:    state.WalletBalance,
	}, nil
}

// SyncSession reconciles a resumed session. Unknown players are bootstrapped
// with the client's reported balance (trust-on-first-use; there is no
// separate authentication identity). Expired or mismatched sessions are
// transparently replaced with a new one.
func (s *ServerService) SyncSession(ctx context.Context, playerID, sessionID string, clientWalletBalance float64) (*models.SessionInfo, error) {
	if err := s.simulateNetwork(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	state, known := s.players[playerID]
	if !known {
		state = &models.ServerPlayerState{
			PlayerID:      playerID,
			WalletBalance: clientWalletBalance,
		}
		s.players[playerID] = state
		log.Printf("Bootstrapped player %s with client-reported balance %.2f", playerID, clientWalletBalance)
	}

	now := time.Now()
	elapsed := now.Sub(state.SessionStartTime)
	expired := state.CurrentSessionID == "" ||
		state.CurrentSessionID != sessionID ||
		elapsed >= s.cfg.SessionDuration

	if !expired {
		info := &models.SessionInfo{
			SessionID:        state.CurrentSessionID,
			GameSeed:         state.CurrentGameSeed,
			StartedAt:        state.SessionStartTime,
			ExpiresAt:        state.SessionStartTime.Add(s.cfg.SessionDuration),
			RemainingSeconds: (s.cfg.SessionDuration - elapsed).Seconds(),
			WalletBalance:    state.WalletBalance,
			Resumed:          true,
		}
		err := s.persistLedger(ctx)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return info, nil
	}
	s.mu.Unlock()

	// Already paid the simulated latency once; replace the dead session
	// without rolling a second failure.
	return s.replaceSession(playerID)
}

// replaceSession is StartSession without the network simulation, used when
// SyncSession transparently replaces an expired or mismatched session.
func (s *ServerService) replaceSession(playerID string) (*models.SessionInfo, error) {
	seed, err := models.GenerateGameSeed()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.players[playerID]
	if state.CurrentSessionID != "" {
		s.anticheat.ClearSession(playerID, state.CurrentSessionID)
	}

	now := time.Now()
	state.ResetSession(models.GenerateSessionID(), seed, now)

	if err := s.persistLedger(context.Background()); err != nil {
		return nil, err
	}

	return &models.SessionInfo{
		SessionID:        state.CurrentSessionID,
		GameSeed:         state.CurrentGameSeed,
		StartedAt:        now,
		ExpiresAt:        now.Add(s.cfg.SessionDuration),
		RemainingSeconds: s.cfg.SessionDuration.Seconds(),
		WalletBalance:    state.WalletBalance,
	}, nil
}

// ValidateBatch recomputes every entry's reward from the authoritative
// table, rejects duplicates and impossible claims, and credits the wallet
// for whatever survives. Fully valid batches additionally face the
// anti-cheat engine, whose rejection overrides entry-level correctness.
func (s *ServerService) ValidateBatch(ctx context.Context, batch *models.RewardBatch) (*models.BatchValidationResponse, error) {
	if err := s.simulateNetwork(ctx); err != nil {
		if err == errTransient {
			return &models.BatchValidationResponse{
				BatchID:      batch.BatchID,
				IsRetryable:  true,
				ErrorMessage: "simulated network failure",
			}, nil
		}
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.players[batch.PlayerID]
	if !ok {
		return &models.BatchValidationResponse{
			BatchID:      batch.BatchID,
			ErrorMessage: "unknown player",
		}, nil
	}
	if len(batch.Entries) == 0 {
		return &models.BatchValidationResponse{
			BatchID:      batch.BatchID,
			ErrorMessage: "empty batch",
		}, nil
	}

	serverTotal := 0.0
	var invalid []int
	for i, entry := range batch.Entries {
		if entry.BallIndex < 0 || state.HasValidated(entry.BallIndex) {
			invalid = append(invalid, i)
			continue
		}
		if entry.BucketIndex < 0 || entry.BucketIndex >= entry.TotalBucketCount {
			invalid = append(invalid, i)
			continue
		}

		expected := s.table.Get(entry.Level).ExpectedReward(entry.BucketIndex, entry.TotalBucketCount)
		tolerance := expected * s.cfg.RewardTolerance
		if tolerance < s.cfg.MinRewardTolerance {
			tolerance = s.cfg.MinRewardTolerance
		}
		if math.Abs(entry.RewardAmount-expected) > tolerance {
			invalid = append(invalid, i)
			continue
		}

		state.MarkValidated(entry.BallIndex, s.cfg.MaxValidatedIndices)
		serverTotal += expected
	}

	if len(invalid) == len(batch.Entries) {
		return &models.BatchValidationResponse{
			BatchID:             batch.BatchID,
			NewWalletBalance:    state.WalletBalance,
			InvalidEntryIndices: invalid,
			ErrorMessage:        "all entries failed validation",
		}, nil
	}

	if len(invalid) == 0 {
		reject, reason := s.anticheat.ValidateBatch(batch.PlayerID, batch.SessionID, batch, time.Now())
		if reject {
			return &models.BatchValidationResponse{
				BatchID:          batch.BatchID,
				NewWalletBalance: state.WalletBalance,
				ErrorMessage:     reason,
			}, nil
		}
	}

	state.WalletBalance += serverTotal
	state.TotalEarned += serverTotal
	if err := s.persistLedger(ctx); err != nil {
		return nil, err
	}

	return &models.BatchValidationResponse{
		BatchID:                batch.BatchID,
		IsValid:                true,
		ServerCalculatedReward: serverTotal,
		NewWalletBalance:       state.WalletBalance,
		InvalidEntryIndices:    invalid,
	}, nil
}

func (s *ServerService) GetWalletBalance(ctx context.Context, playerID string) (float64, error) {
	if err := s.simulateNetwork(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.players[playerID]
	if !ok {
		return 0, fmt.Errorf("unknown player: %s", playerID)
	}
	return state.WalletBalance, nil
}

// ForceSyncWallet is the reconciliation accessor the client uses after a
// resume to correct optimistic drift.
func (s *ServerService) ForceSyncWallet(ctx context.Context, playerID string) (float64, error) {
	return s.GetWalletBalance(ctx, playerID)
}

// persistLedger writes the whole ledger as one JSON blob. Called on every
// balance-affecting mutation; caller holds the lock.
func (s *ServerService) persistLedger(ctx context.Context) error {
	list := make([]*models.ServerPlayerState, 0, len(s.players))
	for _, p := range s.players {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].PlayerID < list[j].PlayerID })

	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %v", err)
	}
	return s.store.Set(ctx, KeyPlayerLedger, string(data))
}

func (s *ServerService) loadLedger() error {
	data, err := s.store.Get(context.Background(), KeyPlayerLedger)
	if err == ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	var list []*models.ServerPlayerState
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return fmt.Errorf("failed to unmarshal ledger: %v", err)
	}

	for _, p := range list {
		s.players[p.PlayerID] = p
	}
	log.Printf("Loaded %d player ledger records", len(list))
	return nil
}
