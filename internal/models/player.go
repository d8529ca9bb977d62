package models

import "time"

// ServerPlayerState is the authoritative per-player ledger record.
// The validated-index set is runtime-only and intentionally excluded
// from the persisted layout.
type ServerPlayerState struct {
	PlayerID         string    `json:"player_id"`
	WalletBalance    float64   `json:"wallet_balance"`
	TotalEarned      float64   `json:"total_earned"`
	CurrentSessionID string    `json:"session_id"`
	CurrentGameSeed  string    `json:"game_seed"`
	SessionStartTime time.Time `json:"session_start_time"`
	SessionBallIndex int64     `json:"session_ball_index"`

	validated map[int64]struct{}
}

func (p *ServerPlayerState) HasValidated(ballIndex int64) bool {
	_, ok := p.validated[ballIndex]
	return ok
}

// MarkValidated records a credited ball index. The set is bounded: once it
// holds maxEntries indices it is cleared wholesale before the new index is
// added. That reopens a narrow replay window for very old indices, which is
// an accepted memory/correctness trade-off.
func (p *ServerPlayerState) MarkValidated(ballIndex int64, maxEntries int) {
	if p.validated == nil {
		p.validated = make(map[int64]struct{})
	}
	if maxEntries > 0 && len(p.validated) >= maxEntries {
		p.validated = make(map[int64]struct{})
	}
	p.validated[ballIndex] = struct{}{}
	if ballIndex > p.SessionBallIndex {
		p.SessionBallIndex = ballIndex
	}
}

// ResetSession rebinds the ledger to a fresh session and drops the
// duplicate-detection set.
func (p *ServerPlayerState) ResetSession(sessionID, gameSeed string, startedAt time.Time) {
	p.CurrentSessionID = sessionID
	p.CurrentGameSeed = gameSeed
	p.SessionStartTime = startedAt
	p.SessionBallIndex = 0
	p.validated = make(map[int64]struct{})
}

// SessionInfo is what the server hands back on session start/sync.
type SessionInfo struct {
	SessionID        string    `json:"session_id"`
	GameSeed         string    `json:"game_seed"`
	StartedAt        time.Time `json:"started_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds float64   `json:"remaining_seconds"`
	WalletBalance    float64   `json:"wallet_balance"`
	Resumed          bool      `json:"resumed"`
}

// SessionBookmark is the client-side blob used to restore an in-progress
// session after a process restart.
type SessionBookmark struct {
	SessionStartTimeTicks int64  `json:"session_start_time_ticks"`
	SessionID             string `json:"session_id"`
}

// RunSummary mirrors pipeline state for UI/reporting. It is fed from the
// pipeline's notifications, never by the pipeline internals directly.
type RunSummary struct {
	PointsEarned   float64 `json:"points_earned"`
	PointsVerified float64 `json:"points_verified"`
	PointsPending  float64 `json:"points_pending"`
	PointsRejected float64 `json:"points_rejected"`
	BallsDropped   int     `json:"balls_dropped"`
	BallsRejected  int     `json:"balls_rejected"`
}

func (r *RunSummary) RecordDrop(reward float64) {
	r.BallsDropped++
	r.PointsEarned += reward
	r.PointsPending += reward
}

func (r *RunSummary) RecordVerified(reward float64) {
	r.PointsVerified += reward
	r.PointsPending -= reward
	if r.PointsPending < 0 {
		r.PointsPending = 0
	}
}

func (r *RunSummary) RecordRejected(count int, amount float64) {
	r.BallsRejected += count
	r.PointsRejected += amount
	r.PointsPending -= amount
	if r.PointsPending < 0 {
		r.PointsPending = 0
	}
}
