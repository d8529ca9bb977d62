package models

type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusSending   BatchStatus = "sending"
	BatchStatusValidated BatchStatus = "validated"
	BatchStatusRejected  BatchStatus = "rejected"
	BatchStatusError     BatchStatus = "error"
)

// RewardEntry is one scoring event as reported by the client board.
// Immutable once created; BallIndex is the server's de-duplication key.
type RewardEntry struct {
	BallIndex        int64   `json:"ball_index"`
	BucketIndex      int     `json:"bucket_index"`
	TotalBucketCount int     `json:"total_bucket_count"`
	RewardAmount     float64 `json:"reward_amount"`
	Level            int     `json:"level"`
	DropPositionX    float64 `json:"drop_position_x"`
}

type RewardBatch struct {
	BatchID           string        `json:"batch_id"`
	PlayerID          string        `json:"player_id"`
	SessionID         string        `json:"session_id"`
	GameSeed          string        `json:"game_seed"`
	StartingBallIndex int64         `json:"starting_ball_index"`
	Entries           []RewardEntry `json:"entries"`
	TotalClientReward float64       `json:"total_client_reward"`
	Status            BatchStatus   `json:"status"`
	RetryCount        int           `json:"retry_count"`
}

func NewRewardBatch(playerID, sessionID, gameSeed string) *RewardBatch {
	return &RewardBatch{
		BatchID:   GenerateBatchID(),
		PlayerID:  playerID,
		SessionID: sessionID,
		GameSeed:  gameSeed,
		Status:    BatchStatusPending,
	}
}

// Append adds an entry and keeps the claimed total in sync.
func (b *RewardBatch) Append(entry RewardEntry) {
	if len(b.Entries) == 0 {
		b.StartingBallIndex = entry.BallIndex
	}
	b.Entries = append(b.Entries, entry)
	b.TotalClientReward += entry.RewardAmount
}

func (b *RewardBatch) Size() int {
	return len(b.Entries)
}

// BatchValidationResponse is the server's verdict on a submitted batch.
// When IsRetryable is true the failure was transient and no other field
// is authoritative.
type BatchValidationResponse struct {
	BatchID                string  `json:"batch_id"`
	IsValid                bool    `json:"is_valid"`
	IsRetryable            bool    `json:"is_retryable"`
	ServerCalculatedReward float64 `json:"server_calculated_reward"`
	NewWalletBalance       float64 `json:"new_wallet_balance"`
	ErrorMessage           string  `json:"error_message,omitempty"`
	InvalidEntryIndices    []int   `json:"invalid_entry_indices,omitempty"`
}
