package services

import "plinko-rewards-backend/internal/models"

// Broadcaster pushes pipeline notifications to connected UI clients.
type Broadcaster interface {
	BroadcastWalletUpdate(playerID string, optimisticBalance float64)
	BroadcastBatchValidated(playerID, batchID string, serverReward, newBalance float64)
	BroadcastBatchFailed(playerID, batchID, errorMessage string)
	BroadcastEntriesRejected(playerID string, count int, amount float64)
}

// PipelineEventsFor wires the pipeline's notifications to a broadcaster and
// a run summary. Either target may be nil.
func PipelineEventsFor(playerID string, b Broadcaster, summary *models.RunSummary) PipelineEvents {
	return PipelineEvents{
		RewardAdded: func(reward float64) {
			if summary != nil {
				summary.RecordDrop(reward)
			}
		},
		WalletUpdated: func(optimistic float64) {
			if b != nil {
				b.BroadcastWalletUpdate(playerID, optimistic)
			}
		},
		BatchValidated: func(batch *models.RewardBatch, resp *models.BatchValidationResponse) {
			if summary != nil {
				summary.RecordVerified(resp.ServerCalculatedReward)
			}
			if b != nil {
				b.BroadcastBatchValidated(playerID, batch.BatchID, resp.ServerCalculatedReward, resp.NewWalletBalance)
			}
		},
		BatchFailed: func(batch *models.RewardBatch, errorMessage string) {
			if b != nil {
				b.BroadcastBatchFailed(playerID, batch.BatchID, errorMessage)
			}
		},
		EntriesRejected: func(count int, amount float64) {
			if summary != nil {
				summary.RecordRejected(count, amount)
			}
			if b != nil {
				b.BroadcastEntriesRejected(playerID, count, amount)
			}
		},
	}
}
