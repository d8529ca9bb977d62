package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"plinko-rewards-backend/internal/models"
)

// BatchValidator is the server surface the pipeline depends on. It never
// sees the server's internals, only response objects.
type BatchValidator interface {
	ValidateBatch(ctx context.Context, batch *models.RewardBatch) (*models.BatchValidationResponse, error)
	ForceSyncWallet(ctx context.Context, playerID string) (float64, error)
}

// PipelineConfig tunes batching and retry behavior. Timeouts and intervals
// are in seconds of accumulated tick time, not wall clock.
type PipelineConfig struct {
	MaxBatchSize  int
	BatchTimeout  float64
	RetryInterval float64
	MaxRetries    int
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxBatchSize:  10,
		BatchTimeout:  5.0,
		RetryInterval: 3.0,
		MaxRetries:    3,
	}
}

// PipelineEvents are the pipeline's outbound notifications. All callbacks
// are optional and fire synchronously with the operation that produced them.
type PipelineEvents struct {
	RewardAdded     func(reward float64)
	WalletUpdated   func(optimisticBalance float64)
	BatchValidated  func(batch *models.RewardBatch, resp *models.BatchValidationResponse)
	BatchFailed     func(batch *models.RewardBatch, errorMessage string)
	EntriesRejected func(count int, amount float64)
}

// RewardBatchManager accumulates scoring events into batches, submits them
// to the authoritative server one at a time in FIFO order, and reconciles
// the optimistic client balance against the server's verdicts.
//
// Invariant after every operation: optimistic == verified + pending, where
// pending is the sum of claimed totals across the open batch, the queue,
// the in-flight batch and the failed list.
type RewardBatchManager struct {
	cfg    PipelineConfig
	server BatchValidator
	events PipelineEvents

	mu        sync.Mutex
	playerID  string
	sessionID string
	gameSeed  string

	current  *models.RewardBatch
	queue    []*models.RewardBatch
	failed   []*models.RewardBatch
	inflight *models.RewardBatch

	optimistic float64
	verified   float64
	pending    float64

	batchTimer float64
	retryTimer float64

	epoch         int
	sessCtx       context.Context
	cancelSession context.CancelFunc
}

func NewRewardBatchManager(server BatchValidator, cfg PipelineConfig, events PipelineEvents) *RewardBatchManager {
	return &RewardBatchManager{
		cfg:    cfg,
		server: server,
		events: events,
	}
}

// InitializeSession resets all pipeline state for a new session. Any
// in-flight server call from a previous session is cancelled and its result
// discarded.
func (m *RewardBatchManager) InitializeSession(playerID, sessionID, gameSeed string, currentBalance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelSession != nil {
		m.cancelSession()
	}
	m.sessCtx, m.cancelSession = context.WithCancel(context.Background())
	m.epoch++

	m.playerID = playerID
	m.sessionID = sessionID
	m.gameSeed = gameSeed

	m.current = models.NewRewardBatch(playerID, sessionID, gameSeed)
	m.queue = nil
	m.failed = nil
	m.inflight = nil

	m.optimistic = currentBalance
	m.verified = currentBalance
	m.pending = 0

	m.batchTimer = 0
	m.retryTimer = 0
}

// AddReward appends a scoring event to the open batch and optimistically
// credits the client balance. A full batch is enqueued for delivery and a
// fresh one opened.
func (m *RewardBatchManager) AddReward(ballIndex int64, bucketIndex, totalBucketCount int, reward float64, level int, dropPositionX float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		log.Printf("AddReward called before InitializeSession, dropping ball %d", ballIndex)
		return
	}

	m.current.Append(models.RewardEntry{
		BallIndex:        ballIndex,
		BucketIndex:      bucketIndex,
		TotalBucketCount: totalBucketCount,
		RewardAmount:     reward,
		Level:            level,
		DropPositionX:    dropPositionX,
	})

	m.optimistic += reward
	m.pending += reward
	if m.events.RewardAdded != nil {
		m.events.RewardAdded(reward)
	}
	m.notifyWallet()

	if m.current.Size() >= m.cfg.MaxBatchSize {
		m.enqueueCurrent()
	}
}

// Tick advances the batch-timeout and retry timers and drives delivery of
// queued batches. Call it once per frame with the elapsed seconds.
func (m *RewardBatchManager) Tick(deltaTime float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.Size() > 0 {
		m.batchTimer += deltaTime
		if m.batchTimer >= m.cfg.BatchTimeout {
			m.enqueueCurrent()
		}
	} else {
		m.batchTimer = 0
	}

	m.retryTimer += deltaTime
	if m.retryTimer >= m.cfg.RetryInterval {
		m.retryTimer = 0
		m.recycleFailed()
	}

	m.dispatch()
}

// Flush force-submits the open batch and drives the queue until every
// submitted batch has been resolved. Used at session-ending lifecycle
// points so no reward is lost before the run summary is finalized.
func (m *RewardBatchManager) Flush(ctx context.Context) error {
	m.mu.Lock()
	if m.current != nil && m.current.Size() > 0 {
		m.enqueueCurrent()
	}
	m.mu.Unlock()

	for {
		m.mu.Lock()
		done := len(m.queue) == 0 && m.inflight == nil
		if !done {
			m.dispatch()
		}
		m.mu.Unlock()

		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// ForceSyncWallet bypasses batching and adopts the server's authoritative
// balance, recomputing the optimistic balance on top of it.
func (m *RewardBatchManager) ForceSyncWallet(ctx context.Context) error {
	m.mu.Lock()
	playerID := m.playerID
	m.mu.Unlock()

	balance, err := m.server.ForceSyncWallet(ctx, playerID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.verified = balance
	m.optimistic = m.verified + m.pending
	m.notifyWallet()
	return nil
}

// Close cancels any in-flight server call. The manager must be
// re-initialized before further use.
func (m *RewardBatchManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelSession != nil {
		m.cancelSession()
	}
	m.epoch++
}

func (m *RewardBatchManager) OptimisticBalance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.optimistic
}

func (m *RewardBatchManager) VerifiedBalance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verified
}

func (m *RewardBatchManager) PendingRewards() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// enqueueCurrent moves the open batch to the delivery queue and opens a
// fresh one. Caller holds the lock.
func (m *RewardBatchManager) enqueueCurrent() {
	m.current.Status = models.BatchStatusPending
	m.queue = append(m.queue, m.current)
	m.current = models.NewRewardBatch(m.playerID, m.sessionID, m.gameSeed)
	m.batchTimer = 0
}

// dispatch starts validation of the next queued batch. One batch is in
// flight at a time: the server's duplicate detection depends on batches
// being applied in submission order. Caller holds the lock.
func (m *RewardBatchManager) dispatch() {
	if m.inflight != nil || len(m.queue) == 0 || m.sessCtx == nil {
		return
	}

	batch := m.queue[0]
	m.queue = m.queue[1:]
	batch.Status = models.BatchStatusSending
	m.inflight = batch

	go m.validate(m.sessCtx, m.epoch, batch)
}

func (m *RewardBatchManager) validate(ctx context.Context, epoch int, batch *models.RewardBatch) {
	resp, err := m.server.ValidateBatch(ctx, batch)

	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch {
		// Session was torn down while this call was in flight.
		return
	}
	m.inflight = nil

	switch {
	case err != nil:
		batch.Status = models.BatchStatusError
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			// Cancellation is not a rejection; it never consumes
			// retry budget.
			batch.RetryCount++
		}
		m.failed = append(m.failed, batch)

	case resp.IsRetryable:
		batch.Status = models.BatchStatusError
		batch.RetryCount++
		m.failed = append(m.failed, batch)

	case resp.IsValid:
		batch.Status = models.BatchStatusValidated
		m.verified = resp.NewWalletBalance

		rejectedCount := 0
		rejectedAmount := 0.0
		for _, idx := range resp.InvalidEntryIndices {
			if idx >= 0 && idx < len(batch.Entries) {
				rejectedCount++
				rejectedAmount += batch.Entries[idx].RewardAmount
			}
		}

		m.recomputePending()
		m.optimistic = m.verified + m.pending
		m.notifyWallet()
		if rejectedCount > 0 {
			m.notifyEntriesRejected(rejectedCount, rejectedAmount)
		}
		if m.events.BatchValidated != nil {
			m.events.BatchValidated(batch, resp)
		}

	default:
		batch.Status = models.BatchStatusRejected
		if resp.NewWalletBalance > 0 {
			m.verified = resp.NewWalletBalance
		}
		m.recomputePending()
		m.optimistic = m.verified + m.pending
		m.notifyWallet()
		if m.events.BatchFailed != nil {
			m.events.BatchFailed(batch, resp.ErrorMessage)
		}
	}

	m.dispatch()
}

// recycleFailed moves retryable batches back to the delivery queue and
// permanently writes off any batch that has exhausted its retry budget.
// Survivors are re-queued before anything is written off: the write-off
// recomputation must still see their claimed totals. Caller holds the lock.
func (m *RewardBatchManager) recycleFailed() {
	var exhausted []*models.RewardBatch
	for _, batch := range m.failed {
		if batch.RetryCount >= m.cfg.MaxRetries {
			exhausted = append(exhausted, batch)
			continue
		}
		batch.Status = models.BatchStatusPending
		m.queue = append(m.queue, batch)
	}
	m.failed = nil

	for _, batch := range exhausted {
		m.writeOff(batch)
	}
}

// writeOff reports a batch that never made it through as a permanent loss.
// The batch is in no list at this point, so the canonical recomputation
// drops its claimed total. Caller holds the lock.
func (m *RewardBatchManager) writeOff(batch *models.RewardBatch) {
	batch.Status = models.BatchStatusRejected

	m.recomputePending()
	m.optimistic = m.verified + m.pending
	m.notifyWallet()
	m.notifyEntriesRejected(batch.Size(), batch.TotalClientReward)
	if m.events.BatchFailed != nil {
		m.events.BatchFailed(batch, "retry limit exceeded")
	}
	log.Printf("Batch %s written off after %d retries (%.2f lost)",
		batch.BatchID, batch.RetryCount, batch.TotalClientReward)
}

// recomputePending is the canonical recomputation: the sum of claimed
// totals over every unresolved batch. Never maintained by incremental
// subtraction, which drifts. Caller holds the lock.
func (m *RewardBatchManager) recomputePending() {
	total := 0.0
	if m.current != nil {
		total += m.current.TotalClientReward
	}
	for _, b := range m.queue {
		total += b.TotalClientReward
	}
	for _, b := range m.failed {
		total += b.TotalClientReward
	}
	if m.inflight != nil {
		total += m.inflight.TotalClientReward
	}
	m.pending = total
}

func (m *RewardBatchManager) notifyWallet() {
	if m.events.WalletUpdated != nil {
		m.events.WalletUpdated(m.optimistic)
	}
}

func (m *RewardBatchManager) notifyEntriesRejected(count int, amount float64) {
	if m.events.EntriesRejected != nil {
		m.events.EntriesRejected(count, amount)
	}
}
