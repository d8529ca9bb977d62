package services

import (
	"context"
	"math"
	"sync"
	"testing"

	"plinko-rewards-backend/internal/models"
)

// fakeServer is a scripted BatchValidator. The handler runs under the fake's
// lock and receives the 1-based call number.
type fakeServer struct {
	mu      sync.Mutex
	calls   int
	balance float64
	handle  func(call int, batch *models.RewardBatch) (*models.BatchValidationResponse, error)
}

func (f *fakeServer) ValidateBatch(ctx context.Context, batch *models.RewardBatch) (*models.BatchValidationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.handle(f.calls, batch)
}

func (f *fakeServer) ForceSyncWallet(ctx context.Context, playerID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeServer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// accept credits the full claimed total, mirroring a clean server validation.
func (f *fakeServer) accept(batch *models.RewardBatch) (*models.BatchValidationResponse, error) {
	f.balance += batch.TotalClientReward
	return &models.BatchValidationResponse{
		BatchID:                batch.BatchID,
		IsValid:                true,
		ServerCalculatedReward: batch.TotalClientReward,
		NewWalletBalance:       f.balance,
	}, nil
}

type eventRecorder struct {
	mu             sync.Mutex
	walletUpdates  int
	validated      int
	failures       []string
	rejectedCount  int
	rejectedAmount float64
}

func (r *eventRecorder) events() PipelineEvents {
	return PipelineEvents{
		WalletUpdated: func(float64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.walletUpdates++
		},
		BatchValidated: func(*models.RewardBatch, *models.BatchValidationResponse) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.validated++
		},
		BatchFailed: func(_ *models.RewardBatch, msg string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failures = append(r.failures, msg)
		},
		EntriesRejected: func(count int, amount float64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.rejectedCount += count
			r.rejectedAmount += amount
		},
	}
}

func testPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxBatchSize:  2,
		BatchTimeout:  5.0,
		RetryInterval: 3.0,
		MaxRetries:    3,
	}
}

// checkBalances asserts the core accounting identity: the optimistic balance
// always equals the verified balance plus unresolved pending rewards.
func checkBalances(t *testing.T, m *RewardBatchManager) {
	t.Helper()
	o, v, p := m.OptimisticBalance(), m.VerifiedBalance(), m.PendingRewards()
	if math.Abs(o-(v+p)) > 1e-9 {
		t.Errorf("Balance identity broken: optimistic=%.2f verified=%.2f pending=%.2f", o, v, p)
	}
}

func addBall(m *RewardBatchManager, ballIndex int64, reward float64) {
	m.AddReward(ballIndex, 3, 13, reward, 0, -2.5)
}

func TestAddRewardOptimisticCredit(t *testing.T) {
	fake := &fakeServer{balance: 100}
	fake.handle = func(_ int, b *models.RewardBatch) (*models.BatchValidationResponse, error) { return fake.accept(b) }

	m := NewRewardBatchManager(fake, testPipelineConfig(), PipelineEvents{})
	m.InitializeSession("player-1", "session-1", "seed", 100)
	addBall(m, 0, 10)

	if got := m.OptimisticBalance(); got != 110 {
		t.Errorf("Expected optimistic 110, got %.2f", got)
	}
	if got := m.VerifiedBalance(); got != 100 {
		t.Errorf("Expected verified 100, got %.2f", got)
	}
	if got := m.PendingRewards(); got != 10 {
		t.Errorf("Expected pending 10, got %.2f", got)
	}
	checkBalances(t, m)
}

func TestFullBatchDelivered(t *testing.T) {
	fake := &fakeServer{balance: 100}
	fake.handle = func(_ int, b *models.RewardBatch) (*models.BatchValidationResponse, error) { return fake.accept(b) }

	rec := &eventRecorder{}
	m := NewRewardBatchManager(fake, testPipelineConfig(), rec.events())
	m.InitializeSession("player-1", "session-1", "seed", 100)
	addBall(m, 0, 10)
	addBall(m, 1, 10)

	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if got := m.VerifiedBalance(); got != 120 {
		t.Errorf("Expected verified 120, got %.2f", got)
	}
	if got := m.PendingRewards(); got != 0 {
		t.Errorf("Expected no pending rewards, got %.2f", got)
	}
	if fake.callCount() != 1 {
		t.Errorf("Expected one server call, got %d", fake.callCount())
	}
	if rec.validated != 1 {
		t.Errorf("Expected one validated event, got %d", rec.validated)
	}
	checkBalances(t, m)
}

func TestBatchTimeoutDelivery(t *testing.T) {
	fake := &fakeServer{balance: 0}
	fake.handle = func(_ int, b *models.RewardBatch) (*models.BatchValidationResponse, error) { return fake.accept(b) }

	m := NewRewardBatchManager(fake, testPipelineConfig(), PipelineEvents{})
	m.InitializeSession("player-1", "session-1", "seed", 0)
	addBall(m, 0, 10)

	m.Tick(4.9)
	if fake.callCount() != 0 {
		t.Fatal("Batch delivered before the timeout elapsed")
	}

	m.Tick(0.2)
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if got := m.VerifiedBalance(); got != 10 {
		t.Errorf("Expected verified 10 after timeout delivery, got %.2f", got)
	}
	checkBalances(t, m)
}

func TestBatchesDeliveredInOrder(t *testing.T) {
	var order []int64
	fake := &fakeServer{}
	fake.handle = func(_ int, b *models.RewardBatch) (*models.BatchValidationResponse, error) {
		order = append(order, b.StartingBallIndex)
		return fake.accept(b)
	}

	m := NewRewardBatchManager(fake, testPipelineConfig(), PipelineEvents{})
	m.InitializeSession("player-1", "session-1", "seed", 0)
	for i := int64(0); i < 4; i++ {
		addBall(m, i, 10)
	}

	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(order) != 2 || order[0] != 0 || order[1] != 2 {
		t.Errorf("Expected batches starting at balls [0 2], got %v", order)
	}
	checkBalances(t, m)
}

func TestTransientFailureRetries(t *testing.T) {
	fake := &fakeServer{balance: 100}
	fake.handle = func(call int, b *models.RewardBatch) (*models.BatchValidationResponse, error) {
		if call == 1 {
			return &models.BatchValidationResponse{BatchID: b.BatchID, IsRetryable: true, ErrorMessage: "simulated network failure"}, nil
		}
		return fake.accept(b)
	}

	m := NewRewardBatchManager(fake, testPipelineConfig(), PipelineEvents{})
	m.InitializeSession("player-1", "session-1", "seed", 100)
	addBall(m, 0, 10)

	m.Tick(5.0)
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// The failed batch still counts as pending; nothing was lost.
	if got := m.PendingRewards(); got != 10 {
		t.Errorf("Expected pending 10 while awaiting retry, got %.2f", got)
	}
	checkBalances(t, m)

	m.Tick(3.0)
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if got := m.VerifiedBalance(); got != 110 {
		t.Errorf("Expected verified 110 after retry, got %.2f", got)
	}
	if got := m.PendingRewards(); got != 0 {
		t.Errorf("Expected no pending after retry, got %.2f", got)
	}
	if fake.callCount() != 2 {
		t.Errorf("Expected 2 server calls, got %d", fake.callCount())
	}
	checkBalances(t, m)
}

func TestRetryExhaustionWritesOffOnce(t *testing.T) {
	fake := &fakeServer{}
	fake.handle = func(_ int, b *models.RewardBatch) (*models.BatchValidationResponse, error) {
		return &models.BatchValidationResponse{BatchID: b.BatchID, IsRetryable: true, ErrorMessage: "simulated network failure"}, nil
	}

	rec := &eventRecorder{}
	m := NewRewardBatchManager(fake, testPipelineConfig(), rec.events())
	m.InitializeSession("player-1", "session-1", "seed", 100)
	addBall(m, 0, 10)

	m.Tick(5.0)
	for i := 0; i < 4; i++ {
		if err := m.Flush(context.Background()); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		m.Tick(3.0)
	}
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if fake.callCount() != 3 {
		t.Errorf("Expected exactly 3 delivery attempts, got %d", fake.callCount())
	}
	if got := m.PendingRewards(); got != 0 {
		t.Errorf("Expected written-off batch removed from pending, got %.2f", got)
	}
	if got := m.OptimisticBalance(); got != 100 {
		t.Errorf("Expected optimistic back at 100 after write-off, got %.2f", got)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.failures) != 1 || rec.failures[0] != "retry limit exceeded" {
		t.Errorf("Expected a single retry-limit failure, got %v", rec.failures)
	}
	if rec.rejectedCount != 1 || rec.rejectedAmount != 10 {
		t.Errorf("Expected 1 rejected ball worth 10, got %d worth %.2f", rec.rejectedCount, rec.rejectedAmount)
	}
	checkBalances(t, m)
}

func TestWriteOffKeepsSurvivingFailedBatches(t *testing.T) {
	// Batch A exhausts its retry budget while batch B, behind it in the
	// failed list, is still awaiting retry. Writing off A must not drop
	// B's claimed total from pending.
	fake := &fakeServer{}
	fake.handle = func(call int, b *models.RewardBatch) (*models.BatchValidationResponse, error) {
		switch call {
		case 1: // batch A
			return &models.BatchValidationResponse{BatchID: b.BatchID, IsRetryable: true, ErrorMessage: "simulated network failure"}, nil
		case 2: // batch B, cancelled so its retry budget stays intact
			return nil, context.Canceled
		default: // batch B retried
			return &models.BatchValidationResponse{BatchID: b.BatchID, IsRetryable: true, ErrorMessage: "simulated network failure"}, nil
		}
	}

	cfg := testPipelineConfig()
	cfg.MaxBatchSize = 1
	cfg.MaxRetries = 1

	rec := &eventRecorder{}
	m := NewRewardBatchManager(fake, cfg, rec.events())
	m.InitializeSession("player-1", "session-1", "seed", 100)
	addBall(m, 0, 10) // batch A
	addBall(m, 1, 20) // batch B

	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := m.PendingRewards(); got != 30 {
		t.Fatalf("Expected both failed batches pending, got %.2f", got)
	}

	// One retry cycle: A (retryCount 1) is written off, B survives.
	m.Tick(3.0)
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if got := m.PendingRewards(); got != 20 {
		t.Errorf("Expected pending 20 for the surviving batch, got %.2f", got)
	}
	if got := m.OptimisticBalance(); got != 120 {
		t.Errorf("Expected optimistic 120 (verified 100 + surviving 20), got %.2f", got)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.failures) != 1 || rec.failures[0] != "retry limit exceeded" {
		t.Errorf("Expected only batch A written off, got %v", rec.failures)
	}
	if rec.rejectedCount != 1 || rec.rejectedAmount != 10 {
		t.Errorf("Expected 1 rejected ball worth 10, got %d worth %.2f", rec.rejectedCount, rec.rejectedAmount)
	}
	checkBalances(t, m)
}

func TestCancellationDoesNotConsumeRetries(t *testing.T) {
	fake := &fakeServer{balance: 100}
	fake.handle = func(call int, b *models.RewardBatch) (*models.BatchValidationResponse, error) {
		// Three cancellations in a row, then success. A transient
		// failure streak of this length would exhaust the retry budget.
		if call <= 3 {
			return nil, context.Canceled
		}
		return fake.accept(b)
	}

	m := NewRewardBatchManager(fake, testPipelineConfig(), PipelineEvents{})
	m.InitializeSession("player-1", "session-1", "seed", 100)
	addBall(m, 0, 10)

	m.Tick(5.0)
	for i := 0; i < 4; i++ {
		if err := m.Flush(context.Background()); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		m.Tick(3.0)
	}
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if fake.callCount() != 4 {
		t.Errorf("Expected 4 delivery attempts, got %d", fake.callCount())
	}
	if got := m.VerifiedBalance(); got != 110 {
		t.Errorf("Expected the batch to survive cancellations and land, got verified %.2f", got)
	}
	if got := m.PendingRewards(); got != 0 {
		t.Errorf("Expected no pending after delivery, got %.2f", got)
	}
	checkBalances(t, m)
}

func TestPartialRejectionReconciles(t *testing.T) {
	fake := &fakeServer{balance: 100}
	fake.handle = func(_ int, b *models.RewardBatch) (*models.BatchValidationResponse, error) {
		// Entry 1 carries an inflated claim; only entry 0 is credited.
		fake.balance += b.Entries[0].RewardAmount
		return &models.BatchValidationResponse{
			BatchID:                b.BatchID,
			IsValid:                true,
			ServerCalculatedReward: b.Entries[0].RewardAmount,
			NewWalletBalance:       fake.balance,
			InvalidEntryIndices:    []int{1},
		}, nil
	}

	rec := &eventRecorder{}
	m := NewRewardBatchManager(fake, testPipelineConfig(), rec.events())
	m.InitializeSession("player-1", "session-1", "seed", 100)
	addBall(m, 0, 10)
	addBall(m, 1, 500)

	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if got := m.VerifiedBalance(); got != 110 {
		t.Errorf("Expected verified 110, got %.2f", got)
	}
	if got := m.OptimisticBalance(); got != 110 {
		t.Errorf("Expected the inflated claim clawed back, got optimistic %.2f", got)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.rejectedCount != 1 || rec.rejectedAmount != 500 {
		t.Errorf("Expected 1 rejected ball worth 500, got %d worth %.2f", rec.rejectedCount, rec.rejectedAmount)
	}
	checkBalances(t, m)
}

func TestConclusiveRejectionRemovesPending(t *testing.T) {
	fake := &fakeServer{balance: 100}
	fake.handle = func(_ int, b *models.RewardBatch) (*models.BatchValidationResponse, error) {
		return &models.BatchValidationResponse{
			BatchID:          b.BatchID,
			NewWalletBalance: fake.balance,
			ErrorMessage:     "all entries failed validation",
		}, nil
	}

	rec := &eventRecorder{}
	m := NewRewardBatchManager(fake, testPipelineConfig(), rec.events())
	m.InitializeSession("player-1", "session-1", "seed", 100)
	addBall(m, 0, 10)
	addBall(m, 1, 10)

	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if got := m.OptimisticBalance(); got != 100 {
		t.Errorf("Expected optimistic back at 100 after rejection, got %.2f", got)
	}
	if got := m.PendingRewards(); got != 0 {
		t.Errorf("Expected no pending after rejection, got %.2f", got)
	}
	if fake.callCount() != 1 {
		t.Errorf("Conclusive rejections must not be retried, got %d calls", fake.callCount())
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.failures) != 1 {
		t.Errorf("Expected one failure event, got %v", rec.failures)
	}
	checkBalances(t, m)
}

func TestForceSyncWalletAdoptsServerBalance(t *testing.T) {
	fake := &fakeServer{balance: 777}
	fake.handle = func(_ int, b *models.RewardBatch) (*models.BatchValidationResponse, error) { return fake.accept(b) }

	m := NewRewardBatchManager(fake, testPipelineConfig(), PipelineEvents{})
	m.InitializeSession("player-1", "session-1", "seed", 100)
	addBall(m, 0, 10)

	if err := m.ForceSyncWallet(context.Background()); err != nil {
		t.Fatalf("ForceSyncWallet failed: %v", err)
	}

	if got := m.VerifiedBalance(); got != 777 {
		t.Errorf("Expected verified 777, got %.2f", got)
	}
	if got := m.OptimisticBalance(); got != 787 {
		t.Errorf("Expected optimistic 787 (777 + pending 10), got %.2f", got)
	}
	checkBalances(t, m)
}

func TestInitializeSessionResetsState(t *testing.T) {
	fake := &fakeServer{}
	fake.handle = func(_ int, b *models.RewardBatch) (*models.BatchValidationResponse, error) { return fake.accept(b) }

	m := NewRewardBatchManager(fake, testPipelineConfig(), PipelineEvents{})
	m.InitializeSession("player-1", "session-1", "seed", 100)
	addBall(m, 0, 10)
	addBall(m, 1, 10)
	addBall(m, 2, 10)

	m.InitializeSession("player-1", "session-2", "seed-2", 5)

	if got := m.OptimisticBalance(); got != 5 {
		t.Errorf("Expected optimistic 5 after re-init, got %.2f", got)
	}
	if got := m.PendingRewards(); got != 0 {
		t.Errorf("Expected no pending after re-init, got %.2f", got)
	}
	checkBalances(t, m)
}
