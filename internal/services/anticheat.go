package services

import (
	"fmt"
	"sync"
	"time"

	"plinko-rewards-backend/internal/levels"
	"plinko-rewards-backend/internal/models"
)

// AntiCheatValidator classifies reward entries and batches as plausible or
// suspicious. It keeps per-(player,session) statistics and compares the
// rolling window against an expected-value baseline derived from the reward
// table's binomial landing distribution.
type AntiCheatValidator struct {
	cfg   models.AntiCheatConfig
	table *levels.Table

	mu        sync.Mutex
	stats     map[string]*models.PlayerAntiCheatStats
	baselines map[baselineKey]baseline
}

type baselineKey struct {
	level       int
	bucketCount int
}

type baseline struct {
	avgReward     float64
	highValueRate float64
}

func NewAntiCheatValidator(cfg models.AntiCheatConfig, table *levels.Table) *AntiCheatValidator {
	return &AntiCheatValidator{
		cfg:       cfg,
		table:     table,
		stats:     make(map[string]*models.PlayerAntiCheatStats),
		baselines: make(map[baselineKey]baseline),
	}
}

func statsKey(playerID, sessionID string) string {
	return playerID + ":" + sessionID
}

func (v *AntiCheatValidator) statsFor(playerID, sessionID string) *models.PlayerAntiCheatStats {
	key := statsKey(playerID, sessionID)
	s, ok := v.stats[key]
	if !ok {
		s = models.NewPlayerAntiCheatStats(v.cfg.SampleSize)
		v.stats[key] = s
	}
	return s
}

// ValidateBatch records every entry of a fully math-valid batch, runs the
// rolling analysis once, and returns the batch-level verdict. A batch is
// rejected when the session has accumulated enough suspicion flags, or when
// every one of at least 3 entries is individually implausible.
func (v *AntiCheatValidator) ValidateBatch(playerID, sessionID string, batch *models.RewardBatch, now time.Time) (bool, string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	stats := v.statsFor(playerID, sessionID)

	allImplausible := len(batch.Entries) > 0
	for _, entry := range batch.Entries {
		plausible := v.isPlausible(stats, entry)
		if plausible {
			allImplausible = false
		}

		lvl := v.table.Get(entry.Level)
		stats.Record(entry.BucketIndex, models.BallOutcome{
			Reward:    entry.RewardAmount,
			HighValue: lvl.BaseReward(entry.BucketIndex, entry.TotalBucketCount) >= v.cfg.HighValueFloor,
			Plausible: plausible,
			At:        now,
		})
	}

	if len(batch.Entries) > 0 {
		last := batch.Entries[len(batch.Entries)-1]
		v.analyze(stats, last.Level, last.TotalBucketCount, now)
	}

	if stats.SuspiciousFlags >= v.cfg.SuspiciousFlagLimit {
		return true, fmt.Sprintf("session flagged suspicious (%d flags)", stats.SuspiciousFlags)
	}
	if allImplausible && len(batch.Entries) >= 3 {
		return true, "all entries implausible for their drop positions"
	}
	return false, ""
}

// isPlausible checks the landed bucket against the geometric window for the
// entry's drop position. The first GracePeriod entries of a session always
// pass: no baseline exists yet and punishing early luck causes false
// positives.
func (v *AntiCheatValidator) isPlausible(stats *models.PlayerAntiCheatStats, entry models.RewardEntry) bool {
	if stats.TotalBallsValidated < v.cfg.GracePeriod {
		return true
	}

	lo, hi := v.cfg.AllowedBucketRange(entry.DropPositionX, entry.TotalBucketCount)
	return entry.BucketIndex >= lo && entry.BucketIndex <= hi
}

// analyze runs once per validated batch. Every firing check adds one unit to
// the session's cumulative suspicion counter; the counter never decays.
func (v *AntiCheatValidator) analyze(stats *models.PlayerAntiCheatStats, level, bucketCount int, now time.Time) {
	base := v.baselineFor(level, bucketCount)

	// The ratio checks compare a rolling window against the baseline and
	// only make sense on a full window.
	if stats.WindowFull() {
		if base.avgReward > 0 && stats.RecentAverageReward() > base.avgReward*v.cfg.AvgRewardRatio {
			stats.SuspiciousFlags++
		}
		if base.highValueRate > 0 && stats.RecentHighValueRate() > base.highValueRate*v.cfg.HighValueHitRatio {
			stats.SuspiciousFlags++
		}
	}

	if stats.ImplausibleOutcomes >= v.cfg.MinImplausible && stats.ImplausibleRate() > v.cfg.MaxImplausibleRate {
		stats.SuspiciousFlags++
	}

	if stats.BallsInLastMinute(now) > v.cfg.MaxBallsPerMinute {
		stats.SuspiciousFlags++
	}
}

func (v *AntiCheatValidator) baselineFor(level, bucketCount int) baseline {
	key := baselineKey{level: level, bucketCount: bucketCount}
	if b, ok := v.baselines[key]; ok {
		return b
	}

	b := v.computeBaseline(level, bucketCount)
	v.baselines[key] = b
	return b
}

// computeBaseline treats the landing bucket as a Binomial(n, 0.5) outcome
// over n = bucketCount-1 peg rows, mirroring a physical Galton board.
func (v *AntiCheatValidator) computeBaseline(level, bucketCount int) baseline {
	if bucketCount < 2 {
		return baseline{}
	}

	lvl := v.table.Get(level)
	probs := binomialProbabilities(bucketCount - 1)

	var b baseline
	for k, p := range probs {
		b.avgReward += p * lvl.ExpectedReward(k, bucketCount)
		if lvl.BaseReward(k, bucketCount) >= v.cfg.HighValueFloor {
			b.highValueRate += p
		}
	}
	return b
}

// binomialProbabilities returns P(X = k) for X ~ Binomial(n, 0.5),
// computed iteratively: C(n,k+1) = C(n,k) * (n-k)/(k+1).
func binomialProbabilities(n int) []float64 {
	probs := make([]float64, n+1)
	p := 1.0
	for i := 0; i < n; i++ {
		p *= 0.5
	}
	for k := 0; k <= n; k++ {
		probs[k] = p
		p = p * float64(n-k) / float64(k+1)
	}
	return probs
}

// ExpectedAverageReward exposes the baseline for reporting and tests.
func (v *AntiCheatValidator) ExpectedAverageReward(level, bucketCount int) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.baselineFor(level, bucketCount).avgReward
}

// ExpectedHighValueRate exposes the baseline for reporting and tests.
func (v *AntiCheatValidator) ExpectedHighValueRate(level, bucketCount int) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.baselineFor(level, bucketCount).highValueRate
}

// Report returns a snapshot of a session's stats for ops visibility.
func (v *AntiCheatValidator) Report(playerID, sessionID string) (*models.PlayerAntiCheatStats, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, ok := v.stats[statsKey(playerID, sessionID)]
	if !ok {
		return nil, false
	}

	snapshot := *s
	snapshot.Recent = append([]models.BallOutcome(nil), s.Recent...)
	snapshot.BucketHits = make(map[int]int, len(s.BucketHits))
	for k, n := range s.BucketHits {
		snapshot.BucketHits[k] = n
	}
	return &snapshot, true
}

// ClearSession drops a session's stats map entry.
func (v *AntiCheatValidator) ClearSession(playerID, sessionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.stats, statsKey(playerID, sessionID))
}
