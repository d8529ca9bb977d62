package models

import (
	"math"
	"time"
)

// AntiCheatConfig holds the tunable policy inputs for plausibility and
// statistical anomaly detection. All values are server-controlled.
type AntiCheatConfig struct {
	// Geometric plausibility
	DeviationMultiplier float64 // allowed window = bucketCount * multiplier
	GracePeriod         int     // first N entries per session auto-pass
	SpawnLeftX          float64 // left bound of the drop region
	SpawnRightX         float64 // right bound of the drop region

	// Rolling statistics
	SampleSize         int     // rolling window capacity; ratio flags need a full window
	AvgRewardRatio     float64 // recent avg vs expected avg
	HighValueHitRatio  float64 // recent high-value rate vs expected rate
	HighValueFloor     float64 // base reward at or above this counts as high-value
	MinImplausible     int     // implausible outcomes before the rate flag can fire
	MaxImplausibleRate float64 // implausible outcomes / validated balls ceiling
	MaxBallsPerMinute  int     // 60-second sliding window rate limit

	// Suspicion
	SuspiciousFlagLimit int // cumulative flags before a session is rejected
}

func DefaultAntiCheatConfig() AntiCheatConfig {
	return AntiCheatConfig{
		DeviationMultiplier: 0.4,
		GracePeriod:         10,
		SpawnLeftX:          -5.0,
		SpawnRightX:         5.0,
		SampleSize:          100,
		AvgRewardRatio:      2.5,
		HighValueHitRatio:   3.0,
		HighValueFloor:      50,
		MinImplausible:      5,
		MaxImplausibleRate:  0.3,
		MaxBallsPerMinute:   120,
		SuspiciousFlagLimit: 20,
	}
}

// AllowedBucketRange maps a drop position to the window of buckets the ball
// could plausibly land in. The drop position is normalized over the spawn
// region, projected linearly onto the bucket row, and widened by
// bucketCount * DeviationMultiplier buckets on each side to tolerate peg
// bounces.
func (c AntiCheatConfig) AllowedBucketRange(dropX float64, bucketCount int) (int, int) {
	if bucketCount <= 1 {
		return 0, 0
	}

	span := c.SpawnRightX - c.SpawnLeftX
	normalized := 0.5
	if span > 0 {
		normalized = (dropX - c.SpawnLeftX) / span
	}
	if normalized < 0 {
		normalized = 0
	}
	if normalized > 1 {
		normalized = 1
	}

	expected := int(math.Round(normalized * float64(bucketCount-1)))
	window := int(math.Round(float64(bucketCount) * c.DeviationMultiplier))

	return expected - window, expected + window
}

// BallOutcome is one validated ball as seen by the anti-cheat engine.
type BallOutcome struct {
	Reward    float64
	HighValue bool
	Plausible bool
	At        time.Time
}

// PlayerAntiCheatStats accumulates per-(player,session) statistics.
// Counters are cumulative for the session; the recent window is a bounded
// FIFO used for burst detection. Not persisted across restarts.
type PlayerAntiCheatStats struct {
	TotalBallsValidated int
	TotalRewardsEarned  float64
	HighValueHits       int
	ImplausibleOutcomes int
	SuspiciousFlags     int

	Recent     []BallOutcome
	BucketHits map[int]int

	recentCap  int
	timestamps []time.Time
}

func NewPlayerAntiCheatStats(sampleSize int) *PlayerAntiCheatStats {
	if sampleSize < 1 {
		sampleSize = 1
	}
	return &PlayerAntiCheatStats{
		Recent:     make([]BallOutcome, 0, sampleSize),
		BucketHits: make(map[int]int),
		recentCap:  sampleSize,
	}
}

// Record folds one outcome into the counters, the rolling window, the
// bucket histogram and the rate-limit window.
func (s *PlayerAntiCheatStats) Record(bucketIndex int, outcome BallOutcome) {
	s.TotalBallsValidated++
	s.TotalRewardsEarned += outcome.Reward
	if outcome.HighValue {
		s.HighValueHits++
	}
	if !outcome.Plausible {
		s.ImplausibleOutcomes++
	}

	s.Recent = append(s.Recent, outcome)
	if len(s.Recent) > s.recentCap {
		s.Recent = s.Recent[1:]
	}

	s.BucketHits[bucketIndex]++
	s.timestamps = append(s.timestamps, outcome.At)
}

func (s *PlayerAntiCheatStats) WindowFull() bool {
	return len(s.Recent) >= s.recentCap
}

func (s *PlayerAntiCheatStats) RecentAverageReward() float64 {
	if len(s.Recent) == 0 {
		return 0
	}
	total := 0.0
	for _, o := range s.Recent {
		total += o.Reward
	}
	return total / float64(len(s.Recent))
}

func (s *PlayerAntiCheatStats) RecentHighValueRate() float64 {
	if len(s.Recent) == 0 {
		return 0
	}
	hits := 0
	for _, o := range s.Recent {
		if o.HighValue {
			hits++
		}
	}
	return float64(hits) / float64(len(s.Recent))
}

func (s *PlayerAntiCheatStats) ImplausibleRate() float64 {
	if s.TotalBallsValidated == 0 {
		return 0
	}
	return float64(s.ImplausibleOutcomes) / float64(s.TotalBallsValidated)
}

// BallsInLastMinute prunes the sliding window and returns how many balls
// were validated in the 60 seconds before now.
func (s *PlayerAntiCheatStats) BallsInLastMinute(now time.Time) int {
	cutoff := now.Add(-time.Minute)
	kept := s.timestamps[:0]
	for _, t := range s.timestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.timestamps = kept
	return len(s.timestamps)
}
