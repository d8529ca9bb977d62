// Package levels provides the read-only level -> bucket reward table lookup
// shared by the board, the authoritative server and the anti-cheat engine.
package levels

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Level is one board configuration: the base reward per bucket and the
// level-wide payout multiplier.
type Level struct {
	Level         int       `yaml:"level"`
	Multiplier    float64   `yaml:"multiplier"`
	BucketRewards []float64 `yaml:"bucket_rewards"`
}

func (l Level) BucketCount() int {
	return len(l.BucketRewards)
}

// BaseReward maps a live-board bucket index onto this level's reward table
// and returns the table value without the multiplier applied.
func (l Level) BaseReward(bucketIndex, bucketCount int) float64 {
	if len(l.BucketRewards) == 0 {
		return 0
	}
	mapped := MapBucketIndex(bucketIndex, bucketCount, len(l.BucketRewards))
	return l.BucketRewards[mapped]
}

// ExpectedReward is the authoritative payout for a ball landing in
// bucketIndex on a board with bucketCount buckets.
func (l Level) ExpectedReward(bucketIndex, bucketCount int) float64 {
	return l.BaseReward(bucketIndex, bucketCount) * l.Multiplier
}

// MapBucketIndex maps an index between boards of different bucket counts by
// linear proportional rounding. Truncation is never used here: the board,
// the server's reward computation and the anti-cheat engine all rely on the
// same boundaries.
func MapBucketIndex(index, fromCount, toCount int) int {
	if toCount < 1 {
		return 0
	}
	if fromCount <= 1 || toCount == 1 {
		return 0
	}
	if index < 0 {
		index = 0
	}
	if index > fromCount-1 {
		index = fromCount - 1
	}

	mapped := int(math.Round(float64(index) * float64(toCount-1) / float64(fromCount-1)))
	if mapped > toCount-1 {
		mapped = toCount - 1
	}
	return mapped
}

// Table is the in-memory reward table keyed by level.
type Table struct {
	levels map[int]Level
	lowest int
}

// New builds a table from a list of level configs.
func New(list []Level) (*Table, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("at least one level is required")
	}

	t := &Table{levels: make(map[int]Level, len(list)), lowest: list[0].Level}
	for _, l := range list {
		if err := validateLevel(l); err != nil {
			return nil, fmt.Errorf("level %d: %v", l.Level, err)
		}
		if _, ok := t.levels[l.Level]; ok {
			return nil, fmt.Errorf("duplicate level: %d", l.Level)
		}
		t.levels[l.Level] = l
		if l.Level < t.lowest {
			t.lowest = l.Level
		}
	}
	return t, nil
}

func validateLevel(l Level) error {
	if len(l.BucketRewards) == 0 {
		return fmt.Errorf("bucket rewards required")
	}
	if l.Multiplier <= 0 {
		return fmt.Errorf("multiplier must be positive")
	}
	for i, r := range l.BucketRewards {
		if r < 0 {
			return fmt.Errorf("bucket %d has negative reward", i)
		}
	}
	return nil
}

// Get returns the config for a level. Unknown levels fall back to the lowest
// configured level so a client reporting a stale level still validates
// against a real table.
func (t *Table) Get(level int) Level {
	if l, ok := t.levels[level]; ok {
		return l
	}
	return t.levels[t.lowest]
}

// LoadFile reads a YAML level list from disk.
func LoadFile(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read levels file: %v", err)
	}

	var list []Level
	if err := yaml.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("failed to parse levels file: %v", err)
	}

	return New(list)
}

// Default is the built-in table used when no levels file is configured.
// Rewards are symmetric around the center bucket, edge buckets pay most.
func Default() *Table {
	t, err := New([]Level{
		{
			Level:         0,
			Multiplier:    1.0,
			BucketRewards: []float64{100, 50, 20, 10, 5, 2, 1, 2, 5, 10, 20, 50, 100},
		},
		{
			Level:         1,
			Multiplier:    2.0,
			BucketRewards: []float64{150, 75, 30, 15, 8, 4, 2, 1, 2, 4, 8, 15, 30, 75, 150},
		},
		{
			Level:         2,
			Multiplier:    5.0,
			BucketRewards: []float64{200, 100, 40, 20, 10, 6, 3, 2, 1, 2, 3, 6, 10, 20, 40, 100, 200},
		},
	})
	if err != nil {
		panic(err) // static data, cannot fail
	}
	return t
}
