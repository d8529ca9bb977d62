package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
	"unicode"

	"github.com/google/uuid"
)

func GenerateBatchID() string {
	return fmt.Sprintf("batch_%s_%d",
		time.Now().Format("20060102"),
		uuid.New().ID())
}

func GenerateSessionID() string {
	return uuid.New().String()
}

// GenerateGameSeed creates a high-entropy seed for a new session.
func GenerateGameSeed() (string, error) {
	bytes := make([]byte, 32) // 256 bits of entropy
	_, err := rand.Read(bytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate game seed: %v", err)
	}
	return hex.EncodeToString(bytes), nil
}

func ValidatePlayerID(playerID string) bool {
	if playerID == "" || len(playerID) > 64 {
		return false
	}

	for _, r := range playerID {
		if r == '-' || r == '_' {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return false
	}

	return true
}

func (e RewardEntry) Validate() error {
	if e.BallIndex < 0 {
		return fmt.Errorf("ball index must not be negative")
	}
	if e.TotalBucketCount < 1 {
		return fmt.Errorf("bucket count must be at least 1")
	}
	if e.BucketIndex < 0 || e.BucketIndex >= e.TotalBucketCount {
		return fmt.Errorf("bucket index %d out of range for %d buckets", e.BucketIndex, e.TotalBucketCount)
	}
	return nil
}
