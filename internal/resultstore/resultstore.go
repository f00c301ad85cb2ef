// Package resultstore persists generated artifacts. Persistence is
// idempotent: the dedupe key makes a replayed write return the row that is
// already there.
package resultstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

var ErrNotFound = errors.New("resultstore: artifact not found")

// Artifact is one generated image.
type Artifact struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	JobID     string    `json:"job_id"`
	URL       string    `json:"url"`
	Prompt    string    `json:"prompt"`
	DedupeKey string    `json:"dedupe_key"`
	CreatedAt time.Time `json:"created_at"`
}

// DedupeKey is the hex SHA-256 of user id, prompt and url, NUL separated.
func DedupeKey(userID int64, prompt, url string) string {
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(userID, 10)))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write([]byte(url))
	return hex.EncodeToString(h.Sum(nil))
}

// Store persists artifacts.
type Store interface {
	// Persist stores a unless an artifact with the same dedupe key exists.
	// created is false when the existing row is returned.
	Persist(ctx context.Context, a Artifact) (stored Artifact, created bool, err error)
	ListByJob(ctx context.Context, jobID string) ([]Artifact, error)
	Close() error
}
