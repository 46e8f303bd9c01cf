package detector

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/t77yq/webtimer/internal/model"
)

// ChangeDetector compares the content hash of a successful response
// against the last successful response's hash for the same schedule.
// Failed attempts never reach the detector, so detection always
// compares against the last known-good body.
type ChangeDetector struct {
	maxBytes int64
}

// New creates a detector that truncates bodies at maxBytes before
// hashing. A non-positive limit disables truncation.
func New(maxBytes int64) *ChangeDetector {
	return &ChangeDetector{maxBytes: maxBytes}
}

// Inspect hashes the body and compares it to the previous hash. On the
// first-ever success previousHash is empty and the result reports a
// change with no previous hash.
func (d *ChangeDetector) Inspect(body []byte, previousHash string) *model.ChangeResult {
	currentHash := d.Hash(body)
	return &model.ChangeResult{
		Changed:      previousHash == "" || previousHash != currentHash,
		CurrentHash:  currentHash,
		PreviousHash: previousHash,
	}
}

// Hash returns the SHA-256 hex digest of the size-capped body.
func (d *ChangeDetector) Hash(body []byte) string {
	if d.maxBytes > 0 && int64(len(body)) > d.maxBytes {
		body = body[:d.maxBytes]
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
