package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// hashChunkSize bounds the read buffer so hashing a large file never
// requires holding more than one chunk in memory.
const hashChunkSize = 8192

// Hash streams an opener's bytes through SHA-256 without ever holding
// the whole file in memory, the same constant-memory discipline the
// extractor applies to parsing.
func Hash(ctx context.Context, o Opener) (string, error) {
	r, err := o.Open(ctx)
	if err != nil {
		return "", fmt.Errorf("source: opening %s for hashing: %w", o.Name, err)
	}
	defer r.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("source: hashing %s: %w", o.Name, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
