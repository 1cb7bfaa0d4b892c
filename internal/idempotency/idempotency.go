// Package idempotency binds client-supplied request tokens to pipeline runs so
// a retried submission never creates a second Raw object.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

// ErrNotOwner is returned when completing or releasing a key bound to another run.
var ErrNotOwner = errors.New("idempotency key bound to another run")

// Record is the run a key is bound to.
type Record struct {
	RunID     string
	Completed bool
}

// Store reserves keys with set-if-absent semantics.
type Store interface {
	// Reserve binds key to runID. When the key is already bound it returns the
	// existing record and false.
	Reserve(ctx context.Context, key, runID string) (Record, bool, error)
	// Complete marks the binding of key to runID as finished.
	Complete(ctx context.Context, key, runID string) error
	// Release removes the binding so the client may retry.
	Release(ctx context.Context, key, runID string) error
}

// ScopedKey namespaces a client token by owner. The owner is length-prefixed
// before hashing so distinct (owner, token) pairs never share a key.
func ScopedKey(ownerID, token string) string {
	sum := sha256.Sum256([]byte(strconv.Itoa(len(ownerID)) + ":" + ownerID + ":" + strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}
