// Package id provides unique identifier generation for pipeline runs.
package id

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generate creates a new unique run ID.
// Format: run-<timestamp>-<random>
// Example: run-1701432000-a1b2c3d4
func Generate() string {
	u := uuid.New()
	return fmt.Sprintf("run-%d-%s", time.Now().Unix(), hex.EncodeToString(u[:4]))
}
