package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// idMu serialises the monotonic counter so two IDs minted within the same
// nanosecond still sort in call order, matching §3's "ordering by ID
// approximates creation order within single-millisecond resolution".
var (
	idMu      sync.Mutex
	idLastMS  int64
	idCounter uint32
)

// NewID mints a time-ordered opaque identifier: a millisecond timestamp
// prefix (for sort order) followed by a monotonic counter and random
// suffix (for uniqueness within the same millisecond).
func NewID() string {
	idMu.Lock()
	ms := time.Now().UnixMilli()
	if ms == idLastMS {
		idCounter++
	} else {
		idLastMS = ms
		idCounter = 0
	}
	counter := idCounter
	idMu.Unlock()

	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%013x%04x%s", ms, counter, hex.EncodeToString(buf))
}
