package chorus

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowMillis returns current time as Unix milliseconds. Scheduler windows
// (freshness, interjection, lease age) are all millisecond-grained.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
