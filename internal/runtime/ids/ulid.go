// Package ids generates execution ids for function invocations.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewExecutionID returns a time-sortable 26-character ULID.
func NewExecutionID() string {
	return NewExecutionIDAt(time.Now())
}

// NewExecutionIDAt returns an execution id whose timestamp part is t.
func NewExecutionIDAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// StartedAt returns the time encoded in an execution id.
func StartedAt(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
