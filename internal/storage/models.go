package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// KBEntry is one knowledge-base row. The Context column holds a JSON-encoded
// embedding vector when vector integration is active and an empty string
// otherwise; it is machine-managed, not human-authored text.
type KBEntry struct {
	ID         int64
	Category   string
	Question   string
	Context    string
	Answer     string
	CreateTime time.Time
	UpdateTime time.Time
}
