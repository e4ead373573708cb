package cache

import (
	"encoding/json"
	"time"
)

// Entry is never mutated after Put; a later Put for the same fingerprint
// replaces it.
type Entry struct {
	Fingerprint string
	Payload     json.RawMessage
	StoredAt    time.Time
}

type Store interface {
	Get(fingerprint string) (Entry, bool)
	Put(fingerprint string, payload json.RawMessage) Entry
	Len() int
	Sweep() int
}
