package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

type FingerprintMode int

const (
	// FingerprintRaw keys on the compacted body as received. Field order is
	// significant: {"a":1,"b":2} and {"b":2,"a":1} are different entries.
	FingerprintRaw FingerprintMode = iota
	// FingerprintCanonical keys on the body re-encoded with sorted object keys.
	FingerprintCanonical
)

func (m FingerprintMode) String() string {
	switch m {
	case FingerprintCanonical:
		return "canonical"
	default:
		return "raw"
	}
}

func ParseFingerprintMode(value string) (FingerprintMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "raw":
		return FingerprintRaw, nil
	case "canonical":
		return FingerprintCanonical, nil
	default:
		return FingerprintRaw, fmt.Errorf("unknown fingerprint mode %q", value)
	}
}

// Fingerprint derives the cache key for a request body. An empty body has a
// stable fingerprint of its own. Bodies that are not valid JSON are rejected.
func Fingerprint(body []byte, mode FingerprintMode) (string, error) {
	normalized, err := normalize(body, mode)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

func normalize(body []byte, mode FingerprintMode) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if mode == FingerprintCanonical {
		decoder := json.NewDecoder(bytes.NewReader(trimmed))
		decoder.UseNumber()
		var value interface{}
		if err := decoder.Decode(&value); err != nil {
			return nil, err
		}
		if decoder.More() {
			return nil, fmt.Errorf("unexpected data after JSON value")
		}
		// encoding/json writes map keys in sorted order.
		return json.Marshal(value)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
