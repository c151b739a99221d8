package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashArgs derives the cache key for one request of an operation:
// hex(sha256(json([operation, args, kwargs]))).
//
// encoding/json writes map keys in sorted order at every depth, so equal
// kwargs always serialize identically. The operation name is part of the
// hashed payload, which namespaces keys per operation.
func HashArgs(operation string, args []string, kwargs map[string]any) (string, error) {
	if args == nil {
		args = []string{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	payload, err := canonicalJSON([]any{operation, args, kwargs})
	if err != nil {
		return "", fmt.Errorf("cache: encode key payload for %s: %w", operation, err)
	}

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON encodes v without HTML escaping and without the trailing
// newline json.Encoder adds.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
