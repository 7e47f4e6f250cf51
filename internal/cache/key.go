package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/toolgate/internal/mcp"
)

// keyPrefix namespaces cache keys in the shared store.
const keyPrefix = "toolgate:cache:"

// Key returns the cache key of a call. Params are canonicalised first, so two
// calls whose JSON objects differ only in key order or whitespace share a key.
func Key(server mcp.ServerID, method string, params json.RawMessage) (string, error) {
	canon, err := Canonical(params)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(server))
	h.Write([]byte{0})
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write(canon)
	return keyPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// Canonical re-encodes a JSON document with object keys sorted and
// insignificant whitespace removed. Numbers keep their literal form.
func Canonical(params json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(params)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("cache: canonicalise params: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("cache: canonicalise params: trailing data")
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cache: canonicalise params: %w", err)
	}
	return out, nil
}
