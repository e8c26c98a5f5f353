package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CanonicalJSON renders a structured value as deterministic JSON: object
// keys sorted lexicographically at every depth, no insignificant
// whitespace. Two semantically equal values always produce identical bytes,
// which makes the output suitable for hashing.
func CanonicalJSON(v any) ([]byte, error) {
	// Normalise through encoding/json so typed values and map forms agree.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}

	var b strings.Builder
	if err := writeCanonical(&b, decoded); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(keyJSON)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	default:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(enc)
		return nil
	}
}

// IdempotencyKey derives the step idempotency key:
// runID ":" stepName ":" first 12 hex chars of sha256(canonical(inputs)).
// Identical (runID, stepName, inputs) triples always produce the same key.
func IdempotencyKey(runID, stepName string, inputs map[string]any) (string, error) {
	canonical, err := CanonicalJSON(inputs)
	if err != nil {
		return "", fmt.Errorf("canonicalising inputs for step %s: %w", stepName, err)
	}
	sum := sha256.Sum256(canonical)
	return runID + ":" + stepName + ":" + hex.EncodeToString(sum[:])[:12], nil
}
