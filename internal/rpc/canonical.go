// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package rpc

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/goccy/go-json"
)

// Canonicalize re-serialises arbitrary JSON bytes with object keys sorted
// and insignificant whitespace stripped, so that semantically equivalent
// requests fingerprint identically.
func Canonicalize(data []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return json.Marshal(canonicalValue(v))
}

// canonicalValue recursively sorts map keys into a deterministic
// representation. go-json already marshals Go maps with sorted string
// keys, but we route through an explicit ordered structure for objects so
// behavior doesn't depend on that implementation detail.
func canonicalValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			out = append(out, kv{k, canonicalValue(t[k])})
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = canonicalValue(e)
		}
		return out
	default:
		return t
	}
}

type kv struct {
	Key   string
	Value interface{}
}

// orderedMap marshals as a JSON object preserving insertion order, which
// canonicalValue has already sorted lexicographically by key.
type orderedMap []kv

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, e := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyBytes, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		valBytes, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyBytes...)
		buf = append(buf, ':')
		buf = append(buf, valBytes...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// Fingerprint computes the content-addressed cache key for a request
// body scoped to a service: sha256(serviceID || canonicalJSON(body)).
func Fingerprint(serviceID string, body []byte) (string, error) {
	canon, err := Canonicalize(body)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(serviceID))
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}
