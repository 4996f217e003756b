package canonical

import (
	"bytes"
	"encoding/json"
	"slices"
)

// canonicalizeLegacy sorts top-level keys only. Nested values are emitted as
// received: raw JSON input keeps its nested member order byte for byte.
func canonicalizeLegacy(value any) (string, error) {
	raw, err := legacyRaw(value)
	if err != nil {
		return "", err
	}

	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil || members == nil {
		// non-object top level: compact as-is
		var out bytes.Buffer
		if err := json.Compact(&out, raw); err != nil {
			return "", &Error{Reason: "invalid JSON: " + err.Error()}
		}
		return out.String(), nil
	}

	keys := make([]string, 0, len(members))
	for k := range members {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(&buf, k); err != nil {
			return "", err
		}
		buf.WriteByte(':')
		if err := json.Compact(&buf, members[k]); err != nil {
			return "", &Error{Path: "/" + escapePointer(k), Reason: "invalid JSON: " + err.Error()}
		}
	}
	buf.WriteByte('}')
	return buf.String(), nil
}

func legacyRaw(value any) ([]byte, error) {
	switch v := value.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return nil, &Error{Reason: err.Error()}
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
