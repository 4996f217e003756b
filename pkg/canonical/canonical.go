// Package canonical produces deterministic JSON encodings of credential
// payloads and digests them.
//
// Strict mode is the only mode used for signing and proof construction: object
// keys are sorted at every depth, array order is preserved, and values that
// have no single JSON rendering (NaN, ±Inf, time.Time, structs, channels,
// funcs) are rejected with *Error.
//
// Legacy mode sorts only the top-level keys and keeps nested values as they
// were received. It exists to re-check digests produced by older issuers and
// is reachable only through HashLegacy and VerifyDigest.
package canonical

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Mode selects the canonicalization rules.
type Mode string

const (
	ModeStrict Mode = "strict"
	ModeLegacy Mode = "legacy"
)

// Algorithm selects the digest function applied to a canonical string.
type Algorithm string

const (
	// SHA256 is used for internal proofs and artifact digests; rendered as lowercase hex.
	SHA256 Algorithm = "sha256"
	// Keccak256 is used for ledger anchors; rendered as 0x-prefixed lowercase hex.
	Keccak256 Algorithm = "keccak256"
)

var (
	ErrUnsupportedAlgorithm = errors.New("canonical: unsupported digest algorithm")
	ErrUnsupportedMode      = errors.New("canonical: unsupported mode")
)

// Error reports a value that cannot be canonicalized. Path is a JSON-pointer
// style location of the offending value.
type Error struct {
	Path   string
	Reason string
}

func (e *Error) Error() string {
	path := e.Path
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("canonical: %s at %s", e.Reason, path)
}

// Canonicalize renders value in the given mode. Raw JSON ([]byte,
// json.RawMessage) is decoded with UseNumber before canonicalization.
func Canonicalize(value any, mode Mode) (string, error) {
	switch mode {
	case ModeStrict:
		var buf bytes.Buffer
		v, err := normalizeInput(value)
		if err != nil {
			return "", err
		}
		if err := writeStrict(&buf, v, ""); err != nil {
			return "", err
		}
		return buf.String(), nil
	case ModeLegacy:
		return canonicalizeLegacy(value)
	default:
		return "", ErrUnsupportedMode
	}
}

// Hash canonicalizes value and digests the result.
func Hash(value any, algorithm Algorithm, mode Mode) (string, error) {
	s, err := Canonicalize(value, mode)
	if err != nil {
		return "", err
	}
	return Digest([]byte(s), algorithm)
}

// HashStrict is Hash(value, SHA256, ModeStrict).
func HashStrict(value any) (string, error) {
	return Hash(value, SHA256, ModeStrict)
}

// HashLegacy digests value with top-level-only key sorting.
func HashLegacy(value any, algorithm Algorithm) (string, error) {
	return Hash(value, algorithm, ModeLegacy)
}

// VerifyDigest reports which mode, if any, reproduces digest for value.
// Strict is tried first.
func VerifyDigest(value any, algorithm Algorithm, digest string) (Mode, bool, error) {
	want := strings.ToLower(strings.TrimSpace(digest))
	strict, err := Hash(value, algorithm, ModeStrict)
	if err == nil && strict == want {
		return ModeStrict, true, nil
	}
	legacy, lerr := Hash(value, algorithm, ModeLegacy)
	if lerr != nil {
		if err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	if legacy == want {
		return ModeLegacy, true, nil
	}
	return "", false, nil
}

// Digest hashes already-canonical bytes.
func Digest(data []byte, algorithm Algorithm) (string, error) {
	switch algorithm {
	case SHA256, "":
		return hex.EncodeToString(sha256Sum(data)), nil
	case Keccak256:
		return keccakHex(data), nil
	default:
		return "", ErrUnsupportedAlgorithm
	}
}

func normalizeInput(value any) (any, error) {
	switch v := value.(type) {
	case json.RawMessage:
		return decodeRaw(v)
	case []byte:
		return decodeRaw(v)
	default:
		return value, nil
	}
}

func decodeRaw(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, &Error{Reason: "invalid JSON: " + err.Error()}
	}
	if dec.More() {
		return nil, &Error{Reason: "trailing data after JSON value"}
	}
	return out, nil
}

var timeType = reflect.TypeOf(time.Time{})

func writeStrict(buf *bytes.Buffer, value any, path string) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		return writeString(buf, v)
	case json.Number:
		s, err := formatNumber(v)
		if err != nil {
			return &Error{Path: path, Reason: err.Error()}
		}
		buf.WriteString(s)
		return nil
	case json.RawMessage:
		decoded, err := decodeRaw(v)
		if err != nil {
			return &Error{Path: path, Reason: err.(*Error).Reason}
		}
		return writeStrict(buf, decoded, path)
	case float64:
		return writeFloat(buf, v, path)
	case float32:
		return writeFloat(buf, float64(v), path)
	case map[string]any:
		return writeObject(buf, v, path)
	case []any:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeStrict(buf, elem, path+"/"+strconv.Itoa(i)); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case time.Time, *time.Time:
		return &Error{Path: path, Reason: "time values must be converted to strings"}
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(rv.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
		return nil
	case reflect.Float32, reflect.Float64:
		return writeFloat(buf, rv.Float(), path)
	case reflect.String:
		return writeString(buf, rv.String())
	case reflect.Bool:
		return writeStrict(buf, rv.Bool(), path)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return &Error{Path: path, Reason: "object keys must be strings"}
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return writeObject(buf, m, path)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return &Error{Path: path, Reason: "byte slices must be encoded as strings"}
		}
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return writeStrict(buf, items, path)
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		if rv.Type().Elem() == timeType {
			return &Error{Path: path, Reason: "time values must be converted to strings"}
		}
		return writeStrict(buf, rv.Elem().Interface(), path)
	case reflect.Struct:
		return &Error{Path: path, Reason: fmt.Sprintf("non-plain object of type %s", rv.Type())}
	default:
		return &Error{Path: path, Reason: fmt.Sprintf("unsupported value of kind %s", rv.Kind())}
	}
}

func writeObject(buf *bytes.Buffer, m map[string]any, path string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeStrict(buf, m[k], path+"/"+escapePointer(k)); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeFloat(buf *bytes.Buffer, f float64, path string) error {
	if math.IsNaN(f) {
		return &Error{Path: path, Reason: "NaN is not a valid JSON number"}
	}
	if math.IsInf(f, 0) {
		return &Error{Path: path, Reason: "Infinity is not a valid JSON number"}
	}
	buf.WriteString(formatFloat(f))
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return &Error{Reason: err.Error()}
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}

// formatFloat renders the shortest round-trip form: plain notation inside
// [1e-6, 1e21), exponent notation with an explicit sign outside it.
func formatFloat(f float64) string {
	if f == 0 {
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, exp, _ := strings.Cut(s, "e")
	sign := exp[:1]
	digits := strings.TrimLeft(exp[1:], "0")
	if digits == "" {
		digits = "0"
	}
	return mantissa + "e" + sign + digits
}

func formatNumber(n json.Number) (string, error) {
	s := n.String()
	if isIntegerLiteral(s) {
		trimmed := strings.TrimPrefix(s, "-")
		if strings.Trim(trimmed, "0") == "" {
			return "0", nil
		}
		return s, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", fmt.Errorf("invalid number %q", s)
	}
	if math.IsInf(f, 0) {
		return "", errors.New("Infinity is not a valid JSON number")
	}
	return formatFloat(f), nil
}

func isIntegerLiteral(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func escapePointer(k string) string {
	return strings.NewReplacer("~", "~0", "/", "~1").Replace(k)
}
