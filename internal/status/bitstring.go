package status

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
)

// Bitstring is a status list bit array. Bit i lives in byte i/8, most
// significant bit first, as in the W3C Bitstring Status List.
type Bitstring []byte

func NewBitstring(size int) Bitstring {
	return make(Bitstring, (size+7)/8)
}

func (b Bitstring) Set(i int) {
	b[i/8] |= 1 << (7 - uint(i%8))
}

func (b Bitstring) IsSet(i int) bool {
	if i < 0 || i/8 >= len(b) {
		return false
	}
	return b[i/8]&(1<<(7-uint(i%8))) != 0
}

// Encode gzips the bitstring and returns it base64url encoded without padding.
func (b Bitstring) Encode() (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return "", fmt.Errorf("compress status list: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress status list: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeBitstring reverses Encode.
func DecodeBitstring(encoded string) (Bitstring, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode status list: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decompress status list: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress status list: %w", err)
	}
	return Bitstring(out), nil
}
