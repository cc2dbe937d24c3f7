package payment

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"fulfillment/internal/apperr"
)

// Canonicalize re-encodes a JSON document with sorted object keys, no
// insignificant whitespace and numbers kept verbatim.
func Canonicalize(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign returns the hex HMAC-SHA256 of the canonical payload.
func Sign(secret string, payload []byte) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func Verify(secret string, payload []byte, signature string) error {
	if secret == "" || signature == "" {
		return apperr.ErrInvalidSignature
	}
	expected, err := Sign(secret, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidSignature, err)
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return apperr.ErrInvalidSignature
	}
	return nil
}
