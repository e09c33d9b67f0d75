// Package signing provides HMAC-SHA256 webhook payload signing and
// verification. Every outbound delivery is signed over the timestamp and
// body so receivers can authenticate the sender and bound replay.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Prefix identifies the signature scheme in the header value.
const Prefix = "sha256="

// Sign computes HMAC-SHA256 over timestamp|"."|body and returns the
// prefixed hex digest carried in the signature header.
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret []byte, timestamp string, body []byte, signature string) error {
	if !strings.HasPrefix(signature, Prefix) {
		return fmt.Errorf("unsupported signature scheme")
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, Prefix))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	expected := Sign(secret, timestamp, body)
	want, err := hex.DecodeString(strings.TrimPrefix(expected, Prefix))
	if err != nil {
		return fmt.Errorf("decode expected: %w", err)
	}
	if !hmac.Equal(got, want) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
