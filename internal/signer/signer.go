// Package signer computes and verifies timestamped HMAC-SHA256 webhook signatures.
//
// The signed message is the decimal unix timestamp, a literal ".", and the
// exact payload bytes. Signatures travel as lowercase hex, optionally with a
// "sha256=" prefix.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance is the replay window applied when none is configured
const DefaultTolerance = 300 * time.Second

// SignaturePrefix is prepended to signatures in the X-Signature header
const SignaturePrefix = "sha256="

var (
	ErrEmptySecret        = errors.New("signing secret is empty")
	ErrMalformedTimestamp = errors.New("malformed timestamp")
)

// Sign returns the hex HMAC-SHA256 of timestamp + "." + payload
func Sign(secret string, payload []byte, timestamp int64) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	return hex.EncodeToString(compute(secret, payload, FormatTimestamp(timestamp))), nil
}

// Header returns the signature formatted for the X-Signature header
func Header(secret string, payload []byte, timestamp int64) (string, error) {
	sig, err := Sign(secret, payload, timestamp)
	if err != nil {
		return "", err
	}
	return SignaturePrefix + sig, nil
}

// Verify checks a signature against the current time.
// An invalid or stale signature is a normal negative result (false, nil);
// errors are reserved for an empty secret or a malformed timestamp.
func Verify(secret string, payload []byte, timestamp, signature string, tolerance time.Duration) (bool, error) {
	return VerifyAt(time.Now(), secret, payload, timestamp, signature, tolerance)
}

// VerifyAt is Verify with an explicit clock
func VerifyAt(now time.Time, secret string, payload []byte, timestamp, signature string, tolerance time.Duration) (bool, error) {
	if secret == "" {
		return false, ErrEmptySecret
	}
	ts, err := ParseTimestamp(timestamp)
	if err != nil {
		return false, err
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(tolerance/time.Second) {
		return false, nil
	}

	given, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), SignaturePrefix))
	if err != nil || len(given) != sha256.Size {
		return false, nil
	}

	expected := compute(secret, payload, FormatTimestamp(ts))
	return subtle.ConstantTimeCompare(expected, given) == 1, nil
}

// ParseTimestamp parses unix seconds as sent in X-Timestamp
func ParseTimestamp(timestamp string) (int64, error) {
	timestamp = strings.TrimSpace(timestamp)
	if timestamp == "" {
		return 0, ErrMalformedTimestamp
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || ts <= 0 {
		return 0, ErrMalformedTimestamp
	}
	return ts, nil
}

// FormatTimestamp renders unix seconds the way they are signed and sent
func FormatTimestamp(ts int64) string {
	return strconv.FormatInt(ts, 10)
}

func compute(secret string, payload []byte, timestamp string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return mac.Sum(nil)
}
