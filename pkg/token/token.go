package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Payload identifies one report: who and for which day.
type Payload struct {
	Login string `json:"login"`
	Date  string `json:"date"`
}

// Sign produces the signed report token: base64url of the minified JSON
// payload, a ':' byte, and the raw HMAC-SHA256 of the JSON.
func Sign(p Payload, secret []byte) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding token payload: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)

	combined := append(data, ':')
	combined = append(combined, mac.Sum(nil)...)
	return base64.URLEncoding.EncodeToString(combined), nil
}

// Unsign verifies a token and returns its payload. The signature length is
// fixed, so the separator is located from the end; both the JSON part and
// the raw HMAC bytes may contain ':'. The signature comparison is constant
// time.
func Unsign(tok string, secret []byte) (Payload, error) {
	var p Payload

	raw, err := base64.URLEncoding.DecodeString(tok)
	if err != nil {
		return p, fmt.Errorf("decoding token: %w", err)
	}

	i := len(raw) - sha256.Size - 1
	if i < 1 || raw[i] != ':' {
		return p, fmt.Errorf("malformed token: no separator")
	}
	data, sig := raw[:i], raw[i+1:]

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return p, fmt.Errorf("token signature mismatch")
	}

	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decoding token payload: %w", err)
	}
	return p, nil
}
