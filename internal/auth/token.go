// Package auth signs and verifies the HS256 bearer tokens that gate a
// document channel, and supplies tokens to clients.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const Audience = "relaydoc"

// WildcardDoc grants access to every document.
const WildcardDoc = "*"

type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

type Claims struct {
	Subject string
	Name    string
	Docs    []string
	Expires time.Time
}

// Allows reports whether the claims grant access to docID.
func (c Claims) Allows(docID string) bool {
	for _, doc := range c.Docs {
		if doc == WildcardDoc || doc == docID {
			return true
		}
	}
	return false
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type tokenPayload struct {
	Sub  string   `json:"sub"`
	Name string   `json:"name,omitempty"`
	Docs []string `json:"docs"`
	Exp  int64    `json:"exp"`
	Aud  string   `json:"aud"`
}

func Sign(secret string, claims Claims) (string, error) {
	if secret == "" {
		return "", errors.New("signing secret is required")
	}
	headerBytes, err := json.Marshal(tokenHeader{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", err
	}
	payloadBytes, err := json.Marshal(tokenPayload{
		Sub:  claims.Subject,
		Name: claims.Name,
		Docs: claims.Docs,
		Exp:  claims.Expires.Unix(),
		Aud:  Audience,
	})
	if err != nil {
		return "", err
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerBytes) + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sign(secret, signingInput)), nil
}

// Verify checks a bearer header or raw token against secret and docID.
// An empty docID skips the document check.
func Verify(headerOrToken, secret, docID string, now time.Time) (Claims, *Error) {
	raw := strings.TrimSpace(headerOrToken)
	if strings.HasPrefix(raw, "Bearer ") {
		raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	}
	if raw == "" {
		return Claims{}, &Error{Status: 401, Code: "unauthorized", Message: "missing or invalid bearer token"}
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return Claims{}, &Error{Status: 401, Code: "unauthorized", Message: "invalid jwt format"}
	}
	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, &Error{Status: 401, Code: "unauthorized", Message: "invalid jwt header"}
	}
	var header tokenHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return Claims{}, &Error{Status: 401, Code: "unauthorized", Message: "invalid jwt header"}
	}
	if header.Alg != "HS256" {
		return Claims{}, &Error{Status: 401, Code: "unauthorized", Message: "unsupported jwt algorithm"}
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, &Error{Status: 401, Code: "unauthorized", Message: "invalid jwt signature"}
	}
	if !hmac.Equal(sigBytes, sign(secret, parts[0]+"."+parts[1])) {
		return Claims{}, &Error{Status: 401, Code: "unauthorized", Message: "jwt signature mismatch"}
	}
	payload, authErr := decodePayload(parts[1])
	if authErr != nil {
		return Claims{}, authErr
	}
	if payload.Aud != Audience {
		return Claims{}, &Error{Status: 401, Code: "unauthorized", Message: "invalid aud claim"}
	}
	if payload.Sub == "" {
		return Claims{}, &Error{Status: 401, Code: "unauthorized", Message: "missing sub claim"}
	}
	if now.Unix() >= payload.Exp {
		return Claims{}, &Error{Status: 401, Code: "unauthorized", Message: "token expired"}
	}
	claims := payload.claims()
	if docID != "" && !claims.Allows(docID) {
		return Claims{}, &Error{Status: 403, Code: "forbidden", Message: "document not granted"}
	}
	return claims, nil
}

// Peek decodes the claims of a token without checking its signature. Clients
// use it to derive a display identity from the token they were handed.
func Peek(token string) (Claims, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return Claims{}, errors.New("invalid jwt format")
	}
	payload, authErr := decodePayload(parts[1])
	if authErr != nil {
		return Claims{}, authErr
	}
	return payload.claims(), nil
}

func decodePayload(segment string) (tokenPayload, *Error) {
	payloadBytes, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return tokenPayload{}, &Error{Status: 401, Code: "unauthorized", Message: "invalid jwt payload"}
	}
	var payload tokenPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return tokenPayload{}, &Error{Status: 401, Code: "unauthorized", Message: "invalid jwt payload"}
	}
	return payload, nil
}

func (p tokenPayload) claims() Claims {
	return Claims{
		Subject: p.Sub,
		Name:    p.Name,
		Docs:    p.Docs,
		Expires: time.Unix(p.Exp, 0).UTC(),
	}
}

func sign(secret, signingInput string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}
