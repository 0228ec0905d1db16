package oauthflow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// verifierBytes/stateBytes follow the same sizing the pack's own PKCE
// helper uses: 32 random bytes of entropy, base64url-encoded.
const (
	verifierBytes = 32
	stateBytes    = 32
)

// pkcePair is a generated code-verifier / S256 code-challenge pair (§4.9
// step 1: "Generate code-verifier and derive code-challenge (S256)").
type pkcePair struct {
	verifier  string
	challenge string
}

func generatePKCE() (pkcePair, error) {
	raw := make([]byte, verifierBytes)
	if _, err := rand.Read(raw); err != nil {
		return pkcePair{}, fmt.Errorf("oauthflow: generate code verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	return pkcePair{verifier: verifier, challenge: challenge}, nil
}

func generateState() (string, error) {
	raw := make([]byte, stateBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("oauthflow: generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
