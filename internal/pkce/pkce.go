// Package pkce implements generation and lifetime management of PKCE
// (Proof Key for Code Exchange, RFC 7636) secrets for the OAuth 2.1
// authorization code flow. A secret is generated once per authorization
// attempt and handed to a Wallet that enforces the attempt's time budget.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// ChallengeMethod identifies the transformation applied to the code verifier.
type ChallengeMethod string

// MethodS256 is the only challenge method the engine emits.
const MethodS256 ChallengeMethod = "S256"

var (
	// ErrRandomnessUnavailable indicates the platform CSPRNG failed.
	ErrRandomnessUnavailable = errors.New("idkit pkce: randomness unavailable")
	// ErrChallengeDerivation indicates the verifier could not be hashed.
	ErrChallengeDerivation = errors.New("idkit pkce: challenge derivation failed")
)

// Secret holds one authorization attempt's PKCE material together with the
// CSRF state value echoed back by the provider. The code verifier must never
// leave the process except inside the final code-exchange request.
type Secret struct {
	CodeVerifier    string
	CodeChallenge   string
	ChallengeMethod ChallengeMethod
	State           string
}

// Generate creates a fresh PKCE secret: the verifier is the base64url
// encoding of 32 cryptographically random bytes, the challenge is the
// base64url encoding of the verifier's SHA-256 digest, and the state is a
// random hex token compared against the provider's redirect callback.
func Generate() (*Secret, error) {
	verifier, err := generateCodeVerifier()
	if err != nil {
		return nil, err
	}
	challenge, err := deriveCodeChallenge(verifier)
	if err != nil {
		return nil, err
	}
	state, err := generateState()
	if err != nil {
		return nil, err
	}
	return &Secret{
		CodeVerifier:    verifier,
		CodeChallenge:   challenge,
		ChallengeMethod: MethodS256,
		State:           state,
	}, nil
}

func generateCodeVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRandomnessUnavailable, err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf), nil
}

func deriveCodeChallenge(verifier string) (string, error) {
	if verifier == "" {
		return "", ErrChallengeDerivation
	}
	sum := sha256.Sum256([]byte(verifier))
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sum[:]), nil
}

func generateState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRandomnessUnavailable, err)
	}
	return hex.EncodeToString(buf), nil
}
