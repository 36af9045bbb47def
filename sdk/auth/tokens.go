// Package auth implements the engine's session model: the token triple issued
// by a code exchange, the per-identity Session, and the Manager that owns the
// session collection, its persistence, and observer notifications.
package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessToken is the short-lived API credential.
type AccessToken struct {
	UserID    int64     `json:"user_id"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FreshEnough reports whether the token is still outside the freshness
// window, i.e. safe to attach without a refresh.
func (t AccessToken) FreshEnough(window time.Duration, now time.Time) bool {
	if t.Value == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(window).Before(t.ExpiresAt)
}

// RefreshToken is the long-lived renewal credential.
type RefreshToken struct {
	UserID int64  `json:"user_id"`
	Value  string `json:"value"`
}

// IDToken is the profile-assertion token issued alongside the pair.
type IDToken struct {
	UserID int64  `json:"user_id"`
	Value  string `json:"value"`
}

// TokenTriple bundles one issuance. All three tokens of an issuance always
// belong to the same user.
type TokenTriple struct {
	Access  AccessToken  `json:"access_token"`
	Refresh RefreshToken `json:"refresh_token"`
	ID      IDToken      `json:"id_token"`
}

// NewTokenTriple validates the matching-user invariant and returns the triple.
func NewTokenTriple(access AccessToken, refresh RefreshToken, id IDToken) (*TokenTriple, error) {
	if access.UserID == 0 {
		return nil, fmt.Errorf("idkit auth: access token without user id")
	}
	if refresh.UserID != access.UserID || (id.Value != "" && id.UserID != access.UserID) {
		return nil, fmt.Errorf("idkit auth: token triple user id mismatch")
	}
	return &TokenTriple{Access: access, Refresh: refresh, ID: id}, nil
}

// UserIDFromIDToken recovers the subject from an ID token without verifying
// the signature. The engine never trusts this value for authorization; it is
// only used to key sessions when the exchange payload omits an explicit id.
func UserIDFromIDToken(raw string) (int64, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return 0, fmt.Errorf("idkit auth: parse id token failed: %w", err)
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return 0, fmt.Errorf("idkit auth: id token without subject")
	}
	userID, err := strconv.ParseInt(subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("idkit auth: non-numeric id token subject %q", subject)
	}
	return userID, nil
}
