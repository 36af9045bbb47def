// Package migration converts legacy credentials (pre-OAuth2.1 tokens kept by
// earlier SDK generations) into current sessions. The conversion is one-shot:
// a server-side exchange turns the legacy token into an authorization code,
// the standard code-exchange step turns the code into a token triple, and the
// legacy record is discarded once the session exists.
package migration

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/idkit-io/idkit/internal/config"
	"github.com/idkit-io/idkit/internal/keystore"
	"github.com/idkit-io/idkit/internal/pkce"
	"github.com/idkit-io/idkit/internal/transport"
	"github.com/idkit-io/idkit/sdk/auth"
	"github.com/idkit-io/idkit/sdk/auth/flow"
)

// legacyRecordKind namespaces legacy credential records in the secure store.
const legacyRecordKind = "legacy"

// exchangeTokenPath is the server-side legacy-token-for-code exchange.
const exchangeTokenPath = "/oauth2/exchange_token"

// Credential is a legacy token as persisted by earlier SDK generations.
type Credential struct {
	UserID int64  `json:"user_id"`
	Token  string `json:"token"`
	// Provider is the provider hint stored alongside the token, if any.
	Provider string `json:"provider,omitempty"`
}

// OAuth2MigrationManager performs legacy-to-current credential migration.
type OAuth2MigrationManager struct {
	cfg      *config.Config
	executor transport.Executor
	sessions *auth.Manager
	store    keystore.Store
	deviceID string
}

// NewOAuth2MigrationManager builds a migration manager. executor is the
// interceptor-wrapped transport.
func NewOAuth2MigrationManager(cfg *config.Config, executor transport.Executor, sessions *auth.Manager, store keystore.Store, deviceID string) *OAuth2MigrationManager {
	return &OAuth2MigrationManager{
		cfg:      cfg,
		executor: executor,
		sessions: sessions,
		store:    store,
		deviceID: deviceID,
	}
}

// Migrate converts legacy into a current session. Supplied PKCE secrets are
// honoured when present (the caller performed the first leg elsewhere);
// otherwise fresh secrets are generated. An existing session for the same
// user short-circuits the migration and discards the legacy record.
func (m *OAuth2MigrationManager) Migrate(ctx context.Context, legacy Credential, providerHint string, secret *pkce.Secret) (*auth.Session, error) {
	if legacy.Token == "" {
		return nil, auth.NewError(auth.CodeInvalidAccessToken, "legacy credential without token")
	}

	if existing := m.sessions.SessionFor(legacy.UserID); existing != nil {
		log.WithField("user", legacy.UserID).Info("migration: session already exists, discarding legacy record")
		m.removeLegacyRecord(ctx, legacy.UserID)
		return existing, nil
	}

	var wallet *pkce.Wallet
	if secret != nil {
		wallet = pkce.NewWallet(secret)
	} else {
		generated, err := pkce.NewGeneratedWallet()
		if err != nil {
			return nil, auth.WrapError(auth.CodeUnknown, "pkce generation failed", err)
		}
		wallet = generated
	}
	defer wallet.Invalidate()

	payload, err := m.exchangeLegacyToken(ctx, legacy, wallet)
	if err != nil {
		return nil, err
	}

	triple, serverDeviceID, err := m.migrateExchange(ctx, payload, wallet)
	if err != nil {
		return nil, err
	}

	provider := providerHint
	if provider == "" {
		provider = legacy.Provider
	}
	session := m.sessions.MakeSession(auth.NewSessionData(provider, triple, serverDeviceID, time.Now()))
	m.removeLegacyRecord(ctx, legacy.UserID)
	log.WithField("user", session.UserID()).Info("migration: legacy credential migrated")
	return session, nil
}

// migrateExchange performs the second leg through the standard code-exchange
// step, renaming timing failures for migration callers.
func (m *OAuth2MigrationManager) migrateExchange(ctx context.Context, payload *flow.CodePayload, wallet *pkce.Wallet) (*auth.TokenTriple, string, error) {
	exchanger := flow.NewExchanger(m.cfg, m.executor, m.deviceID)
	triple, serverDeviceID, err := exchanger.Exchange(ctx, payload, wallet)
	if err != nil {
		return nil, "", mapMigrationError(err)
	}
	return triple, serverDeviceID, nil
}

// exchangeLegacyToken performs the server-side first leg: legacy token in,
// authorization code out, bound to this attempt's PKCE challenge.
func (m *OAuth2MigrationManager) exchangeLegacyToken(ctx context.Context, legacy Credential, wallet *pkce.Wallet) (*flow.CodePayload, error) {
	challenge, err := wallet.CodeChallenge()
	if err != nil {
		return nil, mapMigrationError(mapWallet(err))
	}
	state, err := wallet.State()
	if err != nil {
		return nil, mapMigrationError(mapWallet(err))
	}

	body := []byte("{}")
	for key, value := range map[string]string{
		"legacy_token":          legacy.Token,
		"client_id":             m.cfg.ClientID,
		"code_challenge":        challenge,
		"code_challenge_method": string(pkce.MethodS256),
		"state":                 state,
		"device_id":             m.deviceID,
	} {
		if value == "" {
			continue
		}
		if body, err = sjson.SetBytes(body, key, value); err != nil {
			return nil, auth.WrapError(auth.CodeUnknown, "build migration request failed", err)
		}
	}

	req := transport.NewRequest(http.MethodPost, m.cfg.APIHost, exchangeTokenPath)
	req.Headers.Set("Content-Type", "application/json")
	req.Body = body

	resp, err := m.executor.Execute(ctx, req)
	if err != nil {
		return nil, auth.WrapError(auth.CodeUnknown, "migration exchange request failed", err)
	}
	root := gjson.ParseBytes(resp.Body)
	if resp.StatusCode != http.StatusOK || root.Get("error").Exists() {
		if code := root.Get("error").String(); code == "invalid_token" || code == "token_expired" {
			return nil, auth.NewError(auth.CodeInvalidAccessToken, "legacy token rejected by provider")
		}
		return nil, auth.NewError(auth.CodeUnknown, "migration exchange rejected")
	}
	code := root.Get("code").String()
	if code == "" {
		return nil, auth.NewError(auth.CodeUnknown, "migration exchange response without code")
	}
	return &flow.CodePayload{
		Code:           code,
		State:          root.Get("state").String(),
		ServerDeviceID: root.Get("device_id").String(),
	}, nil
}

func (m *OAuth2MigrationManager) removeLegacyRecord(ctx context.Context, userID int64) {
	key := keystore.Key{
		Service: keystore.ServiceFor(legacyRecordKind, m.cfg.ClientID),
		Account: strconv.FormatInt(userID, 10),
	}
	if err := m.store.Delete(ctx, key); err != nil && !errors.Is(err, keystore.ErrItemNotFound) {
		log.WithError(err).WithField("user", userID).Warn("migration: legacy record delete failed")
	}
}

// mapWallet mirrors the flow package's wallet error mapping for the first
// leg, which never goes through the Exchanger.
func mapWallet(err error) error {
	switch {
	case errors.Is(err, pkce.ErrSecretsExpired):
		return auth.WrapError(auth.CodeAuthOverdue, "migration outlived its secrets", err)
	case errors.Is(err, pkce.ErrNoSecrets):
		return auth.WrapError(auth.CodeCodeVerifierNotProvided, "no pkce secrets for migration", err)
	default:
		return auth.WrapError(auth.CodeUnknown, "wallet read failed", err)
	}
}

// mapMigrationError renames the timing failure so callers can distinguish a
// retryable overdue migration from a permanent rejection.
func mapMigrationError(err error) error {
	if auth.CodeOf(err) == auth.CodeAuthOverdue {
		return auth.WrapError(auth.CodeMigrationOverdue, "pkce secrets expired mid-migration", err)
	}
	return err
}
