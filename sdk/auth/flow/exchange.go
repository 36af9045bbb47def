package flow

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/idkit-io/idkit/internal/config"
	"github.com/idkit-io/idkit/internal/pkce"
	"github.com/idkit-io/idkit/internal/transport"
	"github.com/idkit-io/idkit/sdk/auth"
)

// Exchanger turns an authorization code into a token triple. It is shared by
// every strategy and by the migration procedure; state verification against
// the wallet happens here and is never skipped.
type Exchanger struct {
	cfg      *config.Config
	executor transport.Executor
	deviceID string
}

// NewExchanger builds the shared code-exchange step. executor is the
// interceptor-wrapped transport; deviceID is the local installation id.
func NewExchanger(cfg *config.Config, executor transport.Executor, deviceID string) *Exchanger {
	return &Exchanger{cfg: cfg, executor: executor, deviceID: deviceID}
}

// Exchange verifies the payload's state against the wallet, then trades the
// code plus the wallet's verifier and the redirect URI for a token triple.
func (e *Exchanger) Exchange(ctx context.Context, payload *CodePayload, wallet *pkce.Wallet) (*auth.TokenTriple, string, error) {
	walletState, err := wallet.State()
	if err != nil {
		return nil, "", mapWalletError(err)
	}
	// An empty wallet state would let an empty provider state through the
	// comparison; that is never an acceptable verification.
	if strings.TrimSpace(walletState) == "" {
		return nil, "", auth.NewError(auth.CodeStateMismatch, "wallet carries no state to verify against")
	}
	if payload.State != walletState {
		return nil, "", auth.NewError(auth.CodeStateMismatch, "provider state does not match the wallet")
	}

	verifier, err := wallet.CodeVerifier()
	if err != nil {
		return nil, "", mapWalletError(err)
	}
	if strings.TrimSpace(verifier) == "" {
		return nil, "", auth.NewError(auth.CodeCodeVerifierNotProvided, "wallet holds no code verifier")
	}

	body, err := exchangeBody(e.cfg, payload, verifier, e.deviceID)
	if err != nil {
		return nil, "", auth.WrapError(auth.CodeCodeExchangeFailed, "build exchange request failed", err)
	}

	req := transport.NewRequest(http.MethodPost, e.cfg.APIHost, auth.PathToken)
	req.Headers.Set("Content-Type", "application/json")
	req.Body = body

	resp, err := e.executor.Execute(ctx, req)
	if err != nil {
		return nil, "", auth.WrapError(auth.CodeCodeExchangeFailed, "exchange request failed", err)
	}
	triple, serverDeviceID, err := auth.ParseTokenResponse(resp)
	if err != nil {
		return nil, "", auth.WrapError(auth.CodeCodeExchangeFailed, "exchange response rejected", err)
	}
	if serverDeviceID == "" {
		serverDeviceID = payload.ServerDeviceID
	}
	return triple, serverDeviceID, nil
}

func exchangeBody(cfg *config.Config, payload *CodePayload, verifier, deviceID string) ([]byte, error) {
	body := []byte("{}")
	var err error
	fields := map[string]string{
		"grant_type":    "authorization_code",
		"code":          payload.Code,
		"code_verifier": verifier,
		"client_id":     cfg.ClientID,
		"redirect_uri":  cfg.ComputedRedirectScheme() + "://" + callbackHost,
		"state":         payload.State,
		"device_id":     deviceID,
	}
	for key, value := range fields {
		if value == "" {
			continue
		}
		if body, err = sjson.SetBytes(body, key, value); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// mapWalletError translates wallet read failures into flow error codes: an
// expired wallet means the attempt overran its time budget, an empty wallet
// means externally supplied secrets never carried a verifier.
func mapWalletError(err error) error {
	switch {
	case errors.Is(err, pkce.ErrSecretsExpired):
		return auth.WrapError(auth.CodeAuthOverdue, "authorization attempt outlived its secrets", err)
	case errors.Is(err, pkce.ErrNoSecrets):
		return auth.WrapError(auth.CodeCodeVerifierNotProvided, "no code verifier available", err)
	default:
		return auth.WrapError(auth.CodeCodeExchangeFailed, "wallet read failed", err)
	}
}
