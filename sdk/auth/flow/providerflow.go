package flow

import (
	"context"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/idkit-io/idkit/internal/config"
	"github.com/idkit-io/idkit/internal/pkce"
	"github.com/idkit-io/idkit/internal/transport"
	"github.com/idkit-io/idkit/sdk/auth"
)

// providersPath lists the providers eligible for silent handoff on this
// device.
const providersPath = "/oauth2/providers"

// ProviderInfo is one silent-handoff candidate announced by the backend.
type ProviderInfo struct {
	Name string
	// HandoffURL is the provider-app universal link that performs the silent
	// authorization and redirects back with a code payload.
	HandoffURL string
}

// ProviderFlow is the silent handoff strategy: it asks the backend which
// installed providers can authorize without user interaction, hands off to
// the first candidate, and exchanges the returned code.
type ProviderFlow struct {
	cfg       *config.Config
	executor  transport.Executor
	exchanger *Exchanger
	authCtx   Context
	deviceID  string

	newWallet func() (*pkce.Wallet, error)
}

// NewProviderFlow builds the silent strategy for one attempt context.
// executor is the interceptor-wrapped transport used for the eligibility
// fetch.
func NewProviderFlow(cfg *config.Config, executor transport.Executor, exchanger *Exchanger, authCtx Context, deviceID string) *ProviderFlow {
	return &ProviderFlow{
		cfg:       cfg,
		executor:  executor,
		exchanger: exchanger,
		authCtx:   authCtx,
		deviceID:  deviceID,
		newWallet: generatedWallet(cfg),
	}
}

// Authorize implements Flow.
func (f *ProviderFlow) Authorize(ctx context.Context, presentation Presentation, completion func(Result)) {
	guard := newCompletionGuard(completion)

	providers, err := f.fetchProviders(ctx)
	if err != nil {
		guard.fail(auth.WrapError(auth.CodeProvidersFetchFailed, "provider eligibility fetch failed", err))
		return
	}
	if len(providers) == 0 {
		guard.fail(auth.NewError(auth.CodeNoAvailableProviders, "no providers available for silent auth"))
		return
	}
	candidate := providers[0]

	wallet, err := f.newWallet()
	if err != nil {
		guard.fail(auth.WrapError(auth.CodeAuthByProviderFailed, "pkce generation failed", err))
		return
	}
	defer wallet.Invalidate()

	handoffURL, err := f.handoffURL(candidate, wallet)
	if err != nil {
		guard.fail(err)
		return
	}

	scheme := f.cfg.ComputedRedirectScheme()
	log.WithField("provider", candidate.Name).Debug("flow: silent provider handoff")
	callbackURL, err := presentation.Present(ctx, handoffURL, scheme)
	if err != nil {
		if auth.IsCancelled(err) {
			guard.fail(err)
			return
		}
		guard.fail(auth.WrapError(auth.CodeAuthByProviderFailed, "provider handoff failed", err))
		return
	}

	payload, err := ParseAuthCallback(callbackURL, scheme)
	if err != nil {
		guard.fail(auth.WrapError(auth.CodeAuthByProviderFailed, "provider callback rejected", err))
		return
	}

	triple, serverDeviceID, err := f.exchanger.Exchange(ctx, payload, wallet)
	if err != nil {
		// Protocol-integrity failures keep their own code; retrying a state
		// mismatch cannot fix a security-relevant inconsistency.
		if auth.CodeOf(err) == auth.CodeStateMismatch {
			guard.fail(err)
			return
		}
		guard.fail(auth.WrapError(auth.CodeAuthByProviderFailed, "provider code exchange failed", err))
		return
	}
	guard.complete(Result{Success: &Success{Triple: triple, ServerDeviceID: serverDeviceID, Provider: candidate.Name}})
}

func (f *ProviderFlow) fetchProviders(ctx context.Context) ([]ProviderInfo, error) {
	req := transport.NewRequest(http.MethodGet, f.cfg.APIHost, providersPath)
	req.Parameters.Set("client_id", f.cfg.ClientID)
	req.Parameters.Set("device_id", f.deviceID)

	resp, err := f.executor.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, auth.NewError(auth.CodeProvidersFetchFailed, "provider list request rejected")
	}

	var providers []ProviderInfo
	gjson.GetBytes(resp.Body, "providers").ForEach(func(_, node gjson.Result) bool {
		info := ProviderInfo{
			Name:       node.Get("name").String(),
			HandoffURL: node.Get("handoff_url").String(),
		}
		if info.Name != "" && info.HandoffURL != "" {
			providers = append(providers, info)
		}
		return true
	})
	return providers, nil
}

// handoffURL decorates the provider's universal link with this attempt's
// PKCE challenge and state.
func (f *ProviderFlow) handoffURL(provider ProviderInfo, wallet *pkce.Wallet) (string, error) {
	challenge, err := wallet.CodeChallenge()
	if err != nil {
		return "", mapWalletError(err)
	}
	state, err := wallet.State()
	if err != nil {
		return "", mapWalletError(err)
	}

	parsed, err := url.Parse(provider.HandoffURL)
	if err != nil {
		return "", auth.WrapError(auth.CodeAuthByProviderFailed, "bad provider handoff url", err)
	}
	query := parsed.Query()
	query.Set("client_id", f.cfg.ClientID)
	query.Set("code_challenge", challenge)
	query.Set("code_challenge_method", string(pkce.MethodS256))
	query.Set("state", state)
	query.Set("redirect_uri", f.cfg.ComputedRedirectScheme()+"://"+callbackHost)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
