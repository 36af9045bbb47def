package flow

import (
	"context"
	"net/url"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/idkit-io/idkit/internal/config"
	"github.com/idkit-io/idkit/internal/pkce"
	"github.com/idkit-io/idkit/sdk/auth"
)

// callbackHost is the host component of the computed redirect URI.
const callbackHost = "auth.callback"

// authorizePath is the provider's interactive authorization endpoint.
const authorizePath = "/oauth2/authorize"

// WebViewFlow is the interactive web strategy: it builds the provider
// authorization URL, delivers it through the presentation capability, parses
// the redirect callback, and exchanges the code.
type WebViewFlow struct {
	cfg       *config.Config
	exchanger *Exchanger
	authCtx   Context
	deviceID  string
	provider  string

	// newWallet is swapped in tests; defaults to generated PKCE secrets.
	newWallet func() (*pkce.Wallet, error)
}

// NewWebViewFlow builds the interactive strategy for one attempt context.
// provider is empty for the plain web login page, or a provider key for a
// provider-branded page.
func NewWebViewFlow(cfg *config.Config, exchanger *Exchanger, authCtx Context, deviceID, provider string) *WebViewFlow {
	return &WebViewFlow{
		cfg:       cfg,
		exchanger: exchanger,
		authCtx:   authCtx,
		deviceID:  deviceID,
		provider:  provider,
		newWallet: generatedWallet(cfg),
	}
}

// generatedWallet returns a wallet factory honoring the configured secret
// time budget.
func generatedWallet(cfg *config.Config) func() (*pkce.Wallet, error) {
	return func() (*pkce.Wallet, error) {
		secret, err := pkce.Generate()
		if err != nil {
			return nil, err
		}
		return pkce.NewWalletTTL(secret, cfg.Tuning.WalletTTLOrDefault()), nil
	}
}

// Authorize implements Flow.
func (f *WebViewFlow) Authorize(ctx context.Context, presentation Presentation, completion func(Result)) {
	guard := newCompletionGuard(completion)

	wallet, err := f.newWallet()
	if err != nil {
		guard.fail(auth.WrapError(auth.CodeAuthorizationFailed, "pkce generation failed", err))
		return
	}
	defer wallet.Invalidate()

	authURL, err := f.buildAuthURL(wallet)
	if err != nil {
		guard.fail(err)
		return
	}

	scheme := f.cfg.ComputedRedirectScheme()
	log.WithField("flow", f.authCtx.FlowSource()).Debug("flow: presenting web authorization")
	callbackURL, err := presentation.Present(ctx, authURL, scheme)
	if err != nil {
		if auth.IsCancelled(err) {
			guard.fail(err)
			return
		}
		guard.fail(auth.WrapError(auth.CodeWebViewAuthFailed, "web authorization failed", err))
		return
	}

	payload, err := ParseAuthCallback(callbackURL, scheme)
	if err != nil {
		guard.fail(err)
		return
	}

	triple, serverDeviceID, err := f.exchanger.Exchange(ctx, payload, wallet)
	if err != nil {
		guard.fail(err)
		return
	}
	guard.complete(Result{Success: &Success{Triple: triple, ServerDeviceID: serverDeviceID, Provider: f.provider}})
}

// buildAuthURL renders the provider authorization URL with the PKCE
// challenge, state, device id, scope, and appearance/locale hints embedded.
func (f *WebViewFlow) buildAuthURL(wallet *pkce.Wallet) (string, error) {
	if _, err := url.Parse("https://" + f.cfg.OAuthHost + authorizePath); err != nil {
		return "", auth.WrapError(auth.CodeInvalidAuthConfigURL, "bad oauth host", err)
	}
	redirect := f.cfg.ComputedRedirectScheme() + "://" + callbackHost
	if _, err := url.Parse(redirect); err != nil {
		return "", auth.WrapError(auth.CodeInvalidRedirectURL, "bad redirect uri", err)
	}

	challenge, err := wallet.CodeChallenge()
	if err != nil {
		return "", mapWalletError(err)
	}
	state, err := wallet.State()
	if err != nil {
		return "", mapWalletError(err)
	}

	conf := &oauth2.Config{
		ClientID:    f.cfg.ClientID,
		RedirectURL: redirect,
		Endpoint: oauth2.Endpoint{
			AuthURL: "https://" + f.cfg.OAuthHost + authorizePath,
		},
	}
	if f.cfg.Scope != "" {
		conf.Scopes = []string{f.cfg.Scope}
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", string(pkce.MethodS256)),
		oauth2.SetAuthURLParam("device_id", f.deviceID),
	}
	if f.provider != "" {
		opts = append(opts, oauth2.SetAuthURLParam("provider", f.provider))
	}
	if f.cfg.Appearance != "" {
		opts = append(opts, oauth2.SetAuthURLParam("appearance", f.cfg.Appearance))
	}
	if f.cfg.Locale != "" {
		opts = append(opts, oauth2.SetAuthURLParam("lang", f.cfg.Locale))
	}
	return conf.AuthCodeURL(state, opts...), nil
}
