package transport

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// proxyRoundTripper builds the HTTP transport for an optional proxy URL.
// SOCKS5 (with optional userinfo credentials), HTTP, and HTTPS proxies are
// supported. An empty or malformed value is logged and falls back to a direct
// connection rather than failing startup.
func proxyRoundTripper(proxyURL string) http.RoundTripper {
	trimmed := strings.TrimSpace(proxyURL)
	if trimmed == "" {
		return http.DefaultTransport
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		log.WithError(err).Warn("transport: invalid proxy url, using direct connection")
		return http.DefaultTransport
	}

	switch parsed.Scheme {
	case "socks5":
		var proxyAuth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			proxyAuth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", parsed.Host, proxyAuth, proxy.Direct)
		if errSOCKS5 != nil {
			log.WithError(errSOCKS5).Warn("transport: SOCKS5 dialer setup failed, using direct connection")
			return http.DefaultTransport
		}
		clone := http.DefaultTransport.(*http.Transport).Clone()
		clone.Proxy = nil
		clone.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
		return clone
	case "http", "https":
		clone := http.DefaultTransport.(*http.Transport).Clone()
		clone.Proxy = http.ProxyURL(parsed)
		return clone
	default:
		log.Warnf("transport: unsupported proxy scheme %q, using direct connection", parsed.Scheme)
		return http.DefaultTransport
	}
}
