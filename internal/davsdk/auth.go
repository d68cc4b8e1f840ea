package davsdk

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/imroc/req/v3"
	"github.com/openmined/davsync/internal/version"
)

// AuthType is the authentication scheme a server asks for.
type AuthType int

const (
	AuthUnknown AuthType = iota // unsupported scheme or network error
	AuthBasic
	AuthOAuth
)

func (a AuthType) String() string {
	switch a {
	case AuthBasic:
		return "basic"
	case AuthOAuth:
		return "oauth"
	default:
		return "unknown"
	}
}

// DetermineAuthType sends an unauthenticated request to the DAV root and classifies the challenge.
func (c *Client) DetermineAuthType(ctx context.Context) AuthType {
	probe := req.C().
		SetUserAgent(version.UserAgent()).
		SetCommonRetryCount(0)
	if c.insecure {
		probe.EnableInsecureSkipVerify()
	}

	resp, err := probe.R().
		SetContext(ctx).
		Get(c.DavURL())
	if err != nil {
		slog.Warn("auth probe failed", "url", c.DavURL(), "error", err)
		return AuthUnknown
	}

	if resp.StatusCode != http.StatusUnauthorized {
		slog.Warn("auth probe got no challenge", "url", c.DavURL(), "status", resp.StatusCode)
		return AuthUnknown
	}

	authType := classifyChallenge(resp.Header.Values(HeaderWWWAuthenticate))
	slog.Debug("auth probe", "url", c.DavURL(), "type", authType)
	return authType
}

func classifyChallenge(challenges []string) AuthType {
	basic := false
	for _, ch := range challenges {
		scheme := strings.ToLower(strings.TrimSpace(ch))
		switch {
		case strings.HasPrefix(scheme, "bearer"):
			return AuthOAuth
		case strings.HasPrefix(scheme, "basic"):
			basic = true
		}
	}
	if basic {
		return AuthBasic
	}
	return AuthUnknown
}
