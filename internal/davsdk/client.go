package davsdk

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/davsync/internal/utils"
	"github.com/openmined/davsync/internal/version"
)

const (
	DefaultRemotePath = "/remote.php/webdav"
	defaultRetryCount = 3
)

// ClientConfig configures a Client. ServerURL is required.
type ClientConfig struct {
	ServerURL  string
	RemotePath string
	Timeout    time.Duration // 0 means no client-side timeout
	Insecure   bool
}

// Client talks to an ownCloud-compatible WebDAV endpoint.
type Client struct {
	client     *req.Client
	serverURL  *url.URL
	remotePath string
	insecure   bool

	mu       sync.RWMutex
	user     string
	password string
	token    string
}

func New(cfg *ClientConfig) (*Client, error) {
	if cfg == nil || cfg.ServerURL == "" {
		return nil, ErrNoServerURL
	}

	serverURL, err := url.Parse(strings.TrimRight(cfg.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if serverURL.Scheme != "http" && serverURL.Scheme != "https" {
		return nil, ErrBadServerURL
	}

	remotePath := cfg.RemotePath
	if remotePath == "" {
		remotePath = DefaultRemotePath
	}
	remotePath = "/" + strings.Trim(remotePath, "/")

	client := req.C().
		SetCommonRetryCount(defaultRetryCount).
		SetCommonRetryBackoffInterval(500*time.Millisecond, 5*time.Second).
		SetUserAgent(version.UserAgent()).
		SetCommonHeader(HeaderDeviceID, utils.HWID).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)

	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.Insecure {
		client.EnableInsecureSkipVerify()
	}

	return &Client{
		client:     client,
		serverURL:  serverURL,
		remotePath: remotePath,
		insecure:   cfg.Insecure,
	}, nil
}

// ServerURL is the base url without the DAV path.
func (c *Client) ServerURL() string {
	return c.serverURL.String()
}

// DavURL returns the DAV root url.
func (c *Client) DavURL() string {
	return c.serverURL.String() + c.remotePath
}

// RemoteURL maps a remote file path to its DAV url, escaping each segment.
func (c *Client) RemoteURL(remote string) string {
	segments := strings.Split(strings.Trim(remote, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.DavURL() + "/" + strings.Join(segments, "/")
}

// ResolveURL resolves a server relative reference (such as a poll location) to an absolute url.
func (c *Client) ResolveURL(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", ref, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	base := *c.serverURL
	if !strings.HasPrefix(u.Path, "/") {
		base.Path = strings.TrimRight(base.Path, "/") + "/"
	}
	return base.ResolveReference(u).String(), nil
}

// SetBasicAuth authenticates all further requests with user and password.
func (c *Client) SetBasicAuth(user, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user, c.password, c.token = user, password, ""
	c.client.SetCommonBasicAuth(user, password)
}

// SetBearerToken authenticates all further requests with an OAuth access token.
func (c *Client) SetBearerToken(user, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user, c.password, c.token = user, "", token
	c.client.SetCommonBearerAuthToken(token)
}

// User is the authenticated user name, empty before any auth is set.
func (c *Client) User() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// decorate applies the common headers and credentials to a request sent outside req.
func (c *Client) decorate(r *http.Request) {
	r.Header.Set(HeaderUserAgent, version.UserAgent())
	r.Header.Set(HeaderDeviceID, utils.HWID)

	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case c.token != "":
		r.Header.Set("Authorization", "Bearer "+c.token)
	case c.user != "":
		r.SetBasicAuth(c.user, c.password)
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.client.GetClient().CloseIdleConnections()
}
