package creds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/openmined/davsync/internal/davsdk"
)

var (
	ErrNotReady       = errors.New("creds: credentials not ready")
	ErrUserMismatch   = errors.New("creds: logged in user differs from account user")
	ErrAskInProgress  = errors.New("creds: credential request already in progress")
	ErrNoPrompter     = errors.New("creds: no password prompter configured")
	ErrAuthProbeEmpty = errors.New("creds: no auth type resolver configured")
)

// OAuthStatus is the terminal state of an OAuth negotiation.
type OAuthStatus int

const (
	OAuthNotSupported OAuthStatus = iota
	OAuthLoggedIn
	OAuthError
)

// OAuthResult is delivered once per OAuthFlow.Start call.
type OAuthResult struct {
	Status       OAuthStatus
	User         string
	Token        string
	RefreshToken string
}

// OAuthFlow negotiates an OAuth token for expectedUser, typically through a browser.
type OAuthFlow interface {
	Start(ctx context.Context, expectedUser string) OAuthResult
}

// PromptRequest carries what a password prompt shows to the user.
type PromptRequest struct {
	AppName          string
	User             string
	Account          string
	PreviousPassword string
	FetchError       string
}

// PasswordPrompter asks the user for a password. ok is false when the user cancelled.
type PasswordPrompter interface {
	PromptPassword(ctx context.Context, req PromptRequest) (password string, ok bool, err error)
}

// AuthTypeResolver classifies the server challenge. Satisfied by *davsdk.Client.
type AuthTypeResolver interface {
	DetermineAuthType(ctx context.Context) davsdk.AuthType
}

// HTTPCredentials acquires and holds the secret of one account.
type HTTPCredentials struct {
	AppName  string
	User     string
	Account  string
	Resolver AuthTypeResolver
	OAuth    OAuthFlow
	Prompter PasswordPrompter
	Store    *Store

	asking atomic.Bool

	mu               sync.Mutex
	authType         davsdk.AuthType
	password         string
	refreshToken     string
	previousPassword string
	fetchError       string
	ready            bool
}

// Fetch loads previously persisted credentials. A missing or foreign entry leaves the
// credentials not ready and is not an error.
func (h *HTTPCredentials) Fetch() error {
	if h.Store == nil {
		return nil
	}

	c, err := h.Store.Load()
	if errors.Is(err, ErrNoCredentials) {
		return nil
	} else if err != nil {
		h.mu.Lock()
		h.fetchError = err.Error()
		h.mu.Unlock()
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if c.User != h.User {
		slog.Warn("stored credentials belong to another user", "stored", c.User, "user", h.User)
		return nil
	}
	h.password = c.Password
	h.previousPassword = c.Password
	h.refreshToken = c.RefreshToken
	h.authType = parseAuthType(c.AuthType)
	h.ready = c.Password != ""
	return nil
}

// AskFromUser runs the interactive flow: probe the auth type, then OAuth or a password prompt.
// It returns once the flow has finished; Ready tells whether it produced usable credentials.
func (h *HTTPCredentials) AskFromUser(ctx context.Context) error {
	if !h.asking.CompareAndSwap(false, true) {
		return ErrAskInProgress
	}
	defer h.asking.Store(false)

	if h.Resolver == nil {
		return ErrAuthProbeEmpty
	}

	authType := h.Resolver.DetermineAuthType(ctx)
	slog.Info("credentials", "op", "ask", "user", h.User, "authType", authType)

	switch authType {
	case davsdk.AuthOAuth:
		return h.askOAuth(ctx)
	case davsdk.AuthBasic:
		return h.askPassword(ctx)
	default:
		// network error or an unsupported scheme
		return nil
	}
}

func (h *HTTPCredentials) askOAuth(ctx context.Context) error {
	if h.OAuth == nil {
		slog.Warn("server wants oauth but no flow is configured, asking for a password")
		return h.askPassword(ctx)
	}

	res := h.OAuth.Start(ctx, h.User)
	switch res.Status {
	case OAuthNotSupported:
		return h.askPassword(ctx)
	case OAuthError:
		return nil
	}

	if res.User != h.User {
		return fmt.Errorf("%w: got %q, want %q", ErrUserMismatch, res.User, h.User)
	}

	h.mu.Lock()
	h.authType = davsdk.AuthOAuth
	h.password = res.Token
	h.refreshToken = res.RefreshToken
	h.ready = true
	h.mu.Unlock()

	return h.persist()
}

func (h *HTTPCredentials) askPassword(ctx context.Context) error {
	if h.Prompter == nil {
		return ErrNoPrompter
	}

	h.mu.Lock()
	req := PromptRequest{
		AppName:          h.AppName,
		User:             h.User,
		Account:          h.Account,
		PreviousPassword: h.previousPassword,
		FetchError:       h.fetchError,
	}
	h.mu.Unlock()

	password, ok, err := h.Prompter.PromptPassword(ctx, req)
	if err != nil {
		return fmt.Errorf("prompt password: %w", err)
	}
	if !ok {
		return nil
	}

	h.mu.Lock()
	h.authType = davsdk.AuthBasic
	h.password = password
	h.refreshToken = ""
	h.ready = true
	h.mu.Unlock()

	return h.persist()
}

func (h *HTTPCredentials) persist() error {
	if h.Store == nil {
		return nil
	}

	h.mu.Lock()
	c := &Credentials{
		User:         h.User,
		Password:     h.password,
		RefreshToken: h.refreshToken,
		AuthType:     h.authType.String(),
	}
	h.mu.Unlock()

	if err := h.Store.Save(c); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	return nil
}

// Ready reports whether a secret is available.
func (h *HTTPCredentials) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

// Secret returns the password (or OAuth access token) and the refresh token.
func (h *HTTPCredentials) Secret() (password, refreshToken string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.password, h.refreshToken
}

func (h *HTTPCredentials) AuthType() davsdk.AuthType {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.authType
}

// Apply authenticates client with the held secret.
func (h *HTTPCredentials) Apply(client *davsdk.Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.ready {
		return ErrNotReady
	}
	if h.authType == davsdk.AuthOAuth {
		client.SetBearerToken(h.User, h.password)
	} else {
		client.SetBasicAuth(h.User, h.password)
	}
	return nil
}

func parseAuthType(s string) davsdk.AuthType {
	switch s {
	case davsdk.AuthOAuth.String():
		return davsdk.AuthOAuth
	case davsdk.AuthBasic.String():
		return davsdk.AuthBasic
	default:
		return davsdk.AuthUnknown
	}
}
