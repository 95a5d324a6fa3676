package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coinatlas/edge-gatekeeper/internal/policy"
	"github.com/coinatlas/edge-gatekeeper/internal/xerrors"
)

// Session cookie names. The gatekeeper treats their values as opaque.
const (
	AccessCookie  = "sb-access-token"
	RefreshCookie = "sb-refresh-token"
)

const (
	userEndpoint    = "/auth/v1/user"
	refreshEndpoint = "/auth/v1/token?grant_type=refresh_token"

	// maxResponseBytes caps identity-provider responses; a user projection
	// is a few hundred bytes
	maxResponseBytes = 1 << 16

	// refreshCookieMaxAge outlives the access token so an idle browser can
	// still rotate its way back in
	refreshCookieMaxAge = 30 * 24 * 60 * 60
)

// HTTPProviderOptions configures an HTTPProvider.
type HTTPProviderOptions struct {
	// BaseURL of the identity service, e.g. https://auth.example.com
	BaseURL string

	// APIKey is the publishable key sent on every call
	APIKey string

	// Client defaults to a dedicated http.Client; the per-request timeout
	// comes from the gate's context
	Client *http.Client
}

// HTTPProvider resolves users against the external identity service. A valid
// access cookie resolves directly; an expired one is refreshed once, and the
// rotated tokens come back as cookie mutations.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(opts HTTPProviderOptions) (*HTTPProvider, error) {
	if opts.BaseURL == "" {
		return nil, xerrors.New("BaseURL is required")
	}
	if opts.APIKey == "" {
		return nil, xerrors.New("APIKey is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProvider{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		client:  client,
	}, nil
}

// Resolve implements Provider. Anonymous requests (no session cookies, or
// cookies the provider rejects) return an empty Resolution with a nil error;
// only transport and provider failures are errors.
func (p *HTTPProvider) Resolve(ctx context.Context, r *http.Request) (Resolution, error) {
	access := cookieValue(r, AccessCookie)
	refresh := cookieValue(r, RefreshCookie)

	if access == "" && refresh == "" {
		return Resolution{}, nil
	}

	if access != "" {
		user, status, err := p.fetchUser(ctx, access)
		if err != nil {
			return Resolution{}, err
		}
		if user != nil {
			return Resolution{User: user}, nil
		}
		if status != http.StatusUnauthorized && status != http.StatusForbidden {
			return Resolution{}, xerrors.Newf("identity provider returned %d", status)
		}
		// expired or revoked access token; fall through to refresh
	}

	if refresh == "" {
		return Resolution{}, nil
	}
	return p.refreshSession(ctx, refresh)
}

func (p *HTTPProvider) fetchUser(ctx context.Context, accessToken string) (*policy.User, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+userEndpoint, nil)
	if err != nil {
		return nil, 0, xerrors.Wrap(err, "build user request")
	}
	req.Header.Set("apikey", p.apiKey)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, xerrors.Wrap(err, "identity provider user call")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, resp.StatusCode, nil
	}

	var body struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := decodeJSON(resp.Body, &body); err != nil {
		return nil, resp.StatusCode, xerrors.Wrap(err, "decode user response")
	}
	if body.ID == "" {
		return nil, resp.StatusCode, xerrors.New("identity provider returned user without id")
	}
	return &policy.User{ID: body.ID, Email: body.Email}, resp.StatusCode, nil
}

func (p *HTTPProvider) refreshSession(ctx context.Context, refreshToken string) (Resolution, error) {
	payload, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return Resolution{}, xerrors.Wrap(err, "marshal refresh request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+refreshEndpoint, bytes.NewReader(payload))
	if err != nil {
		return Resolution{}, xerrors.Wrap(err, "build refresh request")
	}
	req.Header.Set("apikey", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Resolution{}, xerrors.Wrap(err, "identity provider refresh call")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// decoded below
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest:
		// refresh token revoked or expired: anonymous, clear the cookies so
		// the browser stops presenting them
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Resolution{Cookies: clearCookies()}, nil
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Resolution{}, xerrors.Newf("identity provider refresh returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		User         struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"user"`
	}
	if err := decodeJSON(resp.Body, &body); err != nil {
		return Resolution{}, xerrors.Wrap(err, "decode refresh response")
	}
	if body.AccessToken == "" || body.User.ID == "" {
		return Resolution{}, xerrors.New("identity provider refresh response incomplete")
	}

	return Resolution{
		User:    &policy.User{ID: body.User.ID, Email: body.User.Email},
		Cookies: rotatedCookies(body.AccessToken, body.RefreshToken, body.ExpiresIn),
	}, nil
}

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(io.LimitReader(r, maxResponseBytes)).Decode(v)
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func rotatedCookies(access, refresh string, expiresIn int) []*http.Cookie {
	if expiresIn <= 0 {
		expiresIn = int(time.Hour / time.Second)
	}
	out := []*http.Cookie{sessionCookie(AccessCookie, access, expiresIn)}
	if refresh != "" {
		out = append(out, sessionCookie(RefreshCookie, refresh, refreshCookieMaxAge))
	}
	return out
}

func clearCookies() []*http.Cookie {
	return []*http.Cookie{
		sessionCookie(AccessCookie, "", -1),
		sessionCookie(RefreshCookie, "", -1),
	}
}

func sessionCookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}
