// Package anthropic implements the Claude OAuth credential flow: PKCE
// sign-in URL generation, code exchange, token refresh, and expiry checks.
// Tokens themselves are persisted through the store; this package never
// writes state of its own.
package anthropic

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrCodeMismatch is returned when the pasted authorization code's state
// does not match the PKCE verifier that produced the sign-in URL.
var ErrCodeMismatch = errors.New("anthropic: invalid authorization code or state mismatch")

// Credentials is the result of a successful exchange or refresh.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Email        string
	Scope        string
}

// AuthURL pairs a sign-in URL with the verifier needed to complete the
// exchange.
type AuthURL struct {
	URL      string
	Verifier string
}

// Exchanger performs the OAuth HTTP calls. The zero value uses
// http.DefaultClient.
type Exchanger struct {
	HTTPClient    *http.Client
	TokenEndpoint string
}

func (e *Exchanger) client() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return http.DefaultClient
}

func (e *Exchanger) endpoint() string {
	if e.TokenEndpoint != "" {
		return e.TokenEndpoint
	}
	return TokenEndpoint
}

func randomVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateSignInURL builds a PKCE sign-in URL. The caller must hold on to
// the verifier for the exchange step.
func GenerateSignInURL() (*AuthURL, error) {
	verifier, err := randomVerifier()
	if err != nil {
		return nil, fmt.Errorf("anthropic: generate verifier: %w", err)
	}
	params := url.Values{
		"client_id":             {ClientID},
		"redirect_uri":          {RedirectURI},
		"response_type":         {"code"},
		"code":                  {"true"},
		"code_challenge":        {challenge(verifier)},
		"code_challenge_method": {"S256"},
		"scope":                 {strings.Join(Scopes, " ")},
		"state":                 {verifier},
	}
	return &AuthURL{
		URL:      AuthEndpoint + "?" + params.Encode(),
		Verifier: verifier,
	}, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	Account      struct {
		EmailAddress string `json:"email_address"`
	} `json:"account"`
}

func (e *Exchanger) post(ctx context.Context, body map[string]string) (*Credentials, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint(), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: token endpoint: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic: token exchange failed (%d): %s", resp.StatusCode, string(data))
	}
	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("anthropic: decode token response: %w", err)
	}
	return &Credentials{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		Email:        tr.Account.EmailAddress,
		Scope:        tr.Scope,
	}, nil
}

// ExchangeCode trades an authorization code for credentials. The console
// hands back the code in "code#state" form; state must equal the verifier.
func (e *Exchanger) ExchangeCode(ctx context.Context, codeWithState, verifier string) (*Credentials, error) {
	code, state, _ := strings.Cut(codeWithState, "#")
	if code == "" || state != verifier {
		return nil, ErrCodeMismatch
	}
	return e.post(ctx, map[string]string{
		"code":          code,
		"state":         state,
		"grant_type":    "authorization_code",
		"client_id":     ClientID,
		"redirect_uri":  RedirectURI,
		"code_verifier": verifier,
	})
}

// Refresh trades a refresh token for fresh credentials.
func (e *Exchanger) Refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	return e.post(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     ClientID,
	})
}

// IsExpired reports whether a token with the given expiry is already dead.
func IsExpired(expiresAt time.Time) bool {
	return !expiresAt.IsZero() && time.Now().After(expiresAt)
}

// IsExpiringSoon reports whether a token expires within the warning window.
func IsExpiringSoon(expiresAt time.Time) bool {
	if expiresAt.IsZero() || IsExpired(expiresAt) {
		return false
	}
	return time.Until(expiresAt) < WarningWindow
}
