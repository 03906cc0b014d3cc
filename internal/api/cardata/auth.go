package cardata

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const codeVerifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// newCodeVerifier builds an 86 character PKCE code verifier.
func newCodeVerifier() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(codeVerifierAlphabet)))
	for i := 0; i < 86; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate code verifier: %w", err)
		}
		b.WriteByte(codeVerifierAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func codeChallenge(verifier string) string {
	digest := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// DeviceFlow tracks one in-progress device authorization, binding the PKCE
// verifier to the issued device code.
type DeviceFlow struct {
	Authorization DeviceAuthorization
	codeVerifier  string
	startedAt     time.Time
}

// RequestDeviceCode starts the device code flow and returns the verification
// data the user needs to approve access.
func (c *Client) RequestDeviceCode(ctx context.Context) (*DeviceFlow, error) {
	verifier, err := newCodeVerifier()
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"client_id":             {c.clientID},
		"scope":                 {c.scope},
		"response_type":         {"device_code"},
		"code_challenge":        {codeChallenge(verifier)},
		"code_challenge_method": {"S256"},
	}

	body, status, err := c.postForm(ctx, c.deviceCodeURL, form)
	if err != nil {
		return nil, &AuthError{Kind: AuthErrorNetwork, Err: err}
	}
	if status != http.StatusOK {
		kind := AuthErrorRejected
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			kind = AuthErrorInvalidClient
		}
		return nil, &AuthError{Kind: kind, Message: fmt.Sprintf("device code request failed (%d): %s", status, body)}
	}

	var auth DeviceAuthorization
	if err := json.Unmarshal(body, &auth); err != nil {
		return nil, &AuthError{Kind: AuthErrorRejected, Err: fmt.Errorf("decode device code response: %w", err)}
	}
	if auth.Interval <= 0 {
		auth.Interval = 5
	}

	return &DeviceFlow{
		Authorization: auth,
		codeVerifier:  verifier,
		startedAt:     time.Now(),
	}, nil
}

// PollForToken polls the token endpoint until the user approves, the device
// code expires, or the server returns a fatal error. The wait between polls
// follows the server-specified interval; slow_down responses stretch it by
// five seconds. Cancelling the context aborts the loop.
func (c *Client) PollForToken(ctx context.Context, flow *DeviceFlow) (*Token, error) {
	interval := time.Duration(flow.Authorization.Interval) * time.Second
	deadline := flow.startedAt.Add(time.Duration(flow.Authorization.ExpiresIn) * time.Second)

	form := url.Values{
		"client_id":     {c.clientID},
		"grant_type":    {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code":   {flow.Authorization.DeviceCode},
		"code_verifier": {flow.codeVerifier},
	}

	for {
		if flow.Authorization.ExpiresIn > 0 && time.Now().After(deadline) {
			return nil, &AuthError{Kind: AuthErrorTimeout, Message: "device authorization expired before approval"}
		}

		body, status, err := c.postForm(ctx, c.tokenURL, form)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &AuthError{Kind: AuthErrorNetwork, Err: err}
		}

		if status == http.StatusOK {
			var token Token
			if err := json.Unmarshal(body, &token); err != nil {
				return nil, &AuthError{Kind: AuthErrorRejected, Err: fmt.Errorf("decode token response: %w", err)}
			}
			return &token, nil
		}

		var oauthErr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &oauthErr)

		wait := interval
		switch oauthErr.Error {
		case "authorization_pending":
		case "slow_down":
			wait += 5 * time.Second
		case "access_denied":
			return nil, &AuthError{Kind: AuthErrorAccessDenied, Code: oauthErr.Error, Message: oauthErr.ErrorDescription}
		case "expired_token":
			return nil, &AuthError{Kind: AuthErrorExpired, Code: oauthErr.Error, Message: oauthErr.ErrorDescription}
		default:
			return nil, &AuthError{Kind: AuthErrorRejected, Code: oauthErr.Error, Message: fmt.Sprintf("token polling failed (%d): %s", status, body)}
		}

		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// Refresh exchanges the refresh token for a new token set. The response must
// carry an id_token; the stream cannot authenticate without one.
func (c *Client) Refresh(ctx context.Context, current *Token) (*Token, error) {
	if current == nil || current.RefreshToken == "" {
		return nil, &AuthError{Kind: AuthErrorRejected, Message: "missing refresh token"}
	}

	form := url.Values{
		"client_id":     {c.clientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {current.RefreshToken},
	}
	if scope := current.Scope; scope != "" {
		form.Set("scope", scope)
	} else if c.scope != "" {
		form.Set("scope", c.scope)
	}

	body, status, err := c.postForm(ctx, c.tokenURL, form)
	if err != nil {
		return nil, &AuthError{Kind: AuthErrorNetwork, Err: err}
	}
	if status != http.StatusOK {
		return nil, &AuthError{Kind: AuthErrorRejected, Message: fmt.Sprintf("token refresh failed (%d): %s", status, body)}
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, &AuthError{Kind: AuthErrorRejected, Err: fmt.Errorf("decode refresh response: %w", err)}
	}
	if token.IDToken == "" {
		return nil, &AuthError{Kind: AuthErrorRejected, Message: "refresh response did not include id_token"}
	}
	if token.RefreshToken == "" {
		token.RefreshToken = current.RefreshToken
	}
	if token.GCID == "" {
		token.GCID = current.GCID
	}
	return &token, nil
}

func (c *Client) postForm(ctx context.Context, uri string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if c.sleepFn != nil {
		return c.sleepFn(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
