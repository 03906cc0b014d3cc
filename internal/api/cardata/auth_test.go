package cardata

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIDToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header, err := json.Marshal(map[string]string{"alg": "none", "typ": "JWT"})
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "."
}

func newTestClient(deviceCodeURL, tokenURL, apiBaseURL string) *Client {
	c := NewClient(deviceCodeURL, tokenURL, apiBaseURL, "v1", "client-1", "openid cardata:api:read")
	c.sleepFn = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestRequestDeviceCode(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{
			"client_id":             r.Form.Get("client_id"),
			"scope":                 r.Form.Get("scope"),
			"response_type":         r.Form.Get("response_type"),
			"code_challenge":        r.Form.Get("code_challenge"),
			"code_challenge_method": r.Form.Get("code_challenge_method"),
		}
		json.NewEncoder(w).Encode(map[string]any{
			"device_code":               "dev-1",
			"user_code":                 "ABCD-1234",
			"verification_uri":          "https://example.com/verify",
			"verification_uri_complete": "https://example.com/verify?code=ABCD-1234",
			"expires_in":                300,
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, srv.URL, srv.URL)
	flow, err := c.RequestDeviceCode(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "client-1", gotForm["client_id"])
	assert.Equal(t, "openid cardata:api:read", gotForm["scope"])
	assert.Equal(t, "device_code", gotForm["response_type"])
	assert.Equal(t, "S256", gotForm["code_challenge_method"])
	assert.Len(t, flow.codeVerifier, 86)
	assert.Equal(t, codeChallenge(flow.codeVerifier), gotForm["code_challenge"])

	assert.Equal(t, "ABCD-1234", flow.Authorization.UserCode)
	assert.Equal(t, "https://example.com/verify?code=ABCD-1234", flow.Authorization.VerificationURL())
	// servers that omit the interval get the RFC default
	assert.Equal(t, 5, flow.Authorization.Interval)
}

func TestPollForTokenPendingThenSuccess(t *testing.T) {
	idToken := testIDToken(t, map[string]any{"gcid": "gcid-1"})

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:device_code", r.Form.Get("grant_type"))
		assert.Equal(t, "dev-1", r.Form.Get("device_code"))
		assert.NotEmpty(t, r.Form.Get("code_verifier"))

		switch calls.Add(1) {
		case 1, 2:
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
		case 3:
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "slow_down"})
		default:
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "access-1",
				"refresh_token": "refresh-1",
				"id_token":      idToken,
				"token_type":    "Bearer",
				"expires_in":    3600,
			})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, srv.URL, "v1", "client-1", "openid")

	var waits []time.Duration
	c.sleepFn = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	flow := &DeviceFlow{
		Authorization: DeviceAuthorization{DeviceCode: "dev-1", Interval: 5, ExpiresIn: 300},
		codeVerifier:  "verifier",
		startedAt:     time.Now(),
	}

	token, err := c.PollForToken(context.Background(), flow)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token.AccessToken)
	assert.Equal(t, "gcid-1", token.GCID)
	assert.Equal(t, int32(4), calls.Load())

	// pending keeps the server interval; slow_down stretches it by 5s
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 10 * time.Second}, waits)
}

func TestPollForTokenAccessDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "access_denied"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, srv.URL, srv.URL)
	flow := &DeviceFlow{
		Authorization: DeviceAuthorization{DeviceCode: "dev-1", Interval: 5, ExpiresIn: 300},
		startedAt:     time.Now(),
	}

	_, err := c.PollForToken(context.Background(), flow)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, AuthErrorAccessDenied, authErr.Kind)
}

func TestPollForTokenExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "expired_token"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, srv.URL, srv.URL)
	flow := &DeviceFlow{
		Authorization: DeviceAuthorization{DeviceCode: "dev-1", Interval: 5, ExpiresIn: 300},
		startedAt:     time.Now(),
	}

	_, err := c.PollForToken(context.Background(), flow)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, AuthErrorExpired, authErr.Kind)
}

func TestPollForTokenDeadline(t *testing.T) {
	c := newTestClient("http://unused", "http://unused", "http://unused")
	flow := &DeviceFlow{
		Authorization: DeviceAuthorization{DeviceCode: "dev-1", Interval: 5, ExpiresIn: 300},
		startedAt:     time.Now().Add(-10 * time.Minute),
	}

	_, err := c.PollForToken(context.Background(), flow)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, AuthErrorTimeout, authErr.Kind)
}

func TestRefresh(t *testing.T) {
	idToken := testIDToken(t, map[string]any{"gcid": "gcid-1"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-2",
			"id_token":     idToken,
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, srv.URL, srv.URL)

	current := &Token{IDToken: "old", GCID: "gcid-1"}
	current.AccessToken = "access-1"
	current.RefreshToken = "refresh-1"

	token, err := c.Refresh(context.Background(), current)
	require.NoError(t, err)
	assert.Equal(t, "access-2", token.AccessToken)
	// a response without a rotated refresh token keeps the current one
	assert.Equal(t, "refresh-1", token.RefreshToken)
	assert.Equal(t, "gcid-1", token.GCID)
}

func TestRefreshRequiresIDToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-2",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, srv.URL, srv.URL)
	current := &Token{}
	current.RefreshToken = "refresh-1"

	_, err := c.Refresh(context.Background(), current)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, AuthErrorRejected, authErr.Kind)
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	c := newTestClient("http://unused", "http://unused", "http://unused")
	_, err := c.Refresh(context.Background(), &Token{})
	assert.Error(t, err)
}

func TestExtractGCID(t *testing.T) {
	gcid, err := ExtractGCID(testIDToken(t, map[string]any{"gcid": "gcid-7"}))
	require.NoError(t, err)
	assert.Equal(t, "gcid-7", gcid)

	// falls back to the subject claim
	gcid, err = ExtractGCID(testIDToken(t, map[string]any{"sub": "sub-7"}))
	require.NoError(t, err)
	assert.Equal(t, "sub-7", gcid)

	_, err = ExtractGCID("")
	assert.Error(t, err)
}

func TestTokenUnmarshalOAuthError(t *testing.T) {
	var token Token
	err := json.Unmarshal([]byte(`{"error":"invalid_grant","error_description":"bad"}`), &token)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "invalid_grant", authErr.Code)
}

func TestCodeChallenge(t *testing.T) {
	// RFC 7636 appendix B reference vector
	assert.Equal(t,
		"E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		codeChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
}
