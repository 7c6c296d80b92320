package zasweb_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gematik/zero-authz/pkg/audit"
	"github.com/gematik/zero-authz/pkg/claims"
	"github.com/gematik/zero-authz/pkg/dpop"
	"github.com/gematik/zero-authz/pkg/jose"
	"github.com/gematik/zero-authz/pkg/oauth2"
	"github.com/gematik/zero-authz/pkg/oauth2server"
	"github.com/gematik/zero-authz/pkg/uma"
	"github.com/gematik/zero-authz/pkg/zas"
	"github.com/gematik/zero-authz/pkg/zas/zasweb"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const issuer = "http://example.com"

type fixture struct {
	as *zas.Server
	e  *echo.Echo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hash, err := oauth2server.HashSecret("secret")
	require.NoError(t, err)
	cfg := &zas.Config{
		Issuer: issuer,
		Clients: []*oauth2server.Client{
			{
				ID:           "resource-server",
				Type:         oauth2server.ClientTypeConfidential,
				SecretHashes: []string{hash},
				GrantTypes:   []string{oauth2.GrantTypeClientCredentials, oauth2.GrantTypeRefreshToken},
				Scopes:       []string{"read", uma.ProtectionScope},
			},
			{
				ID:           "requesting-party",
				Type:         oauth2server.ClientTypeConfidential,
				SecretHashes: []string{hash},
				GrantTypes:   []string{oauth2.GrantTypeUMATicket},
			},
		},
		ResourceSets: []*uma.ResourceSet{
			{
				ID:     "records",
				Owner:  "alice",
				Scopes: []string{"read", "write"},
				Rules: []uma.PolicyRule{
					{ID: "admins", Scopes: []string{"read"}, Claims: []uma.ClaimRequirement{{Type: "role", Value: "admin"}}},
					{ID: "consent", Scopes: []string{"read"}, RequireConsent: true},
				},
			},
		},
	}
	as, err := zas.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { as.Close() })

	e := echo.New()
	zasweb.MountRoutes(e.Group(""), as)
	return &fixture{as: as, e: e}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func formRequest(path string, form url.Values, clientID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, issuer+path, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	if clientID != "" {
		req.SetBasicAuth(clientID, "secret")
	}
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func (f *fixture) permissionTicket(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, issuer+zas.PathPermission,
		strings.NewReader(`{"resource_id":"records","resource_scopes":["read"]}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.SetBasicAuth("resource-server", "secret")
	rec := f.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ticket, _ := decode(t, rec)["ticket"].(string)
	require.NotEmpty(t, ticket)
	return ticket
}

// claimToken signs an id token for the requesting party with the server keys.
func (f *fixture) claimToken(t *testing.T) string {
	t.Helper()
	payload := claims.New()
	payload.Put(claims.Subject, "bob")
	payload.Put(claims.Expiry, time.Now().Add(time.Minute).Unix())
	token, err := f.as.Keys.Sign(context.Background(), payload, "ES256")
	require.NoError(t, err)
	return token
}

func TestDiscoveryEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, issuer, body["issuer"])
	assert.Equal(t, issuer+"/token", body["token_endpoint"])
	assert.Equal(t, issuer+"/revoke", body["revocation_endpoint"])

	rec = f.do(httptest.NewRequest(http.MethodGet, "/.well-known/uma2-configuration", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, issuer+"/perm", body["permission_endpoint"])
	assert.Contains(t, body["grant_types_supported"], oauth2.GrantTypeUMATicket)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/jwks", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	keys, ok := decode(t, rec)["keys"].([]any)
	require.True(t, ok)
	assert.Len(t, keys, 1)
	assert.NotContains(t, keys[0], "d")
}

func TestNonceEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/nonce", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	nonce, _ := decode(t, rec)["nonce"].(string)
	require.NotEmpty(t, nonce)
	assert.NoError(t, f.as.Nonces.Redeem(context.Background(), nonce))

	rec = f.do(httptest.NewRequest(http.MethodHead, "/nonce", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Replay-Nonce"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestTokenClientCredentials(t *testing.T) {
	f := newFixture(t)

	rec := f.do(formRequest("/token", url.Values{
		"grant_type": {oauth2.GrantTypeClientCredentials},
		"scope":      {"read"},
	}, "resource-server"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var resp oauth2.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, oauth2.TokenTypeBearer, resp.TokenType)
	assert.Equal(t, "read", resp.Scope)
	assert.Positive(t, resp.ExpiresIn)

	payload, err := f.as.Keys.VerifyOwn(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "resource-server", payload.String("client_id"))
}

func TestTokenErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		req    func() *http.Request
		status int
		code   string
	}{
		{
			name: "content type",
			req: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(`{}`))
				req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
				return req
			},
			status: http.StatusBadRequest,
			code:   oauth2.ErrorInvalidRequest,
		},
		{
			name: "missing grant type",
			req: func() *http.Request {
				return formRequest("/token", url.Values{}, "resource-server")
			},
			status: http.StatusBadRequest,
			code:   oauth2.ErrorInvalidRequest,
		},
		{
			name: "unsupported grant type",
			req: func() *http.Request {
				return formRequest("/token", url.Values{"grant_type": {"implicit"}}, "resource-server")
			},
			status: http.StatusBadRequest,
			code:   oauth2.ErrorUnsupportedGrantType,
		},
		{
			name: "wrong secret",
			req: func() *http.Request {
				req := formRequest("/token", url.Values{"grant_type": {oauth2.GrantTypeClientCredentials}, "scope": {"read"}}, "")
				req.SetBasicAuth("resource-server", "wrong")
				return req
			},
			status: http.StatusUnauthorized,
			code:   oauth2.ErrorInvalidClient,
		},
		{
			name: "scope not allowed",
			req: func() *http.Request {
				return formRequest("/token", url.Values{
					"grant_type": {oauth2.GrantTypeClientCredentials},
					"scope":      {"admin"},
				}, "resource-server")
			},
			status: http.StatusBadRequest,
			code:   oauth2.ErrorInvalidScope,
		},
		{
			name: "unknown refresh token",
			req: func() *http.Request {
				return formRequest("/token", url.Values{
					"grant_type":    {oauth2.GrantTypeRefreshToken},
					"refresh_token": {"unknown"},
				}, "resource-server")
			},
			status: http.StatusBadRequest,
			code:   oauth2.ErrorInvalidGrant,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.req())
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode(t, rec)["error"])
			if tt.status == http.StatusUnauthorized {
				assert.NotEmpty(t, rec.Header().Get(echo.HeaderWWWAuthenticate))
			}
		})
	}
}

func TestTokenDPoP(t *testing.T) {
	f := newFixture(t)
	key, err := jose.RandomKey("ES256")
	require.NoError(t, err)

	req := formRequest("/token", url.Values{
		"grant_type": {oauth2.GrantTypeClientCredentials},
		"scope":      {"read"},
	}, "resource-server")
	require.NoError(t, dpop.SignRequest(req, key, ""))

	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp oauth2.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, oauth2.TokenTypeDPoP, resp.TokenType)

	payload, err := f.as.Keys.VerifyOwn(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	assert.True(t, payload.Has("cnf"))
}

func TestTokenDPoPWrongTarget(t *testing.T) {
	f := newFixture(t)
	key, err := jose.RandomKey("ES256")
	require.NoError(t, err)

	proof, err := dpop.NewToken(dpop.NewTokenId(), http.MethodPost, issuer+"/other", time.Now(), "", "")
	require.NoError(t, err)
	signed, err := dpop.SignToken(proof, key)
	require.NoError(t, err)

	req := formRequest("/token", url.Values{"grant_type": {oauth2.GrantTypeClientCredentials}, "scope": {"read"}}, "resource-server")
	req.Header.Set(dpop.DPoPHeaderName, string(signed))
	rec := f.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, oauth2.ErrorInvalidDPoPProof, decode(t, rec)["error"])
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)

	rec := f.do(formRequest("/token", url.Values{"grant_type": {oauth2.GrantTypeClientCredentials}, "scope": {"read"}}, "resource-server"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp oauth2.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	form := url.Values{"token": {resp.AccessToken}, "token_type_hint": {oauth2.TokenTypeHintAccessToken}}
	rec = f.do(formRequest("/revoke", form, "resource-server"))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(formRequest("/revoke", form, "resource-server"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, oauth2.ErrorInvalidGrant, decode(t, rec)["error"])
}

func TestPermissionEndpoint(t *testing.T) {
	f := newFixture(t)
	assert.NotEmpty(t, f.permissionTicket(t))

	t.Run("array body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/perm",
			strings.NewReader(`[{"resource_id":"records","resource_scopes":["read","write"]}]`))
		req.SetBasicAuth("resource-server", "secret")
		rec := f.do(req)
		assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	})

	t.Run("unknown resource set", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/perm",
			strings.NewReader(`{"resource_id":"unknown","resource_scopes":["read"]}`))
		req.SetBasicAuth("resource-server", "secret")
		rec := f.do(req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, oauth2.ErrorInvalidResource, decode(t, rec)["error"])
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/perm", strings.NewReader(`{`))
		req.SetBasicAuth("resource-server", "secret")
		rec := f.do(req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, oauth2.ErrorInvalidRequest, decode(t, rec)["error"])
	})

	t.Run("not a resource server", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/perm",
			strings.NewReader(`{"resource_id":"records","resource_scopes":["read"]}`))
		req.SetBasicAuth("requesting-party", "secret")
		rec := f.do(req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, oauth2.ErrorInvalidScope, decode(t, rec)["error"])
	})
}

func TestUMAGrantFlow(t *testing.T) {
	f := newFixture(t)
	ticket := f.permissionTicket(t)
	claimToken := f.claimToken(t)

	umaRequest := func(extra url.Values) *http.Request {
		form := url.Values{
			"grant_type":  {oauth2.GrantTypeUMATicket},
			"ticket":      {ticket},
			"claim_token": {claimToken},
		}
		for k, v := range extra {
			form[k] = v
		}
		return formRequest("/token", form, "requesting-party")
	}

	// unsupported claim token format
	rec := f.do(umaRequest(url.Values{"claim_token_format": {"urn:example:saml"}, "claim_token": {"x"}}))
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, oauth2.ErrorNeedInfo, body["error"])
	assert.Equal(t, ticket, body["ticket"])
	required, ok := body["required_claims"].([]any)
	require.True(t, ok, body)
	require.Len(t, required, 1)
	assert.Equal(t, "role", required[0].(map[string]any)["name"])

	// no role claim, the consent rule submits the request
	rec = f.do(umaRequest(nil))
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	body = decode(t, rec)
	assert.Equal(t, oauth2.ErrorRequestSubmitted, body["error"])
	assert.Equal(t, ticket, body["ticket"])

	// only the resource server may record consent
	rec = f.do(formRequest("/consent", url.Values{"ticket": {ticket}}, "requesting-party"))
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = f.do(formRequest("/consent", url.Values{"ticket": {ticket}}, "resource-server"))
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(umaRequest(nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp oauth2.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	payload, err := f.as.Keys.VerifyOwn(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	assert.True(t, payload.Has("permissions"))

	// tickets are single use
	rec = f.do(umaRequest(nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, oauth2.ErrorInvalidGrant, decode(t, rec)["error"])
}

func TestUMAGrantNotAuthorized(t *testing.T) {
	f := newFixture(t)
	ticket := f.permissionTicket(t)

	rec := f.do(formRequest("/token", url.Values{
		"grant_type":  {oauth2.GrantTypeUMATicket},
		"ticket":      {ticket},
		"claim_token": {"not-a-jwt"},
	}, "requesting-party"))
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	assert.Equal(t, oauth2.ErrorNotAuthorized, decode(t, rec)["error"])

	// a requesting party without claim token is not anonymous
	rec = f.do(formRequest("/token", url.Values{
		"grant_type": {oauth2.GrantTypeUMATicket},
		"ticket":     {ticket},
	}, "requesting-party"))
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	assert.Equal(t, oauth2.ErrorNotAuthorized, decode(t, rec)["error"])
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.e)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+zas.PathEvents, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.as.Events.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	form := url.Values{"grant_type": {oauth2.GrantTypeClientCredentials}, "scope": {"read"}}
	req, err := http.NewRequest(http.MethodPost, srv.URL+zas.PathToken, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.SetBasicAuth("resource-server", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event audit.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, audit.TokenIssued, event.Name)
	assert.Equal(t, "resource-server", event.Payload["client_id"])
}
