package pep_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gematik/zero-authz/pkg/claims"
	"github.com/gematik/zero-authz/pkg/dpop"
	"github.com/gematik/zero-authz/pkg/jose"
	"github.com/gematik/zero-authz/pkg/oauth2"
	"github.com/gematik/zero-authz/pkg/oauth2server"
	"github.com/gematik/zero-authz/pkg/pep"
	"github.com/gematik/zero-authz/pkg/uma"
	"github.com/gematik/zero-authz/pkg/zas"
	"github.com/gematik/zero-authz/pkg/zas/zasweb"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const resourceURL = "http://rs.example.com/records"

var ticketPattern = regexp.MustCompile(`ticket="([^"]+)"`)

// startAuthzServer runs the authorization server on a test listener so its
// issuer is the listener URL.
func startAuthzServer(t *testing.T) (string, *zas.Server) {
	t.Helper()
	var handler http.Handler = http.NotFoundHandler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	hash, err := oauth2server.HashSecret("secret")
	require.NoError(t, err)
	as, err := zas.New(&zas.Config{
		Issuer: srv.URL,
		Clients: []*oauth2server.Client{
			{
				ID:           "resource-server",
				Type:         oauth2server.ClientTypeConfidential,
				SecretHashes: []string{hash},
				GrantTypes:   []string{oauth2.GrantTypeClientCredentials},
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
				Scopes: []string{"read"},
				Rules: []uma.PolicyRule{
					{ID: "consent", Scopes: []string{"read"}, RequireConsent: true},
				},
			},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { as.Close() })

	e := echo.New()
	zasweb.MountRoutes(e.Group(""), as)
	handler = e
	return srv.URL, as
}

func newPEP(t *testing.T, issuer string, routes ...pep.RouteConfig) *pep.PEP {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	p, err := pep.New(ctx, pep.Config{
		AuthzIssuer:  issuer,
		TicketClient: &pep.ClientConfig{ClientID: "resource-server", ClientSecret: "secret"},
		Routes:       routes,
	})
	require.NoError(t, err)
	return p
}

func postForm(t *testing.T, endpoint string, form url.Values, clientID string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.SetBasicAuth(clientID, "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body := map[string]any{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &body), string(data))
	}
	return resp.StatusCode, body
}

// requestingPartyToken runs the UMA grant for a ticket and lets the resource
// server consent to the submitted request.
func requestingPartyToken(t *testing.T, as *zas.Server, issuer, ticket string) string {
	t.Helper()
	idToken := claims.New()
	idToken.Put(claims.Subject, "bob")
	idToken.Put(claims.Expiry, time.Now().Add(time.Minute).Unix())
	claimToken, err := as.Keys.Sign(context.Background(), idToken, "ES256")
	require.NoError(t, err)

	form := url.Values{
		"grant_type":  {oauth2.GrantTypeUMATicket},
		"ticket":      {ticket},
		"claim_token": {claimToken},
	}
	status, body := postForm(t, issuer+zas.PathToken, form, "requesting-party")
	require.Equal(t, http.StatusForbidden, status, body)
	require.Equal(t, oauth2.ErrorRequestSubmitted, body["error"])

	status, body = postForm(t, issuer+zas.PathConsent, url.Values{"ticket": {ticket}}, "resource-server")
	require.Equal(t, http.StatusNoContent, status, body)

	status, body = postForm(t, issuer+zas.PathToken, form, "requesting-party")
	require.Equal(t, http.StatusOK, status, body)
	rpt, _ := body["access_token"].(string)
	require.NotEmpty(t, rpt)
	return rpt
}

func protectedEcho(p *pep.PEP) *echo.Echo {
	e := echo.New()
	e.GET("/records", func(c echo.Context) error {
		payload := pep.ClaimsFromContext(c)
		return c.String(http.StatusOK, payload.String("client_id"))
	}, p.RequirePermission("records", "read"))
	return e
}

func TestNewChecksIssuer(t *testing.T) {
	issuer, _ := startAuthzServer(t)
	_, err := pep.New(context.Background(), pep.Config{AuthzIssuer: issuer + "/other"})
	assert.Error(t, err)

	_, err = pep.New(context.Background(), pep.Config{})
	assert.Error(t, err)
}

func TestMetadata(t *testing.T) {
	issuer, _ := startAuthzServer(t)
	p := newPEP(t, issuer)
	assert.Equal(t, issuer+zas.PathPermission, p.AuthzMetadata().PermissionEndpoint)
	assert.Equal(t, issuer+zas.PathJWKS, p.AuthzMetadata().JwksURI)
}

func TestTicketChallengeAndAccess(t *testing.T) {
	issuer, as := startAuthzServer(t)
	e := protectedEcho(newPEP(t, issuer))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, resourceURL, nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	challenge := rec.Header().Get(echo.HeaderWWWAuthenticate)
	assert.True(t, strings.HasPrefix(challenge, "UMA "), challenge)
	assert.Contains(t, challenge, `as_uri="`+issuer+`"`)
	match := ticketPattern.FindStringSubmatch(challenge)
	require.Len(t, match, 2, challenge)

	rpt := requestingPartyToken(t, as, issuer, match[1])

	req := httptest.NewRequest(http.MethodGet, resourceURL, nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+rpt)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "requesting-party", rec.Body.String())

	// tampered signature
	req = httptest.NewRequest(http.MethodGet, resourceURL, nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+rpt[:len(rpt)-4]+"AAAA")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderWWWAuthenticate), "ticket=")
}

func TestTokenWithoutPermission(t *testing.T) {
	issuer, _ := startAuthzServer(t)
	p := newPEP(t, issuer)

	status, body := postForm(t, issuer+zas.PathToken, url.Values{
		"grant_type": {oauth2.GrantTypeClientCredentials},
		"scope":      {"read"},
	}, "resource-server")
	require.Equal(t, http.StatusOK, status, body)
	token := body["access_token"].(string)

	req := httptest.NewRequest(http.MethodGet, resourceURL, nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	payload, err := p.VerifyRequest(req)
	require.NoError(t, err)
	assert.Empty(t, pep.Permissions(payload))
	assert.False(t, pep.HasPermission(payload, "records", "read"))

	rec := httptest.NewRecorder()
	protectedEcho(p).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChallengeWithoutTicketClient(t *testing.T) {
	issuer, _ := startAuthzServer(t)
	p, err := pep.New(context.Background(), pep.Config{AuthzIssuer: issuer})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	protectedEcho(p).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, resourceURL, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer error="invalid_token"`, rec.Header().Get(echo.HeaderWWWAuthenticate))

	_, err = p.RequestTicket(context.Background(), pep.Permission{ResourceID: "records", Scopes: []string{"read"}})
	assert.Error(t, err)
}

func TestVerifyDPoPBoundToken(t *testing.T) {
	issuer, _ := startAuthzServer(t)
	p := newPEP(t, issuer)
	key, err := jose.RandomKey("ES256")
	require.NoError(t, err)

	tokenReq, err := http.NewRequest(http.MethodPost, issuer+zas.PathToken, strings.NewReader(url.Values{
		"grant_type": {oauth2.GrantTypeClientCredentials},
		"scope":      {"read"},
	}.Encode()))
	require.NoError(t, err)
	tokenReq.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	tokenReq.SetBasicAuth("resource-server", "secret")
	require.NoError(t, dpop.SignRequest(tokenReq, key, ""))
	resp, err := http.DefaultClient.Do(tokenReq)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tokenResp oauth2.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tokenResp))
	require.Equal(t, oauth2.TokenTypeDPoP, tokenResp.TokenType)

	sum := sha256.Sum256([]byte(tokenResp.AccessToken))
	ath := base64.RawURLEncoding.EncodeToString(sum[:])
	otherKey, err := jose.RandomKey("ES256")
	require.NoError(t, err)
	proofFor := func(t *testing.T, signer jwk.Key) string {
		proof, err := dpop.NewToken(dpop.NewTokenId(), http.MethodGet, resourceURL, time.Now(), ath, "")
		require.NoError(t, err)
		signed, err := dpop.SignToken(proof, signer)
		require.NoError(t, err)
		return string(signed)
	}

	t.Run("bearer scheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, resourceURL, nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+tokenResp.AccessToken)
		_, err := p.VerifyRequest(req)
		assert.ErrorIs(t, err, pep.ErrInvalidToken)
	})

	t.Run("dpop scheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, resourceURL, nil)
		req.Header.Set(echo.HeaderAuthorization, "DPoP "+tokenResp.AccessToken)
		req.Header.Set(dpop.DPoPHeaderName, proofFor(t, key))
		payload, err := p.VerifyRequest(req)
		require.NoError(t, err)
		assert.Equal(t, "resource-server", payload.String("client_id"))
	})

	t.Run("proof of another key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, resourceURL, nil)
		req.Header.Set(echo.HeaderAuthorization, "DPoP "+tokenResp.AccessToken)
		req.Header.Set(dpop.DPoPHeaderName, proofFor(t, otherKey))
		_, err := p.VerifyRequest(req)
		assert.ErrorIs(t, err, pep.ErrInvalidToken)
	})

	t.Run("missing proof", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, resourceURL, nil)
		req.Header.Set(echo.HeaderAuthorization, "DPoP "+tokenResp.AccessToken)
		_, err := p.VerifyRequest(req)
		assert.ErrorIs(t, err, pep.ErrInvalidToken)
	})
}

func TestMountRoutesProxiesAuthorizedRequests(t *testing.T) {
	issuer, as := startAuthzServer(t)
	var upstreamPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamPath = r.URL.Path
		w.WriteHeader(http.StatusTeapot)
	}))
	t.Cleanup(upstream.Close)

	p := newPEP(t, issuer, pep.RouteConfig{
		Path:       "/records",
		ResourceID: "records",
		Scopes:     []string{"read"},
		Upstream:   upstream.URL,
	})
	e := echo.New()
	require.NoError(t, p.MountRoutes(e))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, resourceURL+"/42", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, upstreamPath)
	match := ticketPattern.FindStringSubmatch(rec.Header().Get(echo.HeaderWWWAuthenticate))
	require.Len(t, match, 2)

	rpt := requestingPartyToken(t, as, issuer, match[1])
	req := httptest.NewRequest(http.MethodGet, resourceURL+"/42", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+rpt)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "/records/42", upstreamPath)
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("PEP_TEST_SECRET", "secret")
	path := t.TempDir() + "/pep.yaml"
	content := `
address: ":8012"
authz_issuer: https://zas.example.com
jwks_refresh_interval: 5m
ticket_client:
  client_id: resource-server
  client_secret: ${PEP_TEST_SECRET}
routes:
  - path: /records
    resource_id: records
    scopes: [read]
    upstream: http://localhost:9000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	cfg, err := pep.LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.TicketClient.ClientSecret)
	assert.Equal(t, 5*time.Minute, cfg.JWKSRefreshInterval)
	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, "records", cfg.Routes[0].ResourceID)

	require.NoError(t, os.WriteFile(path, []byte("authz_issuer: https://zas.example.com\nroutes:\n  - path: records\n"), 0o600))
	_, err = pep.LoadConfigFile(path)
	assert.Error(t, err)
}
