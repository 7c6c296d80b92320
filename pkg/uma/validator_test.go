package uma_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gematik/zero-authz/pkg/audit"
	auditmocks "github.com/gematik/zero-authz/pkg/audit/mocks"
	"github.com/gematik/zero-authz/pkg/claims"
	"github.com/gematik/zero-authz/pkg/jose"
	"github.com/gematik/zero-authz/pkg/oauth2server"
	"github.com/gematik/zero-authz/pkg/store"
	"github.com/gematik/zero-authz/pkg/uma"
	"github.com/gematik/zero-authz/pkg/uma/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type staticClaims struct {
	set *claims.Set
	err error
}

func (s staticClaims) ValidateClaimToken(context.Context, string, *oauth2server.Client) (*claims.Set, error) {
	return s.set, s.err
}

func principal(kv ...any) *claims.Set {
	s := claims.New()
	for i := 0; i+1 < len(kv); i += 2 {
		s.Put(kv[i].(string), kv[i+1])
	}
	return s
}

var requester = &oauth2server.Client{ID: "requesting-party"}

func ticketFor(lines ...uma.TicketLine) *uma.Ticket {
	return &uma.Ticket{ID: "ticket-1", Lines: lines, CreatedAt: time.Now()}
}

func idToken() uma.ClaimToken {
	return uma.ClaimToken{Token: "header.payload.signature", Format: uma.IDTokenFormat}
}

func newResources(t *testing.T, sets ...*uma.ResourceSet) *store.Memory {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(mem.Stop)
	for _, rs := range sets {
		require.NoError(t, mem.PutResourceSet(context.Background(), rs))
	}
	return mem
}

func TestRulesShortCircuitOnFirstAuthorized(t *testing.T) {
	ctrl := gomock.NewController(t)
	rules := mocks.NewMockRuleEvaluator(ctrl)
	rs := &uma.ResourceSet{
		ID:     "records",
		Scopes: []string{"read"},
		Rules:  []uma.PolicyRule{{ID: "r1"}, {ID: "r2"}, {ID: "r3"}},
	}

	gomock.InOrder(
		rules.EXPECT().EvaluateRule(gomock.Any(), &rs.Rules[0], gomock.Any(), gomock.Any()).Return(uma.NotAuthorized),
		rules.EXPECT().EvaluateRule(gomock.Any(), &rs.Rules[1], gomock.Any(), gomock.Any()).Return(uma.Authorized),
	)

	v := uma.NewValidator(newResources(t, rs), staticClaims{set: principal("sub", "bob")}, uma.WithRuleEvaluator(rules))
	result, err := v.Evaluate(context.Background(), ticketFor(uma.TicketLine{ResourceSetID: "records", Scopes: []string{"read"}}), requester, idToken())
	require.NoError(t, err)
	assert.Equal(t, uma.Authorized, result.Kind)
	assert.Equal(t, "bob", result.Principal.String("sub"))
}

func TestLastRuleResultWins(t *testing.T) {
	ctrl := gomock.NewController(t)
	rules := mocks.NewMockRuleEvaluator(ctrl)
	rs := &uma.ResourceSet{ID: "records", Scopes: []string{"read"}, Rules: []uma.PolicyRule{{ID: "r1"}, {ID: "r2"}}}
	gomock.InOrder(
		rules.EXPECT().EvaluateRule(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(uma.RequestSubmitted),
		rules.EXPECT().EvaluateRule(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(uma.NotAuthorized),
	)

	v := uma.NewValidator(newResources(t, rs), staticClaims{set: claims.New()}, uma.WithRuleEvaluator(rules))
	result, err := v.Evaluate(context.Background(), ticketFor(uma.TicketLine{ResourceSetID: "records", Scopes: []string{"read"}}), requester, idToken())
	require.NoError(t, err)
	assert.Equal(t, uma.NotAuthorized, result.Kind)
}

func TestResourceSetWithoutRulesIsSubmitted(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := auditmocks.NewMockPublisher(ctrl)
	var published audit.Event
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).Do(func(_ context.Context, e audit.Event) {
		published = e
	})

	rs := &uma.ResourceSet{ID: "records", Scopes: []string{"read"}}
	v := uma.NewValidator(newResources(t, rs), staticClaims{set: principal("sub", "bob")}, uma.WithEventPublisher(pub))
	result, err := v.Evaluate(context.Background(), ticketFor(uma.TicketLine{ResourceSetID: "records", Scopes: []string{"read"}}), requester, idToken())
	require.NoError(t, err)
	assert.Equal(t, uma.RequestSubmitted, result.Kind)

	assert.Equal(t, audit.RequestSubmitted, published.Name)
	assert.Equal(t, "ticket-1", published.Payload["ticket_id"])
	assert.Equal(t, map[string]any{"sub": "bob"}, published.Payload["requester"])
	assert.Equal(t, true, published.Payload["requester_verified"])
}

func TestDefaultRuleEvaluation(t *testing.T) {
	rule := uma.PolicyRule{
		Scopes: []string{"read", "write"},
		Claims: []uma.ClaimRequirement{{Type: "role", Value: "admin"}},
	}
	tests := []struct {
		name      string
		rule      uma.PolicyRule
		line      uma.LineParameter
		principal *claims.Set
		want      uma.ResultKind
	}{
		{"matching claim", rule, uma.LineParameter{Scopes: []string{"read"}}, principal("role", "admin"), uma.Authorized},
		{"missing claim", rule, uma.LineParameter{Scopes: []string{"read"}}, principal("sub", "bob"), uma.NotAuthorized},
		{"other value", rule, uma.LineParameter{Scopes: []string{"read"}}, principal("role", "nurse"), uma.NotAuthorized},
		{"array claim never matches", rule, uma.LineParameter{Scopes: []string{"read"}}, principal("role", []string{"admin", "doctor"}), uma.NotAuthorized},
		{"scope outside rule", rule, uma.LineParameter{Scopes: []string{"delete"}}, principal("role", "admin"), uma.NotAuthorized},
		{
			"client not allowed",
			uma.PolicyRule{Scopes: []string{"read"}, ClientIDs: []string{"trusted"}},
			uma.LineParameter{ClientID: "requesting-party", Scopes: []string{"read"}},
			claims.New(),
			uma.NotAuthorized,
		},
		{
			"consent pending",
			uma.PolicyRule{Scopes: []string{"read"}, RequireConsent: true},
			uma.LineParameter{Scopes: []string{"read"}},
			claims.New(),
			uma.RequestSubmitted,
		},
		{
			"consent given",
			uma.PolicyRule{Scopes: []string{"read"}, RequireConsent: true},
			uma.LineParameter{Scopes: []string{"read"}, IsAuthorizedByRO: true},
			claims.New(),
			uma.Authorized,
		},
		{"numeric claim", uma.PolicyRule{Scopes: []string{"read"}, Claims: []uma.ClaimRequirement{{Type: "level", Value: "3"}}},
			uma.LineParameter{Scopes: []string{"read"}}, principal("level", int64(3)), uma.Authorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := uma.DefaultRuleEvaluator{}.EvaluateRule(context.Background(), &tt.rule, tt.line, tt.principal)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNeedInfoForOtherClaimTokenFormats(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := auditmocks.NewMockPublisher(ctrl)
	var published audit.Event
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).Do(func(_ context.Context, e audit.Event) {
		published = e
	})

	rs := &uma.ResourceSet{
		ID:     "records",
		Scopes: []string{"read"},
		Rules: []uma.PolicyRule{{
			Scopes:         []string{"read"},
			Claims:         []uma.ClaimRequirement{{Type: "role", Value: "admin"}},
			OpenIDProvider: "https://idp.example.com",
		}},
	}
	v := uma.NewValidator(newResources(t, rs), staticClaims{err: errors.New("must not be called")}, uma.WithEventPublisher(pub))
	result, err := v.Evaluate(context.Background(),
		ticketFor(uma.TicketLine{ResourceSetID: "records", Scopes: []string{"read"}}),
		requester,
		uma.ClaimToken{Token: "opaque", Format: "urn:example:saml"})
	require.NoError(t, err)

	assert.Equal(t, uma.NeedInfo, result.Kind)
	require.NotNil(t, result.NeedInfo)
	assert.Equal(t, "ticket-1", result.NeedInfo.Ticket)
	require.Len(t, result.NeedInfo.RequiredClaims, 1)
	assert.Equal(t, "role", result.NeedInfo.RequiredClaims[0].Name)
	assert.Equal(t, []string{"https://idp.example.com"}, result.NeedInfo.RequiredClaims[0].Issuer)
	assert.Equal(t, []string{uma.IDTokenFormat}, result.NeedInfo.RequiredClaims[0].ClaimTokenFormat)

	assert.Equal(t, audit.NotAuthorized, published.Name)
	assert.Equal(t, "need_info", published.Payload["kind"])
}

func TestInvalidClaimTokenFailsClosed(t *testing.T) {
	rs := &uma.ResourceSet{ID: "records", Scopes: []string{"read"}, Rules: []uma.PolicyRule{{Scopes: []string{"read"}}}}
	tests := []struct {
		name  string
		token uma.ClaimToken
	}{
		{"bad signature", idToken()},
		{"empty claim token", uma.ClaimToken{}},
		{"empty id token", uma.ClaimToken{Format: uma.IDTokenFormat}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			rules := mocks.NewMockRuleEvaluator(ctrl)
			v := uma.NewValidator(newResources(t, rs), staticClaims{err: errors.New("bad signature")}, uma.WithRuleEvaluator(rules))
			result, err := v.Evaluate(context.Background(), ticketFor(uma.TicketLine{ResourceSetID: "records", Scopes: []string{"read"}}), requester, tt.token)
			require.NoError(t, err)
			assert.Equal(t, uma.NotAuthorized, result.Kind)
			assert.Equal(t, 0, result.Principal.Len())
		})
	}
}

func TestUnverifiedFormatSubmitsWithoutRequester(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := auditmocks.NewMockPublisher(ctrl)
	var published audit.Event
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).Do(func(_ context.Context, e audit.Event) {
		published = e
	})

	rs := &uma.ResourceSet{ID: "records", Scopes: []string{"read"}}
	v := uma.NewValidator(newResources(t, rs), staticClaims{err: errors.New("must not be called")}, uma.WithEventPublisher(pub))
	result, err := v.Evaluate(context.Background(),
		ticketFor(uma.TicketLine{ResourceSetID: "records", Scopes: []string{"read"}}),
		requester,
		uma.ClaimToken{Token: "opaque", Format: "urn:example:saml"})
	require.NoError(t, err)
	assert.Equal(t, uma.RequestSubmitted, result.Kind)

	assert.Equal(t, audit.RequestSubmitted, published.Name)
	assert.Equal(t, map[string]any{}, published.Payload["requester"])
	assert.Equal(t, false, published.Payload["requester_verified"])
}

func TestMissingResourceSet(t *testing.T) {
	ctrl := gomock.NewController(t)
	resources := mocks.NewMockResourceSetDirectory(ctrl)
	resources.EXPECT().GetResourceSets(gomock.Any(), []string{"records", "gone"}).Return([]*uma.ResourceSet{
		{ID: "records", Scopes: []string{"read"}, Rules: []uma.PolicyRule{{Scopes: []string{"read"}}}},
	}, nil)

	v := uma.NewValidator(resources, staticClaims{set: claims.New()})
	result, err := v.Evaluate(context.Background(), ticketFor(
		uma.TicketLine{ResourceSetID: "records", Scopes: []string{"read"}},
		uma.TicketLine{ResourceSetID: "gone", Scopes: []string{"read"}},
	), requester, idToken())
	require.NoError(t, err)
	assert.Equal(t, uma.NotAuthorized, result.Kind)
}

func TestResourceDirectoryFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	resources := mocks.NewMockResourceSetDirectory(ctrl)
	resources.EXPECT().GetResourceSets(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused"))

	v := uma.NewValidator(resources, staticClaims{set: claims.New()})
	_, err := v.Evaluate(context.Background(), ticketFor(uma.TicketLine{ResourceSetID: "records"}), requester, idToken())
	assert.ErrorContains(t, err, "connection refused")
}

func TestFirstDeniedLineReturns(t *testing.T) {
	ctrl := gomock.NewController(t)
	rules := mocks.NewMockRuleEvaluator(ctrl)
	a := &uma.ResourceSet{ID: "a", Scopes: []string{"read"}, Rules: []uma.PolicyRule{{ID: "a1"}}}
	b := &uma.ResourceSet{ID: "b", Scopes: []string{"read"}, Rules: []uma.PolicyRule{{ID: "b1"}}}
	c := &uma.ResourceSet{ID: "c", Scopes: []string{"read"}, Rules: []uma.PolicyRule{{ID: "c1"}}}
	rules.EXPECT().EvaluateRule(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(uma.Authorized)
	rules.EXPECT().EvaluateRule(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(uma.NotAuthorized)

	v := uma.NewValidator(newResources(t, a, b, c), staticClaims{set: claims.New()}, uma.WithRuleEvaluator(rules))
	result, err := v.Evaluate(context.Background(), ticketFor(
		uma.TicketLine{ResourceSetID: "a", Scopes: []string{"read"}},
		uma.TicketLine{ResourceSetID: "b", Scopes: []string{"read"}},
		uma.TicketLine{ResourceSetID: "c", Scopes: []string{"read"}},
	), requester, idToken())
	require.NoError(t, err)
	assert.Equal(t, uma.NotAuthorized, result.Kind)
	assert.Equal(t, "b", result.ResourceSetID)
}

func TestEvaluateRejectsEmptyTicket(t *testing.T) {
	v := uma.NewValidator(newResources(t), staticClaims{set: claims.New()})
	_, err := v.Evaluate(context.Background(), &uma.Ticket{ID: "empty"}, requester, idToken())
	assert.ErrorIs(t, err, uma.ErrInvalidArgument)
}

func TestSubmissionEventsAreDeduplicated(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := auditmocks.NewMockPublisher(ctrl)
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).Times(1)

	mem := newResources(t, &uma.ResourceSet{
		ID:     "records",
		Scopes: []string{"read"},
		Rules:  []uma.PolicyRule{{Scopes: []string{"read"}, RequireConsent: true}},
	})
	v := uma.NewValidator(mem, staticClaims{set: claims.New()},
		uma.WithEventPublisher(pub),
		uma.WithSubmissionTracker(mem))

	ticket := ticketFor(uma.TicketLine{ResourceSetID: "records", Scopes: []string{"read"}})
	for i := 0; i < 3; i++ {
		result, err := v.Evaluate(context.Background(), ticket, requester, idToken())
		require.NoError(t, err)
		assert.Equal(t, uma.RequestSubmitted, result.Kind)
	}
}

func TestJWTClaimTokenValidator(t *testing.T) {
	ctx := context.Background()
	keys, err := jose.GenerateKeyStore("ES256")
	require.NoError(t, err)

	payload := claims.New()
	payload.Put("sub", "bob")
	payload.Put("role", "admin")
	payload.Put("exp", time.Now().Add(time.Minute).Unix())
	token, err := keys.Sign(ctx, payload, "ES256")
	require.NoError(t, err)

	v := &uma.JWTClaimTokenValidator{ServerKeys: keys.PublicKeys()}
	got, err := v.ValidateClaimToken(ctx, token, requester)
	require.NoError(t, err)
	assert.Equal(t, "admin", got.String("role"))

	other, err := jose.GenerateKeyStore("ES256")
	require.NoError(t, err)
	v = &uma.JWTClaimTokenValidator{ServerKeys: other.PublicKeys()}
	_, err = v.ValidateClaimToken(ctx, token, requester)
	assert.Error(t, err)
}
