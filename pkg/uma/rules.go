package uma

import (
	"context"

	"github.com/gematik/zero-authz/pkg/claims"
)

// LineParameter is the part of a ticket line a rule is evaluated against.
type LineParameter struct {
	ClientID         string
	Scopes           []string
	IsAuthorizedByRO bool
}

//go:generate mockgen -destination=mocks/uma_mock.go -package=mocks . RuleEvaluator,ResourceSetDirectory

type RuleEvaluator interface {
	EvaluateRule(ctx context.Context, rule *PolicyRule, line LineParameter, principal *claims.Set) ResultKind
}

// DefaultRuleEvaluator checks, in order, the scope subset, the client
// allow-list, resource owner consent and the required claims.
type DefaultRuleEvaluator struct{}

func (DefaultRuleEvaluator) EvaluateRule(_ context.Context, rule *PolicyRule, line LineParameter, principal *claims.Set) ResultKind {
	if !subset(line.Scopes, rule.Scopes) {
		return NotAuthorized
	}
	if len(rule.ClientIDs) > 0 && !contains(rule.ClientIDs, line.ClientID) {
		return NotAuthorized
	}
	if rule.RequireConsent && !line.IsAuthorizedByRO {
		return RequestSubmitted
	}
	for _, required := range rule.Claims {
		// array valued claims never match
		if !contains(principal.Scalars(required.Type), required.Value) {
			return NotAuthorized
		}
	}
	return Authorized
}

func subset(a, b []string) bool {
	for _, s := range a {
		if !contains(b, s) {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}
