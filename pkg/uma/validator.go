package uma

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gematik/zero-authz/pkg/audit"
	"github.com/gematik/zero-authz/pkg/claims"
	"github.com/gematik/zero-authz/pkg/oauth2server"
)

// Validator decides whether a ticket is authorized by the policy rules of its
// resource sets.
type Validator struct {
	resources   ResourceSetDirectory
	claimTokens ClaimTokenValidator
	rules       RuleEvaluator
	events      audit.Publisher
	submissions SubmissionTracker
	logger      *slog.Logger
}

type ValidatorOption func(*Validator)

func WithRuleEvaluator(r RuleEvaluator) ValidatorOption {
	return func(v *Validator) {
		v.rules = r
	}
}

func WithEventPublisher(p audit.Publisher) ValidatorOption {
	return func(v *Validator) {
		v.events = p
	}
}

// WithSubmissionTracker suppresses repeated submission events for a ticket.
func WithSubmissionTracker(t SubmissionTracker) ValidatorOption {
	return func(v *Validator) {
		v.submissions = t
	}
}

func WithValidatorLogger(l *slog.Logger) ValidatorOption {
	return func(v *Validator) {
		v.logger = l
	}
}

func NewValidator(resources ResourceSetDirectory, claimTokens ClaimTokenValidator, opts ...ValidatorOption) *Validator {
	v := &Validator{
		resources:   resources,
		claimTokens: claimTokens,
		rules:       DefaultRuleEvaluator{},
		events:      audit.Discard,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Evaluate returns one of the four outcomes for the ticket. Errors are
// reserved for invalid arguments, cancellation and infrastructure failures.
func (v *Validator) Evaluate(ctx context.Context, ticket *Ticket, client *oauth2server.Client, claimToken ClaimToken) (*AuthorizationPolicyResult, error) {
	if ticket == nil || len(ticket.Lines) == 0 {
		return nil, fmt.Errorf("ticket without lines: %w", ErrInvalidArgument)
	}
	if client == nil {
		return nil, fmt.Errorf("missing client: %w", ErrInvalidArgument)
	}

	principal := claims.New()
	if claimToken.IsIDToken() {
		if claimToken.Token == "" {
			v.logger.Info("Claim token missing", "ticket_id", ticket.ID, "client_id", client.ID)
			return v.deny(ctx, ticket, client, &AuthorizationPolicyResult{Kind: NotAuthorized, Principal: principal}), nil
		}
		validated, err := v.claimTokens.ValidateClaimToken(ctx, claimToken.Token, client)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			v.logger.Info("Claim token rejected", "ticket_id", ticket.ID, "client_id", client.ID, "error", err)
			return v.deny(ctx, ticket, client, &AuthorizationPolicyResult{Kind: NotAuthorized, Principal: principal}), nil
		}
		principal = validated
	}

	ids := ticket.ResourceSetIDs()
	resourceSets, err := v.resources.GetResourceSets(ctx, ids)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get resource sets: %w", err)
	}
	byID := make(map[string]*ResourceSet, len(resourceSets))
	for _, rs := range resourceSets {
		if rs != nil {
			byID[rs.ID] = rs
		}
	}
	if err != nil || len(resourceSets) != len(ids) || len(byID) != len(ids) {
		v.logger.Info("Ticket references unknown resource sets", "ticket_id", ticket.ID, "requested", len(ids), "found", len(byID))
		return v.deny(ctx, ticket, client, &AuthorizationPolicyResult{Kind: NotAuthorized, Principal: principal}), nil
	}

	var last *AuthorizationPolicyResult
	for _, line := range ticket.Lines {
		rs, ok := byID[line.ResourceSetID]
		if !ok {
			return v.deny(ctx, ticket, client, &AuthorizationPolicyResult{Kind: NotAuthorized, Principal: principal, ResourceSetID: line.ResourceSetID}), nil
		}
		result := v.evaluateLine(ctx, rs, LineParameter{
			ClientID:         client.ID,
			Scopes:           line.Scopes,
			IsAuthorizedByRO: ticket.IsAuthorizedByRO,
		}, claimToken, principal)
		if result.Kind != Authorized {
			return v.deny(ctx, ticket, client, result), nil
		}
		last = result
	}
	return last, nil
}

func (v *Validator) evaluateLine(ctx context.Context, rs *ResourceSet, line LineParameter, claimToken ClaimToken, principal *claims.Set) *AuthorizationPolicyResult {
	result := &AuthorizationPolicyResult{
		Principal:         principal,
		PrincipalVerified: claimToken.IsIDToken(),
		ResourceSetID:     rs.ID,
	}

	if len(rs.Rules) == 0 {
		result.Kind = RequestSubmitted
		return result
	}

	if !claimToken.IsIDToken() {
		result.Kind = NeedInfo
		result.NeedInfo = needInfo(&rs.Rules[0])
		return result
	}

	for i := range rs.Rules {
		result.Kind = v.rules.EvaluateRule(ctx, &rs.Rules[i], line, principal)
		if result.Kind == Authorized {
			break
		}
	}
	return result
}

func needInfo(rule *PolicyRule) *NeedInfoDetails {
	details := &NeedInfoDetails{RequiredClaims: make([]RequiredClaim, 0, len(rule.Claims))}
	for _, c := range rule.Claims {
		rc := RequiredClaim{
			Name:             c.Type,
			FriendlyName:     c.Type,
			ClaimTokenFormat: []string{IDTokenFormat},
			Value:            c.Value,
		}
		if rule.OpenIDProvider != "" {
			rc.Issuer = []string{rule.OpenIDProvider}
		}
		details.RequiredClaims = append(details.RequiredClaims, rc)
	}
	return details
}

// deny publishes the event of a terminal non authorized outcome and returns
// the result.
func (v *Validator) deny(ctx context.Context, ticket *Ticket, client *oauth2server.Client, result *AuthorizationPolicyResult) *AuthorizationPolicyResult {
	if result.NeedInfo != nil {
		result.NeedInfo.Ticket = ticket.ID
	}
	payload := map[string]any{
		"ticket_id":   ticket.ID,
		"client_id":   client.ID,
		"resource_id": result.ResourceSetID,
		"kind":        result.Kind.String(),
	}

	if result.Kind != RequestSubmitted {
		v.events.Publish(ctx, audit.NewEvent(audit.NotAuthorized, payload))
		return result
	}

	if v.submissions != nil {
		first, err := v.submissions.MarkSubmitted(ctx, ticket.ID)
		if err != nil {
			v.logger.Error("Unable to track submission", "ticket_id", ticket.ID, "error", err)
		} else if !first {
			v.logger.Debug("Submission already pending", "ticket_id", ticket.ID)
			return result
		}
	}
	payload["requester"] = result.Principal.Map()
	payload["requester_verified"] = result.PrincipalVerified
	v.events.Publish(ctx, audit.NewEvent(audit.RequestSubmitted, payload))
	return result
}
