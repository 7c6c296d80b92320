// Package uma implements User-Managed Access 2.0 on top of the token grant
// engine: permission tickets, policy evaluation against resource owner rules
// and the uma-ticket grant that exchanges an authorized ticket for an RPT.
package uma

import (
	"context"
	"errors"
	"time"

	"github.com/gematik/zero-authz/pkg/claims"
	"github.com/gematik/zero-authz/pkg/oauth2server"
)

// IDTokenFormat is the only claim token format evaluated against rules.
const IDTokenFormat = "http://openid.net/specs/openid-connect-core-1_0.html#IDToken"

// ProtectionScope must be allowed for resource servers calling the
// permission endpoint.
const ProtectionScope = "uma_protection"

var (
	ErrNotFound        = oauth2server.ErrNotFound
	ErrInvalidArgument = errors.New("invalid argument")
)

type TicketLine struct {
	ResourceSetID string   `json:"resource_id" yaml:"resource_id"`
	Scopes        []string `json:"resource_scopes" yaml:"resource_scopes"`
}

type Ticket struct {
	ID    string
	Lines []TicketLine
	// IsAuthorizedByRO is set once the resource owner consented.
	IsAuthorizedByRO bool
	// Requester identifies the resource server client that created the
	// ticket.
	Requester string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (t *Ticket) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// ResourceSetIDs returns the distinct resource set ids in line order.
func (t *Ticket) ResourceSetIDs() []string {
	seen := make(map[string]bool, len(t.Lines))
	ids := make([]string, 0, len(t.Lines))
	for _, l := range t.Lines {
		if seen[l.ResourceSetID] {
			continue
		}
		seen[l.ResourceSetID] = true
		ids = append(ids, l.ResourceSetID)
	}
	return ids
}

type ResourceSet struct {
	ID     string       `json:"_id" yaml:"id" validate:"required"`
	Owner  string       `json:"owner" yaml:"owner"`
	Name   string       `json:"name,omitempty" yaml:"name"`
	Scopes []string     `json:"resource_scopes" yaml:"scopes" validate:"required,min=1"`
	Rules  []PolicyRule `json:"rules,omitempty" yaml:"rules" validate:"dive"`
}

type ClaimRequirement struct {
	Type  string `json:"type" yaml:"type" validate:"required"`
	Value string `json:"value" yaml:"value"`
}

// PolicyRule is one resource owner rule. All conditions must hold for the
// rule to authorize.
type PolicyRule struct {
	ID     string   `json:"id" yaml:"id"`
	Scopes []string `json:"scopes" yaml:"scopes"`
	// ClientIDs restricts the rule to these clients. Empty allows any client.
	ClientIDs      []string           `json:"clients,omitempty" yaml:"clients"`
	Claims         []ClaimRequirement `json:"claims,omitempty" yaml:"claims" validate:"dive"`
	RequireConsent bool               `json:"is_resource_owner_consent_needed" yaml:"require_consent"`
	// OpenIDProvider is the issuer requesters obtain claim tokens from.
	OpenIDProvider string `json:"openid_provider,omitempty" yaml:"openid_provider"`
}

type ResultKind int

const (
	NotAuthorized ResultKind = iota
	Authorized
	RequestSubmitted
	NeedInfo
)

func (k ResultKind) String() string {
	switch k {
	case Authorized:
		return "authorized"
	case NotAuthorized:
		return "not_authorized"
	case RequestSubmitted:
		return "request_submitted"
	case NeedInfo:
		return "need_info"
	}
	return "unknown"
}

func (k ResultKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// RequiredClaim describes a claim the requester has to present, in the shape
// of the UMA 2.0 need_info response.
type RequiredClaim struct {
	Name             string   `json:"name"`
	FriendlyName     string   `json:"friendly_name,omitempty"`
	ClaimType        string   `json:"claim_type,omitempty"`
	ClaimTokenFormat []string `json:"claim_token_format,omitempty"`
	Issuer           []string `json:"issuer,omitempty"`
	Value            string   `json:"value,omitempty"`
}

type NeedInfoDetails struct {
	Ticket         string          `json:"ticket,omitempty"`
	RequiredClaims []RequiredClaim `json:"required_claims,omitempty"`
	RedirectUser   bool            `json:"redirect_user,omitempty"`
}

type AuthorizationPolicyResult struct {
	Kind ResultKind
	// Principal holds the validated claims of the requester.
	Principal *claims.Set
	// PrincipalVerified is false when the claim token format is not
	// evaluated and Principal is therefore empty.
	PrincipalVerified bool
	NeedInfo          *NeedInfoDetails
	ResourceSetID     string
}

type ClaimToken struct {
	Token  string
	Format string
}

// IsIDToken reports whether the token is in the evaluated format. An empty
// format is taken as id token.
func (c ClaimToken) IsIDToken() bool {
	return c.Format == "" || c.Format == IDTokenFormat
}

type ResourceSetDirectory interface {
	// GetResourceSets returns the resource sets with the given ids. Unknown
	// ids are omitted from the result.
	GetResourceSets(ctx context.Context, ids []string) ([]*ResourceSet, error)
}

// TicketStore implementations remove a ticket at most once.
type TicketStore interface {
	AddTicket(ctx context.Context, ticket *Ticket) (bool, error)
	GetTicket(ctx context.Context, id string) (*Ticket, error)
	RemoveTicket(ctx context.Context, id string) (bool, error)
}

type ClaimTokenValidator interface {
	ValidateClaimToken(ctx context.Context, token string, client *oauth2server.Client) (*claims.Set, error)
}

// SubmissionTracker de-duplicates submission events for tickets that are
// retried while a request is pending.
type SubmissionTracker interface {
	// MarkSubmitted reports true the first time a ticket is marked.
	MarkSubmitted(ctx context.Context, ticketID string) (bool, error)
}
