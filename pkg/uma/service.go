package uma

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gematik/zero-authz/pkg/audit"
	"github.com/gematik/zero-authz/pkg/claims"
	"github.com/gematik/zero-authz/pkg/oauth2"
	"github.com/gematik/zero-authz/pkg/oauth2server"
	"github.com/segmentio/ksuid"
)

const DefaultTicketValidity = 5 * time.Minute

type Config struct {
	TicketValidity time.Duration `yaml:"ticket_validity"`
	// DeduplicateSubmissions publishes the submission event of a ticket
	// only once when the requesting party retries.
	DeduplicateSubmissions bool `yaml:"deduplicate_submissions"`
}

// Service implements the permission endpoint and the uma-ticket grant.
type Service struct {
	cfg       Config
	engine    *oauth2server.Engine
	validator *Validator
	tickets   TicketStore
	resources ResourceSetDirectory
	events    audit.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

type ServiceOption func(*Service)

func WithServicePublisher(p audit.Publisher) ServiceOption {
	return func(s *Service) {
		s.events = p
	}
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(cfg Config, engine *oauth2server.Engine, validator *Validator, tickets TicketStore, resources ResourceSetDirectory, opts ...ServiceOption) *Service {
	if cfg.TicketValidity <= 0 {
		cfg.TicketValidity = DefaultTicketValidity
	}
	s := &Service{
		cfg:       cfg,
		engine:    engine,
		validator: validator,
		tickets:   tickets,
		resources: resources,
		events:    audit.Discard,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestPermissions registers the requested permissions of a resource
// server and returns the ticket the client presents at the token endpoint.
func (s *Service) RequestPermissions(ctx context.Context, auth oauth2server.ClientAuthentication, lines []TicketLine, issuer string) (*Ticket, error) {
	if len(lines) == 0 {
		return nil, oauth2.InvalidRequest("at least one permission is required")
	}
	for _, l := range lines {
		if l.ResourceSetID == "" {
			return nil, oauth2.MissingParameter("resource_id")
		}
	}

	rs, err := s.engine.AuthenticateClient(ctx, auth, issuer)
	if err != nil {
		return nil, err
	}
	if !rs.AllowsScopes([]string{ProtectionScope}) {
		return nil, oauth2.InvalidScope("the client is not allowed to register permissions")
	}

	ticket := &Ticket{
		ID:        ksuid.New().String(),
		Lines:     lines,
		Requester: rs.ID,
		CreatedAt: s.now(),
	}
	ticket.ExpiresAt = ticket.CreatedAt.Add(s.cfg.TicketValidity)

	ids := ticket.ResourceSetIDs()
	sets, err := s.resources.GetResourceSets(ctx, ids)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get resource sets: %w", err)
	}
	byID := make(map[string]*ResourceSet, len(sets))
	for _, set := range sets {
		if set != nil {
			byID[set.ID] = set
		}
	}
	for _, l := range lines {
		set, ok := byID[l.ResourceSetID]
		if !ok {
			return nil, oauth2.UMAError(oauth2.ErrorInvalidResource, nil, "the resource set %q does not exist", l.ResourceSetID)
		}
		if len(l.Scopes) == 0 || !subset(l.Scopes, set.Scopes) {
			return nil, oauth2.InvalidScope("the scopes are not valid for the resource set %q", l.ResourceSetID)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	added, err := s.tickets.AddTicket(ctx, ticket)
	if err != nil {
		return nil, fmt.Errorf("store ticket: %w", err)
	}
	if !added {
		return nil, fmt.Errorf("store ticket: duplicate ticket %s", ticket.ID)
	}

	s.logger.Info("Created permission ticket", "ticket_id", ticket.ID, "client_id", rs.ID, "lines", len(lines))
	s.events.Publish(ctx, audit.NewEvent(audit.TicketCreated, map[string]any{
		"ticket_id": ticket.ID,
		"client_id": rs.ID,
	}))
	return ticket, nil
}

// ConsentStore is implemented by ticket stores that record resource owner
// consent.
type ConsentStore interface {
	AuthorizeTicket(ctx context.Context, id string) error
}

// RecordConsent marks a ticket as authorized by the resource owner. Only the
// resource server that created the ticket may record consent for it.
func (s *Service) RecordConsent(ctx context.Context, auth oauth2server.ClientAuthentication, ticketID, issuer string) error {
	if ticketID == "" {
		return oauth2.MissingParameter("ticket")
	}
	consent, ok := s.tickets.(ConsentStore)
	if !ok {
		return errors.New("ticket store does not record consent")
	}
	rs, err := s.engine.AuthenticateClient(ctx, auth, issuer)
	if err != nil {
		return err
	}
	if !rs.AllowsScopes([]string{ProtectionScope}) {
		return oauth2.InvalidScope("the client is not allowed to record consent")
	}

	ticket, err := s.tickets.GetTicket(ctx, ticketID)
	if errors.Is(err, ErrNotFound) {
		return oauth2.InvalidGrant("the ticket is not correct")
	}
	if err != nil {
		return fmt.Errorf("get ticket: %w", err)
	}
	if ticket.Requester != rs.ID {
		return oauth2.InvalidGrant("the ticket was not created by this client")
	}
	if ticket.Expired(s.now()) {
		return oauth2.InvalidGrant("the ticket is obsolete")
	}

	if err := consent.AuthorizeTicket(ctx, ticketID); err != nil {
		return fmt.Errorf("authorize ticket: %w", err)
	}
	s.logger.Info("Recorded resource owner consent", "ticket_id", ticketID, "client_id", rs.ID)
	return nil
}

type TicketGrantParams struct {
	Ticket           string
	ClaimToken       string
	ClaimTokenFormat string
	KeyThumbprint    string
}

// GrantTicket evaluates the ticket and issues a requesting party token on
// success. The non authorized outcomes are returned as UMA errors.
func (s *Service) GrantTicket(ctx context.Context, params *TicketGrantParams, auth oauth2server.ClientAuthentication, issuer string) (*oauth2server.GrantedToken, error) {
	if params == nil || params.Ticket == "" {
		return nil, oauth2.MissingParameter("ticket")
	}
	client, err := s.engine.AuthenticateClient(ctx, auth, issuer)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrantType(oauth2.GrantTypeUMATicket) {
		return nil, oauth2.InvalidClient("the client is not allowed to use the %s grant", oauth2.GrantTypeUMATicket)
	}

	ticket, err := s.tickets.GetTicket(ctx, params.Ticket)
	if errors.Is(err, ErrNotFound) {
		return nil, oauth2.InvalidGrant("the ticket is not correct")
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	if ticket.Expired(s.now()) {
		return nil, oauth2.InvalidGrant("the ticket is obsolete")
	}

	result, err := s.validator.Evaluate(ctx, ticket, client, ClaimToken{
		Token:  params.ClaimToken,
		Format: params.ClaimTokenFormat,
	})
	if err != nil {
		return nil, err
	}

	switch result.Kind {
	case Authorized:
	case NeedInfo:
		return nil, oauth2.UMAError(oauth2.ErrorNeedInfo, result.NeedInfo, "additional claims are required")
	case RequestSubmitted:
		return nil, oauth2.UMAError(oauth2.ErrorRequestSubmitted, &NeedInfoDetails{Ticket: ticket.ID}, "the request was submitted to the resource owner")
	default:
		return nil, oauth2.UMAError(oauth2.ErrorNotAuthorized, nil, "the request is not authorized")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	removed, err := s.tickets.RemoveTicket(ctx, ticket.ID)
	if err != nil {
		return nil, fmt.Errorf("remove ticket: %w", err)
	}
	if !removed {
		return nil, oauth2.InvalidGrant("the ticket is not correct")
	}

	extra := claims.New()
	extra.Put("permissions", permissions(ticket))
	token, err := s.engine.IssueToken(ctx, client, oauth2server.IssueRequest{
		Scopes:        ticketScopes(ticket),
		Subject:       result.Principal.String(claims.Subject),
		ExtraClaims:   extra,
		KeyThumbprint: params.KeyThumbprint,
		Issuer:        issuer,
		GrantType:     oauth2.GrantTypeUMATicket,
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, audit.NewEvent(audit.TicketAuthorized, map[string]any{
		"ticket_id": ticket.ID,
		"client_id": client.ID,
		"token_id":  token.ID,
	}))
	return token, nil
}

func permissions(t *Ticket) []any {
	out := make([]any, 0, len(t.Lines))
	for _, l := range t.Lines {
		scopes := make([]any, len(l.Scopes))
		for i, s := range l.Scopes {
			scopes[i] = s
		}
		out = append(out, map[string]any{
			"resource_id":     l.ResourceSetID,
			"resource_scopes": scopes,
		})
	}
	return out
}

func ticketScopes(t *Ticket) []string {
	var out []string
	for _, l := range t.Lines {
		for _, s := range l.Scopes {
			if !contains(out, s) {
				out = append(out, s)
			}
		}
	}
	return out
}
