package zas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gematik/zero-authz/pkg/audit"
	"github.com/gematik/zero-authz/pkg/dpop"
	"github.com/gematik/zero-authz/pkg/jose"
	"github.com/gematik/zero-authz/pkg/nonce"
	"github.com/gematik/zero-authz/pkg/oauth2server"
	"github.com/gematik/zero-authz/pkg/store"
	"github.com/gematik/zero-authz/pkg/uma"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/valkey-io/valkey-go"
)

// Endpoint paths relative to the issuer.
const (
	PathToken      = "/token"
	PathRevoke     = "/revoke"
	PathJWKS       = "/jwks"
	PathNonce      = "/nonce"
	PathPermission = "/perm"
	PathConsent    = "/consent"
	PathEvents     = "/events"
)

// grantStore keeps the short lived grant state: codes, tokens, tickets and
// used client assertions.
type grantStore interface {
	oauth2server.AuthorizationCodeStore
	oauth2server.TokenStore
	oauth2server.AssertionReplayCache
	uma.TicketStore
	uma.ConsentStore
	uma.SubmissionTracker
}

// directory holds the registered clients and resource sets.
type directory interface {
	oauth2server.ClientDirectory
	uma.ResourceSetDirectory
	PutClient(ctx context.Context, client *oauth2server.Client) error
	PutResourceSet(ctx context.Context, rs *uma.ResourceSet) error
}

type Server struct {
	Config    *Config
	Engine    *oauth2server.Engine
	UMA       *uma.Service
	Keys      *jose.KeyStore
	Nonces    nonce.Service
	DPoP      *dpop.Verifier
	Events    *audit.Hub
	Metadata  *oauth2server.Metadata
	UMAConfig *uma.Configuration

	logger       *slog.Logger
	valkeyClient valkey.Client
	closers      []func() error
}

type Option func(*Server) error

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithValkeyClient uses an existing client instead of dialing the
// configured addresses. The caller keeps ownership of the client.
func WithValkeyClient(client valkey.Client) Option {
	return func(s *Server) error {
		s.valkeyClient = client
		return nil
	}
}

func WithKeyStore(keys *jose.KeyStore) Option {
	return func(s *Server) error {
		s.Keys = keys
		return nil
	}
}

// New builds a server from a config. Close releases the stores.
func New(cfg *Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{Config: cfg, logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if err := s.build(context.Background()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context) error {
	cfg := s.Config

	if s.Keys == nil {
		keys, err := loadKeys(cfg)
		if err != nil {
			return err
		}
		s.Keys = keys
	}
	engineCfg := cfg.Engine
	if engineCfg.DefaultSigningAlg == "" && !contains(s.Keys.Algorithms(), oauth2server.DefaultSigningAlg) {
		engineCfg.DefaultSigningAlg = s.Keys.Algorithms()[0]
	}

	s.Events = audit.NewHub(cfg.Events.HubBuffer)
	publisher := audit.Multi{audit.NewSlogPublisher(s.logger), s.Events}

	grants, err := s.openGrantStore(cfg)
	if err != nil {
		return err
	}

	dir, err := s.openDirectory(ctx, cfg)
	if err != nil {
		return err
	}

	owners, err := oauth2server.NewPasswordAuthenticator(cfg.ResourceOwners)
	if err != nil {
		return fmt.Errorf("create resource owner authenticator: %w", err)
	}

	s.Engine, err = oauth2server.New(
		engineCfg,
		oauth2server.NewDirectoryAuthenticator(dir, s.Nonces, engineCfg, oauth2server.WithAssertionReplayCache(grants)),
		grants,
		grants,
		s.Keys,
		oauth2server.WithResourceOwnerAuthenticator(owners),
		oauth2server.WithPublisher(publisher),
		oauth2server.WithLogger(s.logger),
	)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	validatorOpts := []uma.ValidatorOption{
		uma.WithEventPublisher(publisher),
		uma.WithValidatorLogger(s.logger),
	}
	if cfg.UMA.DeduplicateSubmissions {
		validatorOpts = append(validatorOpts, uma.WithSubmissionTracker(grants))
	}
	validator := uma.NewValidator(
		dir,
		&uma.JWTClaimTokenValidator{ServerKeys: s.Keys.PublicKeys()},
		validatorOpts...,
	)
	s.UMA = uma.NewService(cfg.UMA, s.Engine, validator, grants, dir, uma.WithServicePublisher(publisher))

	dpopOpts := []dpop.VerifierOption{}
	if cfg.DPoP.RequireNonce {
		dpopOpts = append(dpopOpts, dpop.WithNonce(s.Nonces))
	}
	if cfg.DPoP.MaxAge > 0 {
		dpopOpts = append(dpopOpts, dpop.WithMaxAge(cfg.DPoP.MaxAge))
	}
	s.DPoP, err = dpop.NewVerifier(dpopOpts...)
	if err != nil {
		return fmt.Errorf("create dpop verifier: %w", err)
	}

	s.Metadata = oauth2server.NewMetadata(cfg.Issuer, oauth2server.Endpoints{
		Token:      PathToken,
		Jwks:       PathJWKS,
		Revocation: PathRevoke,
		Nonce:      PathNonce,
	}, cfg.Scopes)
	s.UMAConfig = uma.NewConfiguration(s.Metadata, strings.TrimRight(cfg.Issuer, "/")+PathPermission)

	s.logger.Info("Authorization server configured",
		"issuer", cfg.Issuer,
		"storage", cfg.Storage.Backend,
		"signing_algs", s.Keys.Algorithms(),
		"clients", len(cfg.Clients),
		"resource_sets", len(cfg.ResourceSets))
	return nil
}

func (s *Server) openGrantStore(cfg *Config) (grantStore, error) {
	switch cfg.Storage.Backend {
	case StorageValkey:
		client := s.valkeyClient
		if client == nil {
			var err error
			client, err = valkey.NewClient(valkey.ClientOption{
				InitAddress: cfg.Storage.ValkeyAddress,
				Password:    cfg.Storage.ValkeyPassword,
			})
			if err != nil {
				return nil, fmt.Errorf("connect to valkey: %w", err)
			}
			s.closers = append(s.closers, func() error {
				client.Close()
				return nil
			})
		}
		var opts []store.ValkeyOption
		if cfg.Storage.KeyPrefix != "" {
			opts = append(opts, store.WithKeyPrefix(cfg.Storage.KeyPrefix))
		}
		s.Nonces = nonce.NewValkeyService(client, nonce.Options{Expiry: cfg.Nonce.Expiry})
		return store.NewValkey(client, opts...), nil
	default:
		nonces, err := nonce.NewHashicorpService()
		if err != nil {
			return nil, err
		}
		s.Nonces = nonces
		mem := store.NewMemory()
		s.closers = append(s.closers, func() error {
			mem.Stop()
			return nil
		})
		return mem, nil
	}
}

// openDirectory opens the bolt directory if configured, an in-memory one
// otherwise, and registers the configured clients and resource sets.
func (s *Server) openDirectory(ctx context.Context, cfg *Config) (directory, error) {
	var dir directory
	if cfg.Storage.BoltPath != "" {
		path := absPath(cfg.BaseDir, cfg.Storage.BoltPath)
		db, err := store.OpenBolt(path)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		s.logger.Info("Using persistent directory", "path", path)
		dir = db
	} else {
		mem := store.NewMemory()
		s.closers = append(s.closers, func() error {
			mem.Stop()
			return nil
		})
		dir = mem
	}

	for _, c := range cfg.Clients {
		if err := dir.PutClient(ctx, c); err != nil {
			return nil, fmt.Errorf("register client %s: %w", c.ID, err)
		}
	}
	for _, rs := range cfg.ResourceSets {
		if err := dir.PutResourceSet(ctx, rs); err != nil {
			return nil, fmt.Errorf("register resource set %s: %w", rs.ID, err)
		}
	}
	return dir, nil
}

func loadKeys(cfg *Config) (*jose.KeyStore, error) {
	if len(cfg.SigningKeys) == 0 {
		slog.Warn("No signing keys configured, using a random key. Do not use this in production!")
		return jose.GenerateKeyStore(oauth2server.DefaultSigningAlg)
	}

	keys := make([]jwk.Key, 0, len(cfg.SigningKeys))
	for _, kc := range cfg.SigningKeys {
		path := absPath(cfg.BaseDir, kc.Path)
		key, err := jose.LoadKeyFile(path, kc.Alg)
		if err != nil {
			if !kc.Optional {
				return nil, err
			}
			alg := kc.Alg
			if alg == "" {
				alg = oauth2server.DefaultSigningAlg
			}
			slog.Warn("Failed to load signing key, using a random key", "path", path, "alg", alg, "error", err)
			key, err = jose.RandomKey(alg)
			if err != nil {
				return nil, fmt.Errorf("unable to generate keys: %w", err)
			}
		}
		keys = append(keys, key)
	}
	return jose.NewKeyStore(keys...)
}

// Close releases stores and connections in reverse order of creation.
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}
