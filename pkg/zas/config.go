// Package zas wires the Zero Authorization Server (ZAS) together: token grant
// engine, UMA service, stores, keys, nonces and audit sinks.
package zas

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/gematik/zero-authz/pkg/oauth2server"
	"github.com/gematik/zero-authz/pkg/uma"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	StorageMemory = "memory"
	StorageValkey = "valkey"
)

type Config struct {
	BaseDir        string                       `yaml:"-"`
	Issuer         string                       `yaml:"issuer" validate:"required,url"`
	Address        string                       `yaml:"address"`
	Engine         oauth2server.Config          `yaml:"engine"`
	UMA            uma.Config                   `yaml:"uma"`
	SigningKeys    []KeyConfig                  `yaml:"signing_keys" validate:"dive"`
	Scopes         []string                     `yaml:"scopes_supported"`
	Clients        []*oauth2server.Client       `yaml:"clients" validate:"dive"`
	ResourceOwners []oauth2server.ResourceOwner `yaml:"resource_owners" validate:"dive"`
	ResourceSets   []*uma.ResourceSet           `yaml:"resource_sets" validate:"dive"`
	Storage        StorageConfig                `yaml:"storage"`
	Nonce          NonceConfig                  `yaml:"nonce"`
	DPoP           DPoPConfig                   `yaml:"dpop"`
	Events         EventsConfig                 `yaml:"events"`
}

// KeyConfig points to a private signing key in PEM or JWK format. Optional
// keys are replaced by a random key if the file cannot be read.
type KeyConfig struct {
	Path     string `yaml:"path" validate:"required"`
	Alg      string `yaml:"alg" validate:"omitempty,oneof=ES256 ES384 RS256 PS256"`
	Optional bool   `yaml:"optional"`
}

type StorageConfig struct {
	Backend        string   `yaml:"backend" validate:"omitempty,oneof=memory valkey"`
	ValkeyAddress  []string `yaml:"valkey_address" validate:"required_if=Backend valkey"`
	ValkeyPassword string   `yaml:"valkey_password"`
	KeyPrefix      string   `yaml:"key_prefix"`
	// BoltPath enables the persistent client and resource set directory.
	BoltPath string `yaml:"bolt_path"`
}

type NonceConfig struct {
	Expiry time.Duration `yaml:"expiry"`
}

type DPoPConfig struct {
	RequireNonce bool          `yaml:"require_nonce"`
	MaxAge       time.Duration `yaml:"max_age"`
}

type EventsConfig struct {
	HubBuffer int `yaml:"hub_buffer"`
}

func LoadConfigFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	expanded := os.ExpandEnv(string(content))

	cfg := new(Config)
	cfg.BaseDir = filepath.Dir(path)

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}

	return cfg, nil
}

// Validate fills in derived values and checks the config.
func (c *Config) Validate() error {
	if c.Engine.Issuer == "" {
		c.Engine.Issuer = c.Issuer
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageMemory
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("yaml")
	})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

func absPath(baseDir, path string) string {
	if filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
